package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/game-tender/poller"
	"github.com/onnwee/game-tender/steamapi"
	"github.com/onnwee/game-tender/store"
	"github.com/onnwee/game-tender/tracker"
)

type sentMessage struct {
	channel string
	msg     *discordgo.MessageSend
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	typing int
	err    error
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentMessage{channel: channelID, msg: data})
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (f *fakeSender) ChannelTyping(string, ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeSender) last(t *testing.T) *discordgo.MessageEmbed {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	m := f.sent[len(f.sent)-1].msg
	if len(m.Embeds) == 0 {
		t.Fatal("last message has no embed")
	}
	return m.Embeds[0]
}

type fakeSteam struct {
	results   []steamapi.SearchResult
	searchErr error
	counts    map[int64]int
	top       []steamapi.GameStats
	topErr    error
}

func (f *fakeSteam) SearchGames(ctx context.Context, query string, limit int) ([]steamapi.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.results) > limit {
		return f.results[:limit], nil
	}
	return f.results, nil
}

func (f *fakeSteam) PlayerCount(ctx context.Context, appID int64) (int, error) {
	n, ok := f.counts[appID]
	if !ok {
		return 0, errors.New("no count")
	}
	return n, nil
}

func (f *fakeSteam) TopGames(ctx context.Context, limit int) ([]steamapi.GameStats, error) {
	return f.top, f.topErr
}

// failingStore rejects every save.
type failingStore struct{}

func (failingStore) Load(context.Context) (store.Document, error) { return store.Document{}, nil }
func (failingStore) Save(context.Context, store.Document) error { return errors.New("disk full") }
func (failingStore) Ping(context.Context) error { return nil }

func newTestHandler(t *testing.T, steam *fakeSteam) (*Handler, *tracker.Tracker, *fakeSender) {
	t.Helper()
	tr := tracker.New(store.NewFileStore(filepath.Join(t.TempDir(), "game_tracking.json")))
	send := &fakeSender{}
	return NewHandler(tr, steam, send, "!", nil), tr, send
}

func TestHandler_Parse(t *testing.T) {
	h := NewHandler(nil, nil, nil, "!", nil)
	tests := []struct {
		content  string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{"!track Counter-Strike 2", "track", "Counter-Strike 2", true},
		{"  !TRACK   Dota 2  ", "track", "Dota 2", true},
		{"!track", "track", "", true},
		{"!untrack 730", "untrack", "730", true},
		{"!playercount", "playercount", "", true},
		{"!help", "help", "", true},
		{"!unknown thing", "", "", false},
		{"track CS2", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			name, args, ok := h.Parse(tt.content)
			if name != tt.wantName || args != tt.wantArgs || ok != tt.wantOK {
				t.Errorf("Parse(%q) = %q, %q, %v; want %q, %q, %v", tt.content, name, args, ok, tt.wantName, tt.wantArgs, tt.wantOK)
			}
		})
	}
}

func TestHandler_ParseCustomPrefix(t *testing.T) {
	h := NewHandler(nil, nil, nil, "$", nil)
	if _, _, ok := h.Parse("!track CS2"); ok {
		t.Error("default prefix accepted with custom prefix configured")
	}
	if name, _, ok := h.Parse("$help"); !ok || name != "help" {
		t.Errorf("Parse($help) = %q, %v", name, ok)
	}
}

func TestHandler_Track(t *testing.T) {
	steam := &fakeSteam{results: []steamapi.SearchResult{{AppID: 730, Name: "Counter-Strike 2"}, {AppID: 10, Name: "Counter-Strike"}}}
	h, tr, send := newTestHandler(t, steam)
	ctx := context.Background()

	h.Dispatch(ctx, Command{Name: "track", Args: "counter strike", ChannelID: 1, UserID: 9})
	if got := send.last(t); got.Title != "✅ Game Tracked" || !strings.Contains(got.Description, "Counter-Strike 2") {
		t.Errorf("reply = %+v", got)
	}
	if send.sent[0].channel != "1" {
		t.Errorf("reply channel = %q, want 1", send.sent[0].channel)
	}
	if send.typing != 1 {
		t.Errorf("typing = %d, want 1", send.typing)
	}
	games := tr.List(tracker.InChannel(1), tracker.ByUser(9))
	if len(games) != 1 || games[0].ID != 730 {
		t.Fatalf("tracked = %+v, want first search match", games)
	}

	h.Dispatch(ctx, Command{Name: "track", ChannelID: 1, UserID: 9})
	list := send.last(t)
	if list.Title != "🎮 Your Tracked Games" || len(list.Fields) != 1 || list.Fields[0].Value != "No current data" {
		t.Errorf("list reply = %+v", list)
	}

	h.Dispatch(ctx, Command{Name: "track", ChannelID: 2, UserID: 9})
	if got := send.last(t); len(got.Fields) != 0 || !strings.Contains(got.Description, "not tracking any games") {
		t.Errorf("empty list reply = %+v", got)
	}
}

func TestHandler_TrackFailures(t *testing.T) {
	tests := []struct {
		name      string
		steam     *fakeSteam
		store     store.Store
		wantTitle string
		wantText  string
	}{
		{"no match", &fakeSteam{}, nil, "❌ Game Not Found", "Could not find any games"},
		{"search error", &fakeSteam{searchErr: errors.New("timeout")}, nil, "❌ Error", tryLater},
		{"storage error", &fakeSteam{results: []steamapi.SearchResult{{AppID: 730, Name: "CS2"}}}, failingStore{}, "❌ Error", tryLater},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, send := newTestHandler(t, tt.steam)
			if tt.store != nil {
				h.tracker = tracker.New(tt.store)
			}
			h.Dispatch(context.Background(), Command{Name: "track", Args: "cs2", ChannelID: 1, UserID: 9})
			got := send.last(t)
			if got.Title != tt.wantTitle || !strings.Contains(got.Description, tt.wantText) {
				t.Errorf("reply = %q / %q, want %q containing %q", got.Title, got.Description, tt.wantTitle, tt.wantText)
			}
		})
	}
}

func TestHandler_Untrack(t *testing.T) {
	h, tr, send := newTestHandler(t, &fakeSteam{})
	ctx := context.Background()
	_ = tr.Track(ctx, 730, "Counter-Strike 2", 1, 9)
	_ = tr.Track(ctx, 570, "Dota 2", 1, 9)
	_ = tr.Track(ctx, 440, "Team Fortress 2", 1, 10)

	tests := []struct {
		name      string
		args      string
		wantTitle string
		wantGone  int64
	}{
		{"by id", "570", "🛑 Stopped Tracking", 570},
		{"other user's game", "team fortress 2", "❌ Game Not Tracked", 0},
		{"by name prefix", "counter", "🛑 Stopped Tracking", 730},
		{"already removed", "730", "❌ Game Not Tracked", 0},
		{"missing argument", "", "❌ Error", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.Dispatch(ctx, Command{Name: "untrack", Args: tt.args, ChannelID: 1, UserID: 9})
			if got := send.last(t); got.Title != tt.wantTitle {
				t.Errorf("reply title = %q, want %q", got.Title, tt.wantTitle)
			}
			if tt.wantGone != 0 {
				for _, g := range tr.List(tracker.InChannel(1), tracker.ByUser(9)) {
					if g.ID == tt.wantGone {
						t.Errorf("game %d still listed", tt.wantGone)
					}
				}
			}
		})
	}
	if _, ok := tr.Get(440); !ok {
		t.Error("another user's game was removed")
	}
}

func TestFindTracked(t *testing.T) {
	games := []tracker.Summary{
		{ID: 10, Name: "Counter-Strike"},
		{ID: 730, Name: "Counter-Strike 2"},
	}
	tests := []struct {
		query  string
		wantID int64
		wantOK bool
	}{
		{"730", 730, true},
		{"counter-strike 2", 730, true},
		{"COUNTER-STRIKE", 10, true},
		{"counter", 10, true},
		{"dota", 0, false},
		{"999", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, ok := findTracked(games, tt.query)
			if ok != tt.wantOK || got.ID != tt.wantID {
				t.Errorf("findTracked(%q) = %d, %v; want %d, %v", tt.query, got.ID, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestHandler_PlayerCount(t *testing.T) {
	steam := &fakeSteam{
		results: []steamapi.SearchResult{{AppID: 730, Name: "Counter-Strike 2"}, {AppID: 10, Name: "Counter-Strike"}},
		counts:  map[int64]int{730: 1234567},
		top:     []steamapi.GameStats{{AppID: 730, Name: "Counter-Strike 2", PlayerCount: 900000}, {AppID: 570, Name: "Dota 2", PlayerCount: 500000}},
	}
	h, _, send := newTestHandler(t, steam)
	ctx := context.Background()

	h.Dispatch(ctx, Command{Name: "playercount", ChannelID: 1, UserID: 9})
	top := send.last(t)
	if top.Title != "🎮 Top Steam Games" || len(top.Fields) != 2 {
		t.Fatalf("top reply = %+v", top)
	}
	if top.Fields[0].Name != "1. Counter-Strike 2" || !strings.Contains(top.Fields[0].Value, "900,000") {
		t.Errorf("first field = %+v", top.Fields[0])
	}

	h.Dispatch(ctx, Command{Name: "playercount", Args: "counter", ChannelID: 1, UserID: 9})
	search := send.last(t)
	if len(search.Fields) != 2 {
		t.Fatalf("search reply = %+v", search)
	}
	if !strings.Contains(search.Fields[0].Value, "1,234,567") {
		t.Errorf("first count = %q", search.Fields[0].Value)
	}
	if search.Fields[1].Value != "Unable to fetch player count" {
		t.Errorf("second count = %q", search.Fields[1].Value)
	}

	steam.topErr = errors.New("steam down")
	h.Dispatch(ctx, Command{Name: "playercount", ChannelID: 1, UserID: 9})
	if got := send.last(t); got.Title != "❌ Error" || !strings.Contains(got.Description, tryLater) {
		t.Errorf("error reply = %+v", got)
	}
}

func TestHandler_Help(t *testing.T) {
	h, _, send := newTestHandler(t, &fakeSteam{})
	h.Dispatch(context.Background(), Command{Name: "help", ChannelID: 1, UserID: 9})
	got := send.last(t)
	if len(got.Fields) != 4 {
		t.Fatalf("help fields = %d, want 4", len(got.Fields))
	}
	if !strings.HasPrefix(got.Fields[0].Name, "`!help") || !strings.HasPrefix(got.Fields[3].Name, "`!untrack") {
		t.Errorf("help not sorted: %q .. %q", got.Fields[0].Name, got.Fields[3].Name)
	}
}

func TestNotifier_Notify(t *testing.T) {
	send := &fakeSender{}
	n := NewNotifier(send, nil)
	note := poller.Notification{
		GameID:    730,
		GameName:  "CS2",
		ChannelID: 42,
		UserIDs:   []int64{9, 10},
		Events: []tracker.Event{
			{Kind: tracker.KindPrice, Message: "💰 Price Update: CS2\nPrevious: $9.99\nNew: $19.99"},
			{Kind: tracker.KindPreorder, Message: "🎮 Pre-order Status Update: CS2\nNow available for pre-order!"},
		},
	}
	if err := n.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(send.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(send.sent))
	}
	got := send.sent[0]
	if got.channel != "42" {
		t.Errorf("channel = %q, want 42", got.channel)
	}
	if got.msg.Content != "<@9> <@10>" {
		t.Errorf("content = %q", got.msg.Content)
	}
	if len(got.msg.Embeds) != 2 || got.msg.Embeds[0].Title != "Game Update: CS2" || got.msg.Embeds[1].Description != note.Events[1].Message {
		t.Errorf("embeds = %+v", got.msg.Embeds)
	}
	if got.msg.AllowedMentions == nil || len(got.msg.AllowedMentions.Users) != 2 {
		t.Errorf("allowed mentions = %+v", got.msg.AllowedMentions)
	}
}

func TestNotifier_NotifyErrors(t *testing.T) {
	send := &fakeSender{err: errors.New("missing access")}
	n := NewNotifier(send, nil)
	err := n.Notify(context.Background(), poller.Notification{ChannelID: 1, Events: []tracker.Event{{Kind: tracker.KindPrice}}})
	if err == nil || !strings.Contains(err.Error(), "missing access") {
		t.Errorf("Notify() error = %v, want send error", err)
	}
	if err := n.Notify(context.Background(), poller.Notification{ChannelID: 1}); err != nil {
		t.Errorf("Notify(no events) error = %v, want nil", err)
	}
}

func TestFormatCount(t *testing.T) {
	tests := map[int]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -4500: "-4,500", 1818213: "1,818,213"}
	for in, want := range tests {
		if got := formatCount(in); got != want {
			t.Errorf("formatCount(%d) = %q, want %q", in, got, want)
		}
	}
}
