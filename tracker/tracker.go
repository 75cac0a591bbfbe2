package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/game-tender/store"
	"github.com/onnwee/game-tender/telemetry"
)

// ErrStorage wraps every failure to read or write the backing store.
var ErrStorage = errors.New("watch-list storage failure")

// Tracker is the watch registry and change detector.
type Tracker struct {
	mu    sync.Mutex
	store store.Store
	log   *slog.Logger
	now   func() time.Time

	games map[int64]*game
	order []int64 // insertion order of game ids
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithClock overrides the time source used for last_check.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns an empty Tracker persisting through st. Call Load to read the
// existing document.
func New(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: st,
		log:   slog.Default(),
		now:   time.Now,
		games: map[int64]*game{},
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With(slog.String("component", "tracker"))
	return t
}

// Load replaces the in-memory model with the stored document. Records that
// violate the watcher invariant are dropped. On error the current model is kept.
func (t *Tracker) Load(ctx context.Context) error {
	doc, err := t.store.Load(ctx)
	if err != nil {
		t.log.Error("failed to load tracking data", slog.Any("err", err))
		return fmt.Errorf("%w: load: %w", ErrStorage, err)
	}
	if pruned := doc.Normalize(); pruned > 0 {
		t.log.Warn("dropped tracked games without watchers", slog.Int("count", pruned))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.games = make(map[int64]*game, len(doc))
	t.order = t.order[:0]
	for _, id := range doc.IDs() {
		t.games[id] = gameFromRecord(id, doc[id])
		t.order = append(t.order, id)
	}
	telemetry.SetTrackedGames(len(t.games))
	t.log.Info("loaded tracked games", slog.Int("count", len(t.games)))
	return nil
}

// Track registers userID in channelID as a watcher of the game, creating the
// game with an empty snapshot if needed. Repeating a call is a no-op.
func (t *Tracker) Track(ctx context.Context, gameID int64, name string, channelID, userID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var next *game
	if cur, ok := t.games[gameID]; ok {
		if cur.hasWatcher(channelID, userID) {
			return nil
		}
		next = cur.clone()
	} else {
		next = newGame(gameID, name)
	}
	next.watchers[channelID] = append(next.watchers[channelID], userID)

	if err := t.commit(ctx, gameID, next); err != nil {
		t.log.Error("failed to track game",
			slog.Int64("game_id", gameID), slog.String("name", name),
			slog.Int64("channel_id", channelID), slog.Int64("user_id", userID), slog.Any("err", err))
		return err
	}
	t.log.Info("started tracking game",
		slog.Int64("game_id", gameID), slog.String("name", next.name),
		slog.Int64("channel_id", channelID), slog.Int64("user_id", userID))
	return nil
}

// Untrack removes userID from the watchers of the game in channelID. It
// reports false when the game, channel or user was not registered.
func (t *Tracker) Untrack(ctx context.Context, gameID, channelID, userID int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.games[gameID]
	if !ok || !cur.hasWatcher(channelID, userID) {
		return false, nil
	}
	next := cur.clone()
	users := next.watchers[channelID][:0]
	for _, u := range next.watchers[channelID] {
		if u != userID {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		delete(next.watchers, channelID)
	} else {
		next.watchers[channelID] = users
	}
	if len(next.watchers) == 0 {
		next = nil
	}

	if err := t.commit(ctx, gameID, next); err != nil {
		t.log.Error("failed to untrack game",
			slog.Int64("game_id", gameID), slog.Int64("channel_id", channelID),
			slog.Int64("user_id", userID), slog.Any("err", err))
		return false, err
	}
	t.log.Info("stopped tracking game",
		slog.Int64("game_id", gameID), slog.Int64("channel_id", channelID),
		slog.Int64("user_id", userID), slog.Bool("removed_game", next == nil))
	return true, nil
}

// ListOption narrows List.
type ListOption func(*listFilter)

type listFilter struct {
	channelID  int64
	hasChannel bool
	userID     int64
	hasUser    bool
}

// InChannel keeps games watched in channelID.
func InChannel(channelID int64) ListOption {
	return func(f *listFilter) { f.channelID, f.hasChannel = channelID, true }
}

// ByUser keeps games userID watches. It only applies together with InChannel.
func ByUser(userID int64) ListOption {
	return func(f *listFilter) { f.userID, f.hasUser = userID, true }
}

// List returns tracked games in insertion order.
func (t *Tracker) List(opts ...ListOption) []Summary {
	var f listFilter
	for _, o := range opts {
		o(&f)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Summary, 0, len(t.order))
	for _, id := range t.order {
		g := t.games[id]
		if f.hasChannel {
			if _, ok := g.watchers[f.channelID]; !ok {
				continue
			}
			if f.hasUser && !g.hasWatcher(f.channelID, f.userID) {
				continue
			}
		}
		out = append(out, g.summary())
	}
	return out
}

// Get returns one tracked game.
func (t *Tracker) Get(gameID int64) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.games[gameID]
	if !ok {
		return Summary{}, false
	}
	return g.summary(), true
}

// GameIDs returns the ids of all tracked games in insertion order.
func (t *Tracker) GameIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.order...)
}

// Len returns the number of tracked games.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.games)
}

// NotificationTargets returns the channels watching the game with their users,
// ordered by channel id. Unknown games have no targets.
func (t *Tracker) NotificationTargets(gameID int64) []Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.games[gameID]
	if !ok {
		return nil
	}
	out := make([]Target, 0, len(g.watchers))
	for _, ch := range g.channels() {
		out = append(out, Target{ChannelID: ch, UserIDs: append([]int64(nil), g.watchers[ch]...)})
	}
	return out
}

// Ping checks the backing store.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.store.Ping(ctx)
}

// commit saves the document with gameID replaced by next (removed when next is
// nil) and only then swaps it into memory. Must be called with t.mu held.
func (t *Tracker) commit(ctx context.Context, gameID int64, next *game) error {
	doc := make(store.Document, len(t.games)+1)
	for id, g := range t.games {
		if id == gameID {
			continue
		}
		doc[id] = g.record()
	}
	if next != nil {
		doc[gameID] = next.record()
	}
	if err := t.store.Save(ctx, doc); err != nil {
		telemetry.IncVec(telemetry.StoreSaves, "error")
		return fmt.Errorf("%w: save: %w", ErrStorage, err)
	}
	telemetry.IncVec(telemetry.StoreSaves, "ok")

	_, existed := t.games[gameID]
	switch {
	case next == nil:
		delete(t.games, gameID)
		for i, id := range t.order {
			if id == gameID {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	case existed:
		t.games[gameID] = next
	default:
		t.games[gameID] = next
		t.order = append(t.order, gameID)
	}
	telemetry.SetTrackedGames(len(t.games))
	t.log.Debug("saved tracking data", slog.Int("count", len(t.games)))
	return nil
}
