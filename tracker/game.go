package tracker

import (
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/game-tender/store"
)

// Snapshot is the last known store state of a game. Nil pointers are absent values.
type Snapshot struct {
	Price          *string
	ReleaseDate    *string
	PreorderStatus bool
	LastUpdate     *time.Time
}

// Observation is a partial snapshot returned by a data source. Nil fields were
// not determined and leave the stored value untouched.
type Observation struct {
	Price          *string
	ReleaseDate    *string
	PreorderStatus *bool
	LastUpdate     *time.Time
}

// EventKind names the field a change event is about.
type EventKind string

const (
	KindPrice       EventKind = "price"
	KindReleaseDate EventKind = "release_date"
	KindPreorder    EventKind = "preorder"
)

// Event describes one detected change.
type Event struct {
	Kind     EventKind
	Message  string
	Previous string
	Current  string
}

// Summary is a read-only copy of a tracked game.
type Summary struct {
	ID        int64
	Name      string
	Current   Snapshot
	LastCheck *time.Time
	Watchers  int
}

// Target is one channel to notify and the users to mention there.
type Target struct {
	ChannelID int64
	UserIDs   []int64
}

type game struct {
	id        int64
	name      string
	watchers  map[int64][]int64
	current   Snapshot
	lastCheck *time.Time
}

func newGame(id int64, name string) *game {
	return &game{id: id, name: name, watchers: map[int64][]int64{}}
}

func (g *game) clone() *game {
	c := *g
	c.watchers = make(map[int64][]int64, len(g.watchers))
	for ch, users := range g.watchers {
		c.watchers[ch] = append([]int64(nil), users...)
	}
	c.current = g.current.clone()
	c.lastCheck = copyTime(g.lastCheck)
	return &c
}

func (g *game) hasWatcher(channelID, userID int64) bool {
	for _, u := range g.watchers[channelID] {
		if u == userID {
			return true
		}
	}
	return false
}

func (g *game) watcherCount() int {
	n := 0
	for _, users := range g.watchers {
		n += len(users)
	}
	return n
}

func (g *game) channels() []int64 {
	out := make([]int64, 0, len(g.watchers))
	for ch := range g.watchers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *game) summary() Summary {
	return Summary{
		ID:        g.id,
		Name:      g.name,
		Current:   g.current.clone(),
		LastCheck: copyTime(g.lastCheck),
		Watchers:  g.watcherCount(),
	}
}

func (g *game) record() store.Record {
	watchers := make(map[int64][]int64, len(g.watchers))
	for ch, users := range g.watchers {
		watchers[ch] = append([]int64(nil), users...)
	}
	rec := store.Record{
		ID:       g.id,
		Name:     g.name,
		Watchers: watchers,
		CurrentData: store.Snapshot{
			Price:          copyString(g.current.Price),
			ReleaseDate:    copyString(g.current.ReleaseDate),
			PreorderStatus: g.current.PreorderStatus,
		},
	}
	if g.lastCheck != nil {
		rec.LastCheck = store.NewTimestamp(*g.lastCheck)
	}
	if g.current.LastUpdate != nil {
		rec.CurrentData.LastUpdate = store.NewTimestamp(*g.current.LastUpdate)
	}
	return rec
}

func gameFromRecord(id int64, rec store.Record) *game {
	g := newGame(id, rec.Name)
	for ch, users := range rec.Watchers {
		g.watchers[ch] = append([]int64(nil), users...)
	}
	g.current = Snapshot{
		Price:          copyString(rec.CurrentData.Price),
		ReleaseDate:    copyString(rec.CurrentData.ReleaseDate),
		PreorderStatus: rec.CurrentData.PreorderStatus,
		LastUpdate:     rec.CurrentData.LastUpdate.TimePtr(),
	}
	g.lastCheck = rec.LastCheck.TimePtr()
	return g
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Price:          copyString(s.Price),
		ReleaseDate:    copyString(s.ReleaseDate),
		PreorderStatus: s.PreorderStatus,
		LastUpdate:     copyTime(s.LastUpdate),
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func priceEvent(name, previous, current string) Event {
	return Event{
		Kind:     KindPrice,
		Message:  fmt.Sprintf("💰 Price Update: %s\nPrevious: %s\nNew: %s", name, previous, current),
		Previous: previous,
		Current:  current,
	}
}

func releaseDateEvent(name, previous, current string) Event {
	return Event{
		Kind:     KindReleaseDate,
		Message:  fmt.Sprintf("📅 Release Date Changed: %s\nPrevious: %s\nNew: %s", name, previous, current),
		Previous: previous,
		Current:  current,
	}
}

func preorderEvent(name string, previous, current bool) Event {
	state := "unavailable"
	if current {
		state = "available"
	}
	return Event{
		Kind:     KindPreorder,
		Message:  fmt.Sprintf("🎮 Pre-order Status Update: %s\nNow %s for pre-order!", name, state),
		Previous: fmt.Sprintf("%t", previous),
		Current:  fmt.Sprintf("%t", current),
	}
}
