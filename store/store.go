// Package store defines the persisted watch-list schema and the backends that
// hold it: a single JSON document on disk, or a Postgres table.
//
// Every save is a complete overwrite of the document; there is no append log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotConfigured is returned by backends constructed without a location.
var ErrNotConfigured = errors.New("store not configured")

// Store loads and saves the whole watch-list document.
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
	Ping(ctx context.Context) error
}

// Document is the persisted watch-list keyed by Steam app id. Keys encode as
// JSON object keys in string form.
type Document map[int64]Record

// Record is one tracked game.
type Record struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Watchers    map[int64][]int64 `json:"watchers"`
	LastCheck   *Timestamp        `json:"last_check"`
	CurrentData Snapshot          `json:"current_data"`
}

// Snapshot is the last observed store state of a game.
type Snapshot struct {
	Price          *string    `json:"price"`
	ReleaseDate    *string    `json:"release_date"`
	PreorderStatus bool       `json:"preorder_status"`
	LastUpdate     *Timestamp `json:"last_update"`
}

// IDs returns the document keys in ascending order.
func (d Document) IDs() []int64 {
	ids := make([]int64, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Normalize enforces the document invariants in place: record ids match their
// keys, duplicate users within a channel collapse, empty channels are dropped
// and records without any watcher are removed. It returns the number of
// records removed.
func (d Document) Normalize() int {
	removed := 0
	for id, rec := range d {
		rec.ID = id
		for ch, users := range rec.Watchers {
			users = dedupe(users)
			if len(users) == 0 {
				delete(rec.Watchers, ch)
				continue
			}
			rec.Watchers[ch] = users
		}
		if len(rec.Watchers) == 0 {
			delete(d, id)
			removed++
			continue
		}
		d[id] = rec
	}
	return removed
}

func dedupe(users []int64) []int64 {
	seen := make(map[int64]struct{}, len(users))
	out := users[:0]
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// legacyLayout is the naive ISO-8601 form written by the first version of the
// bot (no zone, microseconds).
const legacyLayout = "2006-01-02T15:04:05.999999"

// Timestamp is a time that marshals as RFC 3339 and also accepts the legacy
// zone-less form when reading. Legacy values are interpreted as UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp returns a pointer to a Timestamp, or nil for the zero time.
func NewTimestamp(t time.Time) *Timestamp {
	if t.IsZero() {
		return nil
	}
	return &Timestamp{Time: t}
}

// TimePtr converts back to the domain representation.
func (t *Timestamp) TimePtr() *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time
	return &v
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	for _, layout := range []string{time.RFC3339Nano, legacyLayout} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognised format %q", s)
}
