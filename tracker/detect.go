package tracker

import (
	"context"
	"log/slog"
)

// ApplyUpdate merges an observation into the stored snapshot of the game and
// returns the resulting change events, ordered price, release date, preorder.
//
// Price and release date only produce an event when a previous value existed;
// the first observation is stored silently. Preorder status starts from false
// and any observed flip produces an event. LastUpdate is stored, never compared.
// Unknown games yield no events and nothing is written.
func (t *Tracker) ApplyUpdate(ctx context.Context, gameID int64, obs Observation) ([]Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.games[gameID]
	if !ok {
		return nil, nil
	}
	next := cur.clone()
	snap := &next.current
	var events []Event

	if obs.Price != nil {
		if snap.Price != nil && *snap.Price != *obs.Price {
			events = append(events, priceEvent(next.name, *snap.Price, *obs.Price))
		}
		snap.Price = copyString(obs.Price)
	}
	if obs.ReleaseDate != nil {
		if snap.ReleaseDate != nil && *snap.ReleaseDate != *obs.ReleaseDate {
			events = append(events, releaseDateEvent(next.name, *snap.ReleaseDate, *obs.ReleaseDate))
		}
		snap.ReleaseDate = copyString(obs.ReleaseDate)
	}
	if obs.PreorderStatus != nil {
		if *obs.PreorderStatus != snap.PreorderStatus {
			events = append(events, preorderEvent(next.name, snap.PreorderStatus, *obs.PreorderStatus))
		}
		snap.PreorderStatus = *obs.PreorderStatus
	}
	if obs.LastUpdate != nil {
		snap.LastUpdate = copyTime(obs.LastUpdate)
	}
	now := t.now()
	next.lastCheck = &now

	if err := t.commit(ctx, gameID, next); err != nil {
		t.log.Error("failed to update game data", slog.Int64("game_id", gameID), slog.Any("err", err))
		return nil, err
	}
	if len(events) > 0 {
		t.log.Info("detected game changes", slog.Int64("game_id", gameID), slog.String("name", next.name), slog.Int("events", len(events)))
	}
	return events, nil
}
