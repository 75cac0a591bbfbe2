package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/game-tender/poller"
	"github.com/onnwee/game-tender/telemetry"
	"github.com/onnwee/game-tender/tracker"
)

// Handlers holds the dependencies of the HTTP handlers.
type Handlers struct {
	reg    Registry
	poller Poller
	log    *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(reg Registry, p Poller, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{reg: reg, poller: p, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probe requests by checking the watch-list store.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports whether the store is reachable and the poller is keeping up.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return h.reg.Ping(r.Context()) }},
		{"poller", func() error {
			st := h.poller.Status()
			if st.Last == nil || st.Running {
				return nil
			}
			if age := time.Since(st.Last.Finished); age > 3*st.Interval {
				return fmt.Errorf("last poll cycle finished %s ago", age.Round(time.Second))
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports the poller state and the number of tracked games.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tracked_games": h.reg.Len(),
		"poller":        h.poller.Status(),
	})
}

type gameJSON struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Price          *string    `json:"price"`
	ReleaseDate    *string    `json:"release_date"`
	PreorderStatus bool       `json:"preorder_status"`
	LastUpdate     *time.Time `json:"last_update"`
	LastCheck      *time.Time `json:"last_check"`
	Watchers       int        `json:"watchers"`
}

// HandleGames lists tracked games, optionally narrowed by channel and user.
func (h *Handlers) HandleGames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var opts []tracker.ListOption
	q := r.URL.Query()
	if v := q.Get("channel"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid channel", http.StatusBadRequest)
			return
		}
		opts = append(opts, tracker.InChannel(id))
	}
	if v := q.Get("user"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid user", http.StatusBadRequest)
			return
		}
		opts = append(opts, tracker.ByUser(id))
	}
	games := h.reg.List(opts...)
	out := make([]gameJSON, 0, len(games))
	for _, g := range games {
		out = append(out, gameJSON{
			ID:             g.ID,
			Name:           g.Name,
			Price:          g.Current.Price,
			ReleaseDate:    g.Current.ReleaseDate,
			PreorderStatus: g.Current.PreorderStatus,
			LastUpdate:     g.Current.LastUpdate,
			LastCheck:      g.LastCheck,
			Watchers:       g.Watchers,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAdminPoll runs one poll cycle and returns its result.
func (h *Handlers) HandleAdminPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context(), h.log)
	// the cycle finishes even if the client goes away
	res, err := h.poller.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, poller.ErrCycleRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy", "error": err.Error()})
		return
	case err != nil:
		log.Error("manual poll failed", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error(), "result": res})
		return
	}
	log.Info("manual poll finished", slog.String("cycle_id", res.ID), slog.Int("events", res.Events))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}
