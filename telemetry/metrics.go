// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        prometheus.Counter
	PollCyclesSkipped prometheus.Counter
	FetchFailures     prometheus.Counter
	UpdateFailures    prometheus.Counter
	EventsDetected    *prometheus.CounterVec // kind
	Notifications     *prometheus.CounterVec // result
	StoreSaves        *prometheus.CounterVec // result
	SteamRequests     *prometheus.CounterVec // endpoint, code
	Commands          *prometheus.CounterVec // command, result

	// Histograms (seconds)
	PollCycleDuration prometheus.Observer
	FetchDuration     prometheus.Observer

	// Gauges
	TrackedGamesGauge prometheus.Gauge
	LastPollGauge     prometheus.Gauge // unix seconds of the last finished cycle
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "games_poll_cycles_total", Help: "Number of completed poll cycles"})
		PollCyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "games_poll_cycles_skipped_total", Help: "Poll triggers skipped because a cycle was still running"})
		FetchFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "games_fetch_failures_total", Help: "Snapshot fetches that failed"})
		UpdateFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "games_update_failures_total", Help: "Snapshot updates that could not be persisted"})
		EventsDetected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "games_events_detected_total", Help: "Change events produced by the detector"}, []string{"kind"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "games_notifications_total", Help: "Channel notifications handed to the notifier"}, []string{"result"})
		StoreSaves = promauto.NewCounterVec(prometheus.CounterOpts{Name: "games_store_saves_total", Help: "Watch-list document saves"}, []string{"result"})
		SteamRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "games_steam_requests_total", Help: "Requests made to Steam endpoints"}, []string{"endpoint", "code"})
		Commands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "games_commands_total", Help: "Chat commands handled"}, []string{"command", "result"})
		PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "games_poll_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900}})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "games_fetch_duration_seconds", Help: "Per-game snapshot fetch duration seconds", Buckets: prometheus.DefBuckets})
		TrackedGamesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "games_tracked", Help: "Number of tracked games"})
		LastPollGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "games_last_poll_timestamp_seconds", Help: "Unix time of the last finished poll cycle"})
	})
}

// SetTrackedGames records the current tracked game count.
func SetTrackedGames(n int) {
	if TrackedGamesGauge != nil {
		TrackedGamesGauge.Set(float64(n))
	}
}

// SetLastPoll records the finish time of a poll cycle.
func SetLastPoll(t time.Time) {
	if LastPollGauge != nil {
		LastPollGauge.Set(float64(t.Unix()))
	}
}

// IncCounter increments c if it has been registered.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncVec increments the labelled counter if the vector has been registered.
func IncVec(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// Observe records d on obs if it has been registered.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base (or the default logger) with a corr attribute if present.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetCorrelation(ctx); id != "" {
		return base.With(slog.String("corr", id))
	}
	return base
}
