// Package poller runs the periodic check of every tracked game: fetch a fresh
// snapshot, detect changes and hand the resulting events to a Notifier.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/game-tender/telemetry"
	"github.com/onnwee/game-tender/tracker"
)

// DefaultInterval is the time between poll cycles.
const DefaultInterval = 30 * time.Minute

// ErrCycleRunning is returned by RunOnce while another cycle is in progress.
var ErrCycleRunning = errors.New("poll cycle already running")

// Registry is the part of the tracker the poller drives.
type Registry interface {
	GameIDs() []int64
	Get(gameID int64) (tracker.Summary, bool)
	ApplyUpdate(ctx context.Context, gameID int64, obs tracker.Observation) ([]tracker.Event, error)
	NotificationTargets(gameID int64) []tracker.Target
}

// Fetcher returns the current store data of a game.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, gameID int64) (tracker.Observation, error)
}

// Notification carries every event of one game to one channel.
type Notification struct {
	GameID    int64
	GameName  string
	ChannelID int64
	UserIDs   []int64
	Events    []tracker.Event
}

// Notifier delivers notifications to a chat channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Config holds the poller settings.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration // zero means no per-game bound
	RunOnStart   bool
	Logger       *slog.Logger
	// OnCycle is called after every finished cycle.
	OnCycle func(ctx context.Context, res CycleResult)
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	ID             string        `json:"id"`
	Started        time.Time     `json:"started"`
	Finished       time.Time     `json:"finished"`
	Duration       time.Duration `json:"duration_ns"`
	Checked        int           `json:"checked"`
	Failed         int           `json:"failed"`
	Events         int           `json:"events"`
	Notified       int           `json:"notified"`
	NotifyFailures int           `json:"notify_failures"`
}

// Status is a snapshot of the poller state.
type Status struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval_ns"`
	Cycles   int           `json:"cycles"`
	Skipped  int           `json:"skipped"`
	Last     *CycleResult  `json:"last,omitempty"`
}

// Poller checks tracked games on a fixed interval. Cycles never overlap.
type Poller struct {
	reg    Registry
	fetch  Fetcher
	notify Notifier
	cfg    Config
	log    *slog.Logger

	running sync.Mutex

	mu     sync.Mutex
	status Status
}

// New returns a Poller. A zero interval uses DefaultInterval.
func New(reg Registry, fetch Fetcher, notify Notifier, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		reg:    reg,
		fetch:  fetch,
		notify: notify,
		cfg:    cfg,
		log:    log.With(slog.String("component", "poller")),
		status: Status{Interval: cfg.Interval},
	}
}

// Start runs poll cycles until ctx is cancelled. The first cycle runs after
// one interval unless RunOnStart is set.
func (p *Poller) Start(ctx context.Context) {
	p.log.Info("poller starting", slog.Duration("interval", p.cfg.Interval), slog.Bool("run_on_start", p.cfg.RunOnStart))
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	if p.cfg.RunOnStart {
		p.tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
			// ticks that elapsed during a long cycle are dropped
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrCycleRunning) {
			p.log.Warn("previous poll cycle still running, skipping tick")
			return
		}
		if ctx.Err() == nil {
			p.log.Error("poll cycle failed", slog.Any("err", err))
		}
	}
}

// RunOnce runs one full cycle over the tracked games. It returns
// ErrCycleRunning without doing anything if a cycle is already in progress.
func (p *Poller) RunOnce(ctx context.Context) (CycleResult, error) {
	if !p.running.TryLock() {
		telemetry.IncCounter(telemetry.PollCyclesSkipped)
		p.mu.Lock()
		p.status.Skipped++
		p.mu.Unlock()
		return CycleResult{}, ErrCycleRunning
	}
	defer p.running.Unlock()

	res := CycleResult{ID: uuid.NewString(), Started: time.Now()}
	ctx = telemetry.WithCorrelation(ctx, res.ID)
	ctx, span := telemetry.StartSpan(ctx, "poll.cycle", telemetry.CycleAttr(res.ID))
	log := p.log.With(slog.String("cycle_id", res.ID))

	p.mu.Lock()
	p.status.Running = true
	p.mu.Unlock()

	ids := p.reg.GameIDs()
	log.Info("poll cycle started", slog.Int("games", len(ids)))
	var cycleErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}
		res.Checked++
		out, err := p.checkGame(ctx, log, id)
		res.Events += out.events
		res.Notified += out.notified
		res.NotifyFailures += out.notifyFailures
		if err != nil {
			res.Failed++
			log.Warn("game check failed", slog.Int64("game_id", id), slog.Any("err", err))
		}
	}

	res.Finished = time.Now()
	res.Duration = res.Finished.Sub(res.Started)
	telemetry.IncCounter(telemetry.PollCycles)
	telemetry.Observe(telemetry.PollCycleDuration, res.Duration)
	telemetry.SetLastPoll(res.Finished)

	p.mu.Lock()
	p.status.Running = false
	p.status.Cycles++
	last := res
	p.status.Last = &last
	p.mu.Unlock()

	span.SetAttributes(attribute.Int("poll.checked", res.Checked), attribute.Int("poll.failed", res.Failed), telemetry.EventsAttr(res.Events))
	telemetry.EndSpan(span, cycleErr)
	log.Info("poll cycle finished",
		slog.Int("checked", res.Checked), slog.Int("failed", res.Failed),
		slog.Int("events", res.Events), slog.Int("notified", res.Notified),
		slog.Duration("duration", res.Duration))
	if p.cfg.OnCycle != nil {
		p.cfg.OnCycle(ctx, res)
	}
	return res, cycleErr
}

type gameOutcome struct {
	events         int
	notified       int
	notifyFailures int
}

// checkGame fetches, updates and notifies for one game. Failures, panics
// included, stay confined to this game.
func (p *Poller) checkGame(ctx context.Context, log *slog.Logger, gameID int64) (out gameOutcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "poll.game", telemetry.GameAttr(gameID))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic checking game %d: %v", gameID, r)
		}
		span.SetAttributes(telemetry.EventsAttr(out.events))
		telemetry.EndSpan(span, err)
	}()

	fetchCtx := ctx
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}
	var obs tracker.Observation
	telemetry.TimeFunc(telemetry.FetchDuration, func() {
		obs, err = p.fetch.FetchSnapshot(fetchCtx, gameID)
	})
	if err != nil {
		telemetry.IncCounter(telemetry.FetchFailures)
		return out, fmt.Errorf("fetch: %w", err)
	}

	events, err := p.reg.ApplyUpdate(ctx, gameID, obs)
	if err != nil {
		telemetry.IncCounter(telemetry.UpdateFailures)
		return out, fmt.Errorf("update: %w", err)
	}
	if len(events) == 0 {
		return out, nil
	}
	out.events = len(events)
	for _, e := range events {
		telemetry.IncVec(telemetry.EventsDetected, string(e.Kind))
	}

	name := fmt.Sprintf("Game %d", gameID)
	if g, ok := p.reg.Get(gameID); ok {
		name = g.Name
	}
	for _, target := range p.reg.NotificationTargets(gameID) {
		n := Notification{
			GameID:    gameID,
			GameName:  name,
			ChannelID: target.ChannelID,
			UserIDs:   target.UserIDs,
			Events:    events,
		}
		if err := p.notify.Notify(ctx, n); err != nil {
			out.notifyFailures++
			telemetry.IncVec(telemetry.Notifications, "error")
			log.Warn("failed to send notification",
				slog.Int64("game_id", gameID), slog.Int64("channel_id", target.ChannelID), slog.Any("err", err))
			continue
		}
		out.notified++
		telemetry.IncVec(telemetry.Notifications, "ok")
	}
	log.Info("game changes announced",
		slog.Int64("game_id", gameID), slog.String("name", name),
		slog.Int("events", out.events), slog.Int("channels", out.notified))
	return out, nil
}

// Status returns the current poller state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	return s
}
