// Package server exposes the HTTP ops surface: health, readiness, metrics,
// poller status, the tracked game list and a manual poll trigger. It injects
// correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/game-tender/poller"
	"github.com/onnwee/game-tender/telemetry"
	"github.com/onnwee/game-tender/tracker"
)

// Registry is the read side of the tracker plus its store health.
type Registry interface {
	List(opts ...tracker.ListOption) []tracker.Summary
	Len() int
	Ping(ctx context.Context) error
}

// Poller runs and reports poll cycles.
type Poller interface {
	RunOnce(ctx context.Context) (poller.CycleResult, error)
	Status() poller.Status
}

// Options configures the HTTP surface.
type Options struct {
	AdminToken    string
	AdminUsername string
	AdminPassword string
	// AdminRateLimit is the number of admin requests allowed per client per
	// AdminRateWindow. Zero uses 10, negative disables the limit.
	AdminRateLimit  int
	AdminRateWindow time.Duration // zero uses one minute
	Logger          *slog.Logger
}

// NewMux returns the HTTP handler with all routes. ctx bounds the admin rate
// limiter's pruning goroutine.
func NewMux(ctx context.Context, reg Registry, p Poller, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "http"))
	guard := newAdminGuard(opts, log)
	limit, window := opts.AdminRateLimit, opts.AdminRateWindow
	if limit == 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	limiter := newAdminLimiter(ctx, limit, window)

	handlers := NewHandlers(reg, p, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/games", handlers.HandleGames)
	mux.HandleFunc("/admin/poll", handlers.HandleAdminPoll)

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			guard.wrap(limiter.wrap(mux, log), log).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http "+r.Method+" "+r.URL.Path, telemetry.HTTPRequestAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx, log).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      2 * time.Minute, // /admin/poll runs a whole cycle
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
