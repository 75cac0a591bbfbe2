// Command game-tender is the Discord bot that tracks Steam games and announces
// price, release date and pre-order changes. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the watch-list store (JSON file or Postgres with migrations).
//   - Starts the Discord bot, the periodic poller and the HTTP ops server
//     (/healthz, /readyz, /status, /games, /metrics, /admin/poll).
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/lumberjack/v2"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/game-tender/bot"
	"github.com/onnwee/game-tender/config"
	"github.com/onnwee/game-tender/db"
	"github.com/onnwee/game-tender/poller"
	"github.com/onnwee/game-tender/server"
	"github.com/onnwee/game-tender/steamapi"
	"github.com/onnwee/game-tender/store"
	"github.com/onnwee/game-tender/telemetry"
	"github.com/onnwee/game-tender/tracker"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing is optional; it needs OTEL_EXPORTER_OTLP_ENDPOINT
	stopTracing, err := telemetry.InitTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "game-tender",
		Version:      version,
		Endpoint:     cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSample,
		StoreBackend: cfg.StoreBackend,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	shutdown := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracing(flushCtx); err != nil {
			slog.Error("failed to shut down tracing", slog.Any("err", err))
		}
	}
	defer shutdown()

	st, database, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open watch-list store", slog.Any("err", err), slog.String("backend", cfg.StoreBackend))
		os.Exit(1)
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	tr := tracker.New(st, tracker.WithLogger(slog.Default()))
	if err := tr.Load(ctx); err != nil {
		slog.Error("failed to load tracked games", slog.Any("err", err))
		os.Exit(1)
	}

	steam := &steamapi.Client{
		StoreURL:   cfg.SteamStoreURL,
		APIURL:     cfg.SteamAPIURL,
		APIKey:     cfg.SteamAPIKey,
		Country:    cfg.SteamCountry,
		Language:   cfg.SteamLanguage,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.SteamAPIKey == "" {
		slog.Warn("STEAM_API_KEY not set; player counts are unavailable")
	}

	var (
		discord  *bot.Bot
		notifier poller.Notifier = logNotifier{}
	)
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Warn("discord bot disabled; notifications are only logged", slog.Any("err", err))
	} else {
		discord, err = bot.New(cfg.DiscordToken, cfg.CommandPrefix, tr, steam, slog.Default())
		if err != nil {
			slog.Error("failed to create discord bot", slog.Any("err", err))
			os.Exit(1)
		}
		notifier = discord.Notifier()
	}

	pollCfg := poller.Config{
		Interval:     cfg.PollInterval,
		FetchTimeout: cfg.FetchTimeout,
		RunOnStart:   cfg.PollOnStart,
	}
	if database != nil {
		pollCfg.OnCycle = func(ctx context.Context, res poller.CycleResult) {
			if err := db.SetKV(ctx, database, "job_poll_last", res.Finished.UTC().Format(time.RFC3339)); err != nil {
				slog.Warn("failed to record poll cycle", slog.Any("err", err))
			}
		}
	}
	p := poller.New(tr, steam, notifier, pollCfg)

	handler := server.NewMux(ctx, tr, p, server.Options{
		AdminToken:      cfg.AdminToken,
		AdminUsername:   cfg.AdminUsername,
		AdminPassword:   cfg.AdminPassword,
		AdminRateLimit:  cfg.AdminRateLimit,
		AdminRateWindow: cfg.AdminRateWindow,
	})

	slog.Info("starting components",
		slog.Int("tracked_games", tr.Len()),
		slog.Bool("discord", discord != nil),
		slog.String("store", cfg.StoreBackend))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, handler)
	})
	if discord != nil {
		g.Go(func() error {
			return discord.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("component exited with error", slog.Any("err", err))
		stop()
		shutdown()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL, LOG_FORMAT and
// LOG_FILE. Defaults: level=info, format=text, stdout only.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}

	var out io.Writer = os.Stdout
	if path := os.Getenv("LOG_FILE"); path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openStore returns the configured watch-list store. For Postgres the open
// database is returned too so callers can close it and use the kv table.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *sql.DB, error) {
	if cfg.StoreBackend != config.BackendPostgres {
		slog.Info("using file store", slog.String("path", cfg.TrackingFile))
		return store.NewFileStore(cfg.TrackingFile), nil, nil
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	// Primary: versioned migrations (golang-migrate). Fallback: embedded SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
	}
	slog.Info("using postgres store")
	return store.NewPostgresStore(database), database, nil
}

// logNotifier stands in for Discord when no token is configured.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, n poller.Notification) error {
	for _, e := range n.Events {
		slog.Info("game update",
			slog.Int64("game_id", n.GameID), slog.String("name", n.GameName),
			slog.Int64("channel_id", n.ChannelID), slog.String("kind", string(e.Kind)),
			slog.String("previous", e.Previous), slog.String("current", e.Current))
	}
	return nil
}
