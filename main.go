// Command viewer-atlas is the main entrypoint for the audience atlas API and
// background workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the live chat collector, VOD chat imports, and
//     the cron scheduler for analysis runs and retention sweeps.
//   - Exposes an HTTP server with health probes, status, run history, and metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/viewer-atlas/collector"
	"github.com/onnwee/viewer-atlas/config"
	"github.com/onnwee/viewer-atlas/pipeline"
	"github.com/onnwee/viewer-atlas/scheduler"
	"github.com/onnwee/viewer-atlas/server"
	"github.com/onnwee/viewer-atlas/store"
	"github.com/onnwee/viewer-atlas/telemetry"
	"github.com/onnwee/viewer-atlas/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
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
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("viewer-atlas", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Best-effort: mint a Twitch app access token (client credentials) when
	// credentials are configured. Helix calls use it for discovery and stream
	// metadata; it is NOT usable for IRC chat.
	var helix *twitchapi.Client
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		helix = twitchapi.NewClient(cfg.TwitchClientID, cfg.TwitchClientSecret)
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if tok, err := helix.Auth.Token(ctx2); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if n := len(tok.AccessToken); n > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok.AccessToken[n-6:]))
		}
		cancel()
	} else {
		slog.Info("twitch credentials not configured, running without helix metadata")
	}

	// DB
	database, err := store.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned migrations (golang-migrate) from
	// store/migrations/ first, embedded SQL as the fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := store.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := store.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One-shot mode: run a single analysis over the stored snapshots and exit.
	if strings.ToLower(os.Getenv("RUN_MODE")) == "analyze" {
		res, err := pipeline.New(database, cfg).Run(ctx)
		if err != nil {
			slog.Error("analysis failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("analysis completed",
			slog.String("run_id", res.RunID),
			slog.Int("communities", len(res.Communities)))
		return
	}

	// Live collector joins the watch list over IRC and snapshots chatter
	// presence once per window.
	if os.Getenv("COLLECTOR_DISABLED") == "1" {
		slog.Info("live collector disabled")
	} else {
		// Without a configured channel list the collector discovers the
		// watch list through Helix, which needs credentials.
		if len(cfg.TwitchChannels) == 0 {
			if err := cfg.ValidateHelixReady(); err != nil {
				slog.Error("channel discovery unavailable", slog.Any("err", err))
				os.Exit(1)
			}
		}
		col := collector.New(database, helix, *cfg)
		go func() {
			if err := col.Run(ctx); err != nil {
				slog.Error("collector exited with error", slog.Any("err", err))
			}
		}()
	}

	// Import any downloaded VOD chat exports dropped into the import
	// directory. Already-imported files are skipped via kv markers.
	if cfg.VODDir != "" {
		go func() {
			window := time.Duration(cfg.Collection.WindowSeconds) * time.Second
			imports, err := collector.ImportVODDir(ctx, database, cfg.VODDir, window)
			if err != nil {
				slog.Warn("vod import failed", slog.Any("err", err))
				return
			}
			if len(imports) > 0 {
				slog.Info("vod imports completed", slog.Int("files", len(imports)))
			}
		}()
	}

	// Cron scheduler: periodic analysis runs and the retention sweep.
	sched := scheduler.New(database, cfg)
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler exited with error", slog.Any("err", err))
		}
	}()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/runs/metrics). Manual analysis triggers go
	// through the scheduler so they share its singleflight gate.
	addr := cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, addr, cfg, sched.RunAnalysis); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
