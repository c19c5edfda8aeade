// Command chat-tender is the main entrypoint for the live chat session
// service. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the session poller that discovers, monitors,
//     and recovers the live broadcast and answers its chat, the broadcast
//     catalog sync, the answered-memory retention job, and the OAuth token
//     refresher for YouTube.
//   - Exposes an HTTP server with /health, /status, /metrics, and the
//     operator endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/memory"
	"github.com/onnwee/chat-tender/oauth"
	"github.com/onnwee/chat-tender/reply"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/youtubeapi"
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
	shutdown, err := telemetry.InitTracing("chat-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; deployments predating the schema_migrations
	// table fall back to the embedded idempotent SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := memory.NewStore(database)

	// The session loop needs YouTube credentials; without them the service
	// still serves the HTTP API (health reports no session) so the OAuth
	// flow can be completed to bootstrap the credential.
	var controller server.SessionController
	if err := cfg.ValidateSessionReady(); err != nil {
		slog.Warn("session loop disabled", slog.Any("reason", err))
	} else {
		yts := youtubeapi.New(cfg, &db.TokenStoreAdapter{DB: database})

		var replier session.Replier
		if cfg.ReplyAPIKey != "" {
			replier = reply.New(cfg, store)
		} else {
			slog.Info("reply generation disabled (no REPLY_API_KEY), observing chat only")
		}

		machine := session.NewMachine(yts, session.Config{
			Grace:             cfg.ChatGrace,
			PollInterval:      cfg.PollInterval,
			BackoffThreshold:  cfg.BackoffThreshold,
			BackoffMax:        cfg.BackoffMax,
			HeartbeatInterval: cfg.HeartbeatInterval,
			ReplyDelayMin:     cfg.ReplyDelayMin,
			ReplyDelayMax:     cfg.ReplyDelayMax,
			AnswerOwnMessages: cfg.AnswerOwnMessages,
		})
		controller = machine

		poller := session.NewPoller(machine, yts, session.PollerDeps{
			Memory:    store,
			Cursors:   store,
			Replier:   replier,
			Heartbeat: store,
		})
		go func() {
			if err := poller.Run(ctx); err != nil {
				slog.Error("chat poller stopped", slog.Any("err", err))
			}
		}()

		go session.StartCatalogSyncJob(ctx, database, yts)

		// Centralized OAuth token refresher keeps the stored credential
		// usable between restarts of the poller.
		oc := &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.YTRedirectURI,
		}
		oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, oauth.OAuth2RefreshFunc(oc))
	}

	go memory.StartRetentionJob(ctx, database)

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

	// HTTP server (health/status/metrics and operator endpoints)
	go func() {
		if err := server.Start(ctx, database, controller, store, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
