// Command chatnotes is the ingestion service entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Wires the mode arbiter, push and pull ingestors, directory cache and orchestrator.
//   - Runs the orchestrator, HTTP API and directory sweep under one supervisor tree.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/config"
	"github.com/onnwee/chatnotes/crypto"
	"github.com/onnwee/chatnotes/db"
	"github.com/onnwee/chatnotes/directory"
	"github.com/onnwee/chatnotes/discordapi"
	"github.com/onnwee/chatnotes/server"
	"github.com/onnwee/chatnotes/telemetry"
)

const version = "0.1.0"

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
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Tracing is optional; it stays a no-op without OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdownTracing, err := telemetry.InitTracing(context.Background(), telemetry.TracingConfig{
		ServiceName:    "chatnotes",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to shutdown tracer provider", slog.Any("err", err))
		}
	}()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded idempotent schema is the fallback.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		sealer, err = crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Warn("ENCRYPTION_KEY not set - stored credentials are kept in plaintext")
	}
	credentials := &db.CredentialStore{DB: database, Sealer: sealer}
	if cfg.DiscordBotToken != "" {
		if err := credentials.Put(ctx, db.BotCredentialName, cfg.DiscordBotToken); err != nil {
			slog.Warn("failed to store bot credential", slog.Any("err", err))
		}
	}
	botCredential := credentials.BotCredential(cfg.DiscordBotToken)

	token, err := botCredential(ctx)
	if err != nil || token == "" {
		slog.Warn("no bot credential available; set DISCORD_BOT_TOKEN for push and pull to work", slog.Any("err", err))
	}
	rest, err := discordapi.NewClient(token, &http.Client{Timeout: cfg.PollFetchTimeout})
	if err != nil {
		slog.Error("discord client init failed", slog.Any("err", err))
		os.Exit(1)
	}

	cursors := &db.CursorStore{DB: database}
	notes := &db.NoteSink{DB: database}

	cache := directory.NewCache(directory.Config{
		Store:        &db.DirectoryStore{DB: database},
		Upstream:     rest,
		ServerTTL:    cfg.ServerTTL,
		ChannelTTL:   cfg.ChannelTTL,
		FetchTimeout: cfg.PollFetchTimeout,
		Metrics:      metrics,
	})
	arbiter := chat.NewModeArbiter(chat.WithDebounce(cfg.ModeDebounce))
	push := chat.NewPushIngestor(chat.PushConfig{
		Dialer:      &discordapi.Gateway{},
		Credentials: botCredential,
		Sink:        notes,
		Cursors:     cursors,
		Metrics:     metrics,
	})
	pull := chat.NewPullIngestor(chat.PullConfig{
		Fetcher:          rest,
		Sink:             notes,
		Cursors:          cursors,
		Metrics:          metrics,
		Interval:         cfg.PollInterval,
		BatchSize:        cfg.PollBatchSize,
		MaxAttempts:      cfg.PollMaxAttempts,
		BackoffBase:      cfg.PollBackoffBase,
		Concurrency:      cfg.PollConcurrency,
		FetchTimeout:     cfg.PollFetchTimeout,
		MaxPagesPerCycle: cfg.PollMaxPages,
		RatePerSecond:    cfg.PollRatePerSec,
	})
	orchestrator := chat.NewOrchestrator(chat.OrchestratorConfig{
		Arbiter:     arbiter,
		Push:        push,
		Pull:        pull,
		Directory:   cache,
		Registry:    &db.ChannelRegistry{DB: database},
		Channels:    cfg.MonitoredChannels,
		Metrics:     metrics,
		IdleTimeout: cfg.SessionIdleTimeout,
	})

	if !cfg.AdminAuthEnabled() {
		slog.Warn("admin endpoints are unauthenticated; set ADMIN_TOKEN or ADMIN_USERNAME/ADMIN_PASSWORD")
	}
	mux := server.NewMux(ctx, server.Options{
		Orchestrator: orchestrator,
		DB:           database,
		Notes:        notes,
		Cursors:      cursors,
		Gatherer:     prometheus.DefaultGatherer,
		Auth:         server.AuthConfig{Username: cfg.AdminUsername, Password: cfg.AdminPassword, Token: cfg.AdminToken},
		RateLimit:    server.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
		CORS:         server.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, Permissive: cfg.CORSPermissive},
		SweepMaxAge:  cfg.DirectorySweepMaxAge,
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
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

	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	root := suture.New("chatnotes", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          15 * time.Second,
	})
	root.Add(orchestrator)
	root.Add(&server.Service{Addr: cfg.HTTPAddr, Handler: mux})
	root.Add(&directory.SweepService{Cache: cache, Interval: cfg.DirectorySweepInterval, MaxAge: cfg.DirectorySweepMaxAge})

	slog.Info("starting services", slog.String("version", version), slog.Int("configured_channels", len(cfg.MonitoredChannels)))
	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("supervisor exited with error", slog.Any("err", err))
	}
	slog.Info("shutting down")
}
