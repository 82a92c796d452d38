package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/dropscout/internal/agent"
	"github.com/livinlefevreloca/dropscout/internal/agent/pageagent"
	"github.com/livinlefevreloca/dropscout/internal/agent/wsbridge"
	"github.com/livinlefevreloca/dropscout/internal/config"
	"github.com/livinlefevreloca/dropscout/internal/db"
	"github.com/livinlefevreloca/dropscout/internal/orchestrator"
	"github.com/livinlefevreloca/dropscout/internal/pacing"
	"github.com/livinlefevreloca/dropscout/internal/server"
	"github.com/livinlefevreloca/dropscout/internal/telemetry"
	"github.com/livinlefevreloca/dropscout/internal/verify"
	"github.com/livinlefevreloca/dropscout/tools/migrator"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "config_file", *configFile)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dropscout exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dropscout", "version", version)

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := migrate(database, cfg.Database, logger); err != nil {
		return err
	}

	host, bridge, err := newHost(cfg.Agent, logger)
	if err != nil {
		return err
	}
	defer host.Close()

	broker := server.NewBroker(logger)
	orch := orchestrator.New(
		cfg.Orchestrator,
		agent.NewChannel(host, cfg.Agent, logger),
		verify.NewClient(cfg.Verifier, nil, logger),
		orchestrator.NewDBStore(database),
		broker,
		pacing.FromConfig(cfg.Pacing),
		logger,
	)

	// A run left behind by a crash or kill is closed out before serving.
	if err := orch.Recover(ctx); err != nil {
		return err
	}

	srv := server.New(server.ServerConfig{
		Controller:  orch,
		Broker:      broker,
		DB:          database,
		AgentBridge: bridge,
		Logger:      logger,
		Version:     version,
		HTTP:        cfg.HTTP,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		// Stop the run first so its terminal event still reaches subscribers.
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("orchestrator shutdown incomplete", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func migrate(database *db.DB, cfg db.Config, logger *slog.Logger) error {
	if cfg.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return nil
	}

	var source fs.FS = db.Migrations()
	if cfg.MigrationsDir != "" {
		source = os.DirFS(cfg.MigrationsDir)
	}

	logger.Info("running migrations", "migrations_dir", cfg.MigrationsDir)
	if err := migrator.RunMigrations(database.DB, database.Driver(), source); err != nil {
		return err
	}

	schemaVersion, err := migrator.GetCurrentVersion(database.DB)
	if err != nil {
		return err
	}
	logger.Info("database schema ready", "version", schemaVersion)
	return nil
}

// newHost builds the agent host named by the transport. The websocket hub
// is also returned as the handler remote agents connect to.
func newHost(cfg agent.Config, logger *slog.Logger) (agent.Host, http.Handler, error) {
	switch cfg.Transport {
	case agent.TransportPage:
		host, err := pageagent.New(cfg.Page, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("agent transport", "transport", cfg.Transport, "base_url", cfg.Page.BaseURL)
		return host, nil, nil
	default:
		hub := wsbridge.NewHub(cfg, logger)
		logger.Info("agent transport", "transport", cfg.Transport, "endpoint", "/v1/agent/connect")
		return hub, hub, nil
	}
}
