package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/quorumhq/quorum/internal/auth"
	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/server"
	"github.com/quorumhq/quorum/internal/service/decisions"
	"github.com/quorumhq/quorum/internal/storage"
	"github.com/quorumhq/quorum/internal/telemetry"
	"github.com/quorumhq/quorum/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("QUORUM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("quorum starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Create decision service.
	decisionSvc := decisions.New(db, logger, cfg.UpdateMaxRetries)

	// Create SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		DecisionSvc:         decisionSvc,
		Broker:              broker,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed admin user on an empty database.
	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	// Run the HTTP server and the broker until the context is cancelled.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if broker != nil {
		g.Go(func() error {
			broker.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting new requests and drain in-flight ones.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("quorum stopped")
	return nil
}
