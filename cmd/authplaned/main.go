// Command authplaned runs the authentication control-plane server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rezilient-labs/authplane/pkg/api"
	"github.com/rezilient-labs/authplane/pkg/audit"
	"github.com/rezilient-labs/authplane/pkg/clock"
	"github.com/rezilient-labs/authplane/pkg/config"
	"github.com/rezilient-labs/authplane/pkg/enrollment"
	"github.com/rezilient-labs/authplane/pkg/observability"
	"github.com/rezilient-labs/authplane/pkg/registry"
	"github.com/rezilient-labs/authplane/pkg/rotation"
	"github.com/rezilient-labs/authplane/pkg/state"
	"github.com/rezilient-labs/authplane/pkg/token"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver (cgo-free)
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	clk := clock.System{}
	recorder := audit.NewRecorder(store, clk)
	registrySvc := registry.NewService(store, recorder, clk)
	enrollmentSvc := enrollment.NewService(store, recorder, clk)
	rotationSvc := rotation.NewService(store, recorder, clk)

	tokenSvc, err := token.NewService(store, recorder, clk, rotationSvc, token.Config{
		Issuer:                   cfg.TokenIssuer,
		SigningKey:               cfg.TokenSigningKey,
		TokenTTLSeconds:          cfg.TokenTTLSeconds,
		ClockSkewSeconds:         cfg.TokenClockSkewSeconds,
		OutageGraceWindowSeconds: cfg.OutageGraceWindowSeconds,
	})
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			return fmt.Errorf("observability: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	policy := api.LimitPolicy{RPM: cfg.MintRPM, Burst: cfg.MintBurst}
	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiter(cfg.RedisAddr, policy)
		logger.Info("mint rate limiter using redis", "addr", cfg.RedisAddr)
	} else {
		limiter = api.NewLocalLimiter(policy)
	}

	var uploader audit.Uploader
	if cfg.AuditExportBucket != "" {
		uploader, err = audit.NewS3Uploader(ctx, cfg.AuditExportBucket, cfg.AuditExportRegion)
		if err != nil {
			return fmt.Errorf("audit export: %w", err)
		}
	}

	server := api.NewServer(api.Deps{
		Store:         store,
		Registry:      registrySvc,
		Enrollment:    enrollmentSvc,
		Rotation:      rotationSvc,
		Token:         tokenSvc,
		Recorder:      recorder,
		Limiter:       limiter,
		Uploader:      uploader,
		Observability: obs,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "port", cfg.Port, "store", cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (state.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return state.NewMemoryStore(), func() {}, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		store, err := state.NewPostgresStore(db, cfg.SnapshotKey)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, err := state.NewSQLiteStore(db, cfg.SnapshotKey)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
