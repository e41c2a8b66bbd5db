package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/fleetsync/internal/server"
	"github.com/iudanet/fleetsync/internal/server/config"
	"github.com/iudanet/fleetsync/internal/server/handlers"
	"github.com/iudanet/fleetsync/internal/server/storage/sqlite"
	"github.com/iudanet/fleetsync/internal/server/telemetry"
	"github.com/iudanet/fleetsync/internal/syncengine"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, "fleetsync", Version, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	store, err := sqlite.New(ctx, cfg.DBPath,
		sqlite.WithBusyTimeout(cfg.DBBusyTimeout),
		sqlite.WithConnLifetime(cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime),
	)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	pushCfg := syncengine.PushConfig{
		ApplyTimeout:      cfg.ApplyTimeout,
		Concurrency:       cfg.PushConcurrency,
		MaxBatch:          cfg.MaxBatch,
		OptimisticLocking: cfg.OptimisticLocking,
	}
	pusher := syncengine.NewPushCoordinator(store, store, store, pushCfg, logger)
	puller := syncengine.NewPullCoordinator(store, logger)
	monitor := syncengine.NewLedgerMonitor(store, cfg.StalePendingAfter, cfg.StaleCheckInterval, logger)

	jwtCfg := handlers.JWTConfig{
		Secret:         []byte(cfg.JWTSecret),
		Issuer:         cfg.JWTIssuer,
		AccessTokenTTL: cfg.AccessTokenTTL,
	}

	router, stopLimiter := server.NewRouter(server.RouterConfig{
		Logger: logger,
		Sync: handlers.NewSyncHandler(logger, pusher, puller, store, monitor, handlers.SyncConfig{
			MaxBodyBytes:  cfg.MaxBodyBytes,
			PullPageLimit: cfg.PullPageLimit,
		}),
		Health:          handlers.NewHealthHandler(logger, store, Version),
		JWT:             jwtCfg,
		RateLimit:       cfg.RateLimit,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	defer stopLimiter()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout покрывает самый долгий push: таймаут изменения плюс запас на запись журнала
		WriteTimeout: cfg.ApplyTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Sync server listening",
			slog.String("addr", cfg.Addr),
			slog.String("version", Version),
			slog.String("db", cfg.DBPath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-monitorDone

	return nil
}

func printVersion() {
	fmt.Printf("fleetsync server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
