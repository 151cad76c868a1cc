// Package main runs the pantry service: the management API, the job registry
// and the run tracker in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is only served when PPROF_PORT is set, on its own port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/pantry/internal/api"
	"github.com/muaviaUsmani/pantry/internal/config"
	"github.com/muaviaUsmani/pantry/internal/executor"
	"github.com/muaviaUsmani/pantry/internal/history"
	"github.com/muaviaUsmani/pantry/internal/logger"
	"github.com/muaviaUsmani/pantry/internal/run"
	"github.com/muaviaUsmani/pantry/internal/scheduler"
	"github.com/muaviaUsmani/pantry/internal/serialization"
	"github.com/muaviaUsmani/pantry/internal/source"
	"github.com/muaviaUsmani/pantry/internal/store/redisstore"
	"github.com/muaviaUsmani/pantry/internal/store/sqlitestore"
)

// connectWithRetry attempts to connect to Redis with exponential backoff
func connectWithRetry(ctx context.Context, redisURL string, maxRetries int, log logger.Logger) (*redis.Client, error) {
	var client *redis.Client
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		client, err = redisstore.Connect(ctx, redisURL)
		if err == nil {
			return client, nil
		}

		// 2^attempt seconds, capped at 30s
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}

// openRunStore returns the configured run history store and a close func
func openRunStore(ctx context.Context, cfg *config.Config, client *redis.Client) (run.Store, func() error, error) {
	switch cfg.RunStoreDriver {
	case config.RunStoreSQLite:
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:        cfg.SQLitePath,
			BusyTimeout: cfg.SQLiteBusyTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		format, err := serialization.ParseFormat(cfg.RunLogFormat)
		if err != nil {
			return nil, nil, err
		}
		store := redisstore.NewRunStore(client, serialization.NewSerializer(format))
		return store, func() error { return nil }, nil
	}
}

func main() {
	if err := runService(); err != nil {
		fmt.Fprintf(os.Stderr, "pantry: %v\n", err)
		os.Exit(1)
	}
}

func runService() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	svcLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)
	svcLog.Info("pantry starting",
		"api_port", cfg.APIPort,
		"run_store", cfg.RunStoreDriver,
		"timezone", cfg.Timezone.String(),
		"steps", cfg.Executor.Steps,
		"concurrency", cfg.Executor.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connectWithRetry(ctx, cfg.RedisURL, 5, svcLog)
	if err != nil {
		return err
	}
	defer client.Close()

	runs, closeRuns, err := openRunStore(ctx, cfg, client)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer func() {
		if err := closeRuns(); err != nil {
			svcLog.Error("Failed to close run store", "error", err)
		}
	}()

	schedules := redisstore.NewScheduleStore(client)
	tracker := run.NewTracker(runs, schedules)

	pipeline, err := executor.FromConfig(cfg.Executor)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	registry := scheduler.NewRegistry(schedules, tracker, pipeline,
		scheduler.WithLocation(cfg.Timezone),
		scheduler.WithSourceSelector(source.NewQueue(client)),
		scheduler.WithFireLocker(redisstore.NewFireLocker(client, cfg.ScheduleLockTTL)),
	)
	feed := redisstore.NewChangeFeed(client)
	manager := scheduler.NewManager(registry, runs, feed)

	// Subscribe before arming so a change made during startup is not missed
	changes, err := feed.Subscribe(ctx)
	if err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}
	go registry.Watch(ctx, changes, cfg.ReconcileInterval)

	if cfg.PprofPort != "" {
		go func() {
			svcLog.Info("Starting pprof server", "port", cfg.PprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", cfg.PprofPort))
			pprofServer := &http.Server{
				Addr:              ":" + cfg.PprofPort,
				Handler:           http.DefaultServeMux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				svcLog.Error("pprof server failed", "error", err)
			}
		}()
	}

	srv := api.New(manager, registry, history.NewService(runs), api.Options{
		ManualTriggerRate: cfg.ManualTriggerRate,
		Health: func(ctx context.Context) error {
			return redisstore.Ping(ctx, client)
		},
	})

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		svcLog.Info("API server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		svcLog.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			svcLog.Error("API server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		svcLog.Error("API server shutdown failed", "error", err)
	}
	if err := registry.Stop(shutdownCtx); err != nil {
		svcLog.Error("Registry stop failed", "error", err)
	}
	// Running steps are cancelled; their runs are finalized before Shutdown returns
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		svcLog.Warn("Pipelines still running at shutdown", "active", pipeline.Active(), "error", err)
	}

	svcLog.Info("pantry stopped")
	return nil
}
