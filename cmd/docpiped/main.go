package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"docpipe/internal/agent"
	"docpipe/internal/config"
	"docpipe/internal/ingress"
	"docpipe/internal/logging"
	"docpipe/internal/pipeline"
	"docpipe/internal/recovery"
	"docpipe/internal/statestore"
	"docpipe/internal/taskqueue"
	"docpipe/internal/webhook"
	"docpipe/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	// One daemon per data directory.
	lock := flock.New(filepath.Join(cfg.Paths.DataDir, "docpiped.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another docpiped instance holds %s", lock.Path())
	}
	defer lock.Unlock() //nolint:errcheck

	store, err := statestore.Open(cfg)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	queue := taskqueue.New(store, cfg.VisibilityTimeout())
	agents := agent.NewRegistry(cfg, store)
	orchestrator := pipeline.New(cfg, store, agents, logger)
	subscriptions := webhook.NewRegistry(store)
	delivery := webhook.NewEngine(cfg, store, subscriptions, logger)
	sweeper := recovery.NewSweeper(cfg, store, queue, logger)
	pool := worker.NewPool(cfg, queue, orchestrator, delivery, logger)
	api := ingress.New(cfg, store, queue, orchestrator, sweeper, subscriptions, delivery, logger)

	if err := agents.HealthCheck(ctx); err != nil {
		logger.Warn("agent health check failed", logging.Error(err))
	}
	if err := api.Start(ctx); err != nil {
		return err
	}
	defer api.Stop()

	logger.Info("docpiped started",
		logging.String("state_db", store.Path()),
		logging.Int("workers", cfg.Workers.Count))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pool.Run(ctx) })
	group.Go(func() error { return sweeper.Run(ctx) })
	group.Go(func() error { return purgeLoop(ctx, cfg, store, logger) })

	err = group.Wait()
	logger.Info("docpiped shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// purgeLoop evicts expired store entries on the configured interval.
func purgeLoop(ctx context.Context, cfg *config.Config, store *statestore.Store, logger *slog.Logger) error {
	interval := time.Duration(cfg.Store.PurgeIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := store.Purge(ctx)
			if err != nil {
				logger.Warn("purge failed", logging.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("purged expired entries", logging.Int64("removed", removed))
			}
		}
	}
}
