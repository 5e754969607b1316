// Headless worker entrypoint: claims and runs jobs without the HTTP surface.
// Use `dequery worker` for the full node with API, events and retention.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dequery/internal/config"
	"dequery/internal/driver"
	"dequery/internal/events"
	"dequery/internal/logging"
	"dequery/internal/materializer"
	"dequery/internal/poller"
	"dequery/internal/queue"
	"dequery/internal/remote"
	"dequery/internal/runner"
	"dequery/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	path, err := config.ResolveConfigPath(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	fileCfg, err := config.LoadFileConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatalf("Failed to apply config file: %v", err)
	}

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	fs.String("config", "", "Path to a YAML or TOML config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.Init(cfg.WorkerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		logger.Error("Failed to ensure schema", "error", err)
		os.Exit(1)
	}

	runStore := store.New(pool)
	jobQueue := queue.NewService(pool)
	remoteClient := remote.NewHTTPClient(cfg.RemoteBaseURL, cfg.RemoteToken, cfg.RemoteRequestTimeout)

	drv := driver.New(driver.Config{
		MaxSubmissionAttempts: cfg.MaxSubmissionAttempts,
		InitialPollDelay:      cfg.InitialPollDelay,
	}, runStore, jobQueue, remoteClient, nil, logger)

	pol := poller.New(poller.Config{
		PollIntervalBase:        cfg.PollIntervalBase,
		PollIntervalJitterPct:   cfg.PollIntervalJitterPct,
		FastPathTicks:           cfg.FastPathTicks,
		FastPathInterval:        cfg.FastPathInterval,
		NotRunningConfirmations: cfg.NotRunningConfirmations,
		GlobalTimeout:           cfg.GlobalTimeout,
		RunningTimeout:          cfg.RunningTimeout,
		RowsetReadyTimeout:      cfg.RowsetReadyTimeout,
		RowProbeTimeout:         cfg.RowProbeTimeout,
	}, runStore, remoteClient, logger)

	mat := materializer.New(materializer.Config{
		PageFetchRetries: cfg.PageFetchRetries,
		RetryDelay:       cfg.PageRetryDelay,
	}, runStore, remoteClient, nil, logger)

	workers := runner.New(cfg, jobQueue, drv, pol, mat, runStore, events.NoopPublisher{}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := workers.Start(ctx); err != nil {
		logger.Error("Runner exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped cleanly")
}
