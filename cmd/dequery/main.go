package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dequery/internal/config"
	"dequery/internal/driver"
	"dequery/internal/events"
	"dequery/internal/logging"
	"dequery/internal/materializer"
	"dequery/internal/poller"
	"dequery/internal/queue"
	"dequery/internal/remote"
	"dequery/internal/run"
	"dequery/internal/runner"
	"dequery/internal/store"
	"dequery/internal/web"

	"github.com/jackc/pgx/v5/pgxpool"
)

const Version = "0.3.2"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("dequery version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "worker":
		runWorker(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: dequery <worker|submit|get|cancel|prune|version> [args]")
}

// loadConfig layers env defaults, then the config file, then flags.
func loadConfig(args []string) (*config.Config, []string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	path, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, nil, err
	}
	fileCfg, err := config.LoadFileConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, nil, err
	}
	return cfg, stripConfigFlag(args), nil
}

// stripConfigFlag removes --config so subcommand flag sets do not choke on it.
func stripConfigFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") || strings.HasPrefix(arg, "-config=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

func runWorker(args []string) {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(rest); err != nil {
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
	remoteClient := newRemoteClient(cfg)
	broker := events.NewBroker(200)

	drv := driver.New(driver.Config{
		MaxSubmissionAttempts: cfg.MaxSubmissionAttempts,
		InitialPollDelay:      cfg.InitialPollDelay,
	}, runStore, jobQueue, remoteClient, broker, logger)

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
	}, runStore, remoteClient, broker, logger)

	workers := runner.New(cfg, jobQueue, drv, pol, mat, runStore, broker, logger)

	sweeper, err := queue.NewSweeper(jobQueue, runStore, cfg.RetentionCron, cfg.RetentionAge, logger)
	if err != nil {
		logger.Error("Failed to build retention sweeper", "error", err)
		os.Exit(1)
	}

	allowlist, err := web.ParseCIDRAllowlist(strings.Join(cfg.AllowCIDRs, ","))
	if err != nil {
		logger.Error("Failed to parse allowlist", "error", err)
		os.Exit(1)
	}
	server := web.NewServer(drv, runStore, pool, cfg.HTTPAddr, cfg.AuthToken, allowlist, broker, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	go sweeper.Run(ctx)
	go runner.ReportPoolStats(ctx, pool, 15*time.Second)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("HTTP server exited with error", "error", err)
			cancel()
		}
	}()

	if err := workers.Start(ctx); err != nil {
		logger.Error("Runner exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped cleanly")
}

func runSubmit(args []string) {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant ID")
	user := fs.String("user", "", "User ID")
	key := fs.String("key", "", "Idempotency key")
	query := fs.String("query", "", "Query text")
	queryFile := fs.String("query-file", "", "File to read the query text from")
	if err := fs.Parse(rest); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	if *tenant == "" || *user == "" || *key == "" {
		log.Fatalf("submit requires --tenant, --user and --key")
	}
	text := *query
	if text == "" && *queryFile != "" {
		data, err := os.ReadFile(*queryFile)
		if err != nil {
			log.Fatalf("Failed to read query file: %v", err)
		}
		text = string(data)
	}
	if text == "" {
		log.Fatalf("submit requires --query or --query-file")
	}

	ctx := context.Background()
	pool := mustPool(ctx, cfg)
	defer pool.Close()

	logger := logging.Init(cfg.WorkerID)
	drv := driver.New(driver.Config{
		MaxSubmissionAttempts: cfg.MaxSubmissionAttempts,
		InitialPollDelay:      cfg.InitialPollDelay,
	}, store.New(pool), queue.NewService(pool), newRemoteClient(cfg), nil, logger)

	runID, err := drv.Execute(ctx, run.Request{
		TenantID:       *tenant,
		UserID:         *user,
		Query:          text,
		IdempotencyKey: *key,
	})
	if err != nil {
		log.Fatalf("Submit failed: %v", err)
	}
	fmt.Println(runID)
}

func runGet(args []string) {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(rest) < 1 {
		log.Fatalf("usage: dequery get <run-id>")
	}

	ctx := context.Background()
	pool := mustPool(ctx, cfg)
	defer pool.Close()

	rec, err := store.New(pool).GetRun(ctx, rest[0])
	if err != nil {
		log.Fatalf("Failed to load run: %v", err)
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode run: %v", err)
	}
	fmt.Println(string(out))
}

func runCancel(args []string) {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(rest) < 1 {
		log.Fatalf("usage: dequery cancel <run-id>")
	}

	ctx := context.Background()
	pool := mustPool(ctx, cfg)
	defer pool.Close()

	canceled, err := store.New(pool).Cancel(ctx, rest[0])
	if err != nil {
		log.Fatalf("Cancel failed: %v", err)
	}
	if canceled {
		fmt.Println("canceled")
	} else {
		fmt.Println("already terminal")
	}
}

func runPrune(args []string) {
	cfg, rest, err := loadConfig(args)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	age := fs.Duration("age", cfg.RetentionAge, "Delete finished jobs and terminal runs older than this")
	if err := fs.Parse(rest); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}

	ctx := context.Background()
	pool := mustPool(ctx, cfg)
	defer pool.Close()

	jobs, err := queue.NewService(pool).PruneFinished(ctx, *age)
	if err != nil {
		log.Fatalf("Failed to prune jobs: %v", err)
	}
	runs, err := store.New(pool).PruneTerminal(ctx, *age)
	if err != nil {
		log.Fatalf("Failed to prune runs: %v", err)
	}
	fmt.Printf("pruned %d jobs, %d runs\n", jobs, runs)
}

func newRemoteClient(cfg *config.Config) *remote.HTTPClient {
	return remote.NewHTTPClient(cfg.RemoteBaseURL, cfg.RemoteToken, cfg.RemoteRequestTimeout)
}

func mustPool(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return pool
}
