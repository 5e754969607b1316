package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	DatabaseURL string
	WorkerID    string

	// Remote platform client.
	RemoteBaseURL        string
	RemoteToken          string
	RemoteRequestTimeout time.Duration

	// Polling policy.
	PollIntervalBase        time.Duration
	PollIntervalJitterPct   int
	FastPathTicks           int
	FastPathInterval        time.Duration
	NotRunningConfirmations int
	GlobalTimeout           time.Duration
	RunningTimeout          time.Duration
	RowsetReadyTimeout      time.Duration
	RowProbeTimeout         time.Duration

	// Submission policy.
	MaxSubmissionAttempts int
	InitialPollDelay      time.Duration

	// Materialization policy.
	PageFetchRetries int
	PageRetryDelay   time.Duration

	// Worker loop.
	MaxConcurrency  int
	ClaimMinBackoff time.Duration
	ClaimMaxBackoff time.Duration
	LeaseDuration   time.Duration
	ReclaimInterval time.Duration
	ShutdownTimeout time.Duration

	// HTTP surface.
	HTTPAddr   string
	AuthToken  string
	AllowCIDRs []string

	// Retention.
	RetentionCron string
	RetentionAge  time.Duration
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.StringVar(&c.RemoteBaseURL, "remote-url", c.RemoteBaseURL, "Remote execution platform base URL")
	fs.DurationVar(&c.PollIntervalBase, "poll-interval", c.PollIntervalBase, "Steady-state poll interval")
	fs.IntVar(&c.NotRunningConfirmations, "not-running-confirmations", c.NotRunningConfirmations, "Consecutive not-running reads required before trusting completion")
	fs.DurationVar(&c.GlobalTimeout, "global-timeout", c.GlobalTimeout, "Absolute ceiling on a run's polling lifetime")
	fs.IntVar(&c.MaxSubmissionAttempts, "max-submission-attempts", c.MaxSubmissionAttempts, "Bound on remote submission retries")
	fs.IntVar(&c.MaxConcurrency, "concurrency", c.MaxConcurrency, "Maximum jobs in flight on this worker")
	fs.DurationVar(&c.LeaseDuration, "lease-duration", c.LeaseDuration, "Job lease duration")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for jobs on shutdown")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP address for API, health and metrics")
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("worker-%s-%d", hostname, time.Now().Unix())
	}

	cfg := &Config{
		DatabaseURL: dbURL,
		WorkerID:    workerID,

		RemoteBaseURL:        os.Getenv("REMOTE_BASE_URL"),
		RemoteToken:          os.Getenv("REMOTE_TOKEN"),
		RemoteRequestTimeout: envDuration("REMOTE_REQUEST_TIMEOUT", 30*time.Second),

		PollIntervalBase:        envDuration("POLL_INTERVAL_BASE", 2*time.Second),
		PollIntervalJitterPct:   envInt("POLL_INTERVAL_JITTER_PCT", 20),
		FastPathTicks:           envInt("FAST_PATH_TICKS", 3),
		FastPathInterval:        envDuration("FAST_PATH_INTERVAL", 500*time.Millisecond),
		NotRunningConfirmations: envInt("NOT_RUNNING_CONFIRMATIONS", 2),
		GlobalTimeout:           envDuration("GLOBAL_TIMEOUT", 30*time.Minute),
		RunningTimeout:          envDuration("RUNNING_TIMEOUT", 25*time.Minute),
		RowsetReadyTimeout:      envDuration("ROWSET_READY_TIMEOUT", 5*time.Minute),
		RowProbeTimeout:         envDuration("ROW_PROBE_TIMEOUT", 5*time.Minute),

		MaxSubmissionAttempts: envInt("MAX_SUBMISSION_ATTEMPTS", 3),
		InitialPollDelay:      envDuration("INITIAL_POLL_DELAY", 500*time.Millisecond),

		PageFetchRetries: envInt("PAGE_FETCH_RETRIES", 3),
		PageRetryDelay:   envDuration("PAGE_RETRY_DELAY", time.Second),

		MaxConcurrency:  envInt("MAX_CONCURRENCY", 8),
		ClaimMinBackoff: envDuration("CLAIM_MIN_BACKOFF", 100*time.Millisecond),
		ClaimMaxBackoff: envDuration("CLAIM_MAX_BACKOFF", 2*time.Second),
		LeaseDuration:   envDuration("LEASE_DURATION", 2*time.Minute),
		ReclaimInterval: envDuration("RECLAIM_INTERVAL", time.Minute),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		HTTPAddr:  envString("HTTP_ADDR", ":8080"),
		AuthToken: os.Getenv("AUTH_TOKEN"),

		RetentionCron: envString("RETENTION_CRON", "0 3 * * *"),
		RetentionAge:  envDuration("RETENTION_AGE", 14*24*time.Hour),
	}

	if v := os.Getenv("ALLOW_CIDRS"); v != "" {
		cfg.AllowCIDRs = strings.Split(v, ",")
	}

	return cfg, nil
}

// Validate checks the invariants a worker process needs before starting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}
	if c.NotRunningConfirmations < 1 {
		return fmt.Errorf("not_running_confirmations must be >= 1")
	}
	if c.GlobalTimeout <= 0 {
		return fmt.Errorf("global_timeout must be > 0")
	}
	if c.MaxSubmissionAttempts < 1 {
		return fmt.Errorf("max_submission_attempts must be >= 1")
	}
	if c.ClaimMaxBackoff < c.ClaimMinBackoff {
		return fmt.Errorf("claim_max_backoff must be >= claim_min_backoff")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
