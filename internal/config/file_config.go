package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"dequery.yaml",
	"dequery.yml",
	"dequery.toml",
	".dequery.yaml",
	".dequery.yml",
	".dequery.toml",
}

type FileConfig struct {
	DSN       string            `yaml:"dsn" toml:"dsn"`
	Remote    RemoteFileConfig  `yaml:"remote" toml:"remote"`
	Polling   PollingFileConfig `yaml:"polling" toml:"polling"`
	Worker    WorkerFileConfig  `yaml:"worker" toml:"worker"`
	HTTP      HTTPFileConfig    `yaml:"http" toml:"http"`
	Retention RetentionConfig   `yaml:"retention" toml:"retention"`
}

type RemoteFileConfig struct {
	BaseURL        string `yaml:"base_url" toml:"base_url"`
	Token          string `yaml:"token" toml:"token"`
	RequestTimeout string `yaml:"request_timeout" toml:"request_timeout"`
}

type PollingFileConfig struct {
	IntervalBase            string `yaml:"interval_base" toml:"interval_base"`
	IntervalJitterPct       *int   `yaml:"interval_jitter_pct" toml:"interval_jitter_pct"`
	FastPathTicks           *int   `yaml:"fast_path_ticks" toml:"fast_path_ticks"`
	FastPathInterval        string `yaml:"fast_path_interval" toml:"fast_path_interval"`
	NotRunningConfirmations *int   `yaml:"not_running_confirmations" toml:"not_running_confirmations"`
	GlobalTimeout           string `yaml:"global_timeout" toml:"global_timeout"`
	RunningTimeout          string `yaml:"running_timeout" toml:"running_timeout"`
	RowsetReadyTimeout      string `yaml:"rowset_ready_timeout" toml:"rowset_ready_timeout"`
	RowProbeTimeout         string `yaml:"row_probe_timeout" toml:"row_probe_timeout"`
	MaxSubmissionAttempts   *int   `yaml:"max_submission_attempts" toml:"max_submission_attempts"`
	InitialPollDelay        string `yaml:"initial_poll_delay" toml:"initial_poll_delay"`
	PageFetchRetries        *int   `yaml:"page_fetch_retries" toml:"page_fetch_retries"`
}

type WorkerFileConfig struct {
	DSN             string `yaml:"dsn" toml:"dsn"`
	WorkerID        string `yaml:"worker_id" toml:"worker_id"`
	Concurrency     *int   `yaml:"concurrency" toml:"concurrency"`
	ClaimMinBackoff string `yaml:"claim_min_backoff" toml:"claim_min_backoff"`
	ClaimMaxBackoff string `yaml:"claim_max_backoff" toml:"claim_max_backoff"`
	LeaseDuration   string `yaml:"lease_duration" toml:"lease_duration"`
	ReclaimInterval string `yaml:"reclaim_interval" toml:"reclaim_interval"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type HTTPFileConfig struct {
	Addr       string   `yaml:"addr" toml:"addr"`
	AuthToken  string   `yaml:"auth_token" toml:"auth_token"`
	AllowCIDRs []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
}

type RetentionConfig struct {
	Cron string `yaml:"cron" toml:"cron"`
	Age  string `yaml:"age" toml:"age"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("DEQUERY_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.Worker.DSN != "" {
		cfg.DatabaseURL = fileCfg.Worker.DSN
	}
	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if fileCfg.Worker.Concurrency != nil {
		cfg.MaxConcurrency = *fileCfg.Worker.Concurrency
	}
	if err := applyDuration(&cfg.ClaimMinBackoff, "worker.claim_min_backoff", fileCfg.Worker.ClaimMinBackoff); err != nil {
		return err
	}
	if err := applyDuration(&cfg.ClaimMaxBackoff, "worker.claim_max_backoff", fileCfg.Worker.ClaimMaxBackoff); err != nil {
		return err
	}
	if cfg.ClaimMaxBackoff < cfg.ClaimMinBackoff {
		return fmt.Errorf("worker.claim_max_backoff must be >= worker.claim_min_backoff")
	}
	if err := applyDuration(&cfg.LeaseDuration, "worker.lease_duration", fileCfg.Worker.LeaseDuration); err != nil {
		return err
	}
	if err := applyDuration(&cfg.ReclaimInterval, "worker.reclaim_interval", fileCfg.Worker.ReclaimInterval); err != nil {
		return err
	}
	if err := applyDuration(&cfg.ShutdownTimeout, "worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout); err != nil {
		return err
	}

	if fileCfg.Remote.BaseURL != "" {
		cfg.RemoteBaseURL = fileCfg.Remote.BaseURL
	}
	if fileCfg.Remote.Token != "" {
		cfg.RemoteToken = fileCfg.Remote.Token
	}
	if err := applyDuration(&cfg.RemoteRequestTimeout, "remote.request_timeout", fileCfg.Remote.RequestTimeout); err != nil {
		return err
	}

	p := fileCfg.Polling
	if err := applyDuration(&cfg.PollIntervalBase, "polling.interval_base", p.IntervalBase); err != nil {
		return err
	}
	if p.IntervalJitterPct != nil {
		cfg.PollIntervalJitterPct = *p.IntervalJitterPct
	}
	if p.FastPathTicks != nil {
		cfg.FastPathTicks = *p.FastPathTicks
	}
	if err := applyDuration(&cfg.FastPathInterval, "polling.fast_path_interval", p.FastPathInterval); err != nil {
		return err
	}
	if p.NotRunningConfirmations != nil {
		cfg.NotRunningConfirmations = *p.NotRunningConfirmations
	}
	if err := applyDuration(&cfg.GlobalTimeout, "polling.global_timeout", p.GlobalTimeout); err != nil {
		return err
	}
	if err := applyDuration(&cfg.RunningTimeout, "polling.running_timeout", p.RunningTimeout); err != nil {
		return err
	}
	if err := applyDuration(&cfg.RowsetReadyTimeout, "polling.rowset_ready_timeout", p.RowsetReadyTimeout); err != nil {
		return err
	}
	if err := applyDuration(&cfg.RowProbeTimeout, "polling.row_probe_timeout", p.RowProbeTimeout); err != nil {
		return err
	}
	if p.MaxSubmissionAttempts != nil {
		cfg.MaxSubmissionAttempts = *p.MaxSubmissionAttempts
	}
	if err := applyDuration(&cfg.InitialPollDelay, "polling.initial_poll_delay", p.InitialPollDelay); err != nil {
		return err
	}
	if p.PageFetchRetries != nil {
		cfg.PageFetchRetries = *p.PageFetchRetries
	}

	if fileCfg.HTTP.Addr != "" {
		cfg.HTTPAddr = fileCfg.HTTP.Addr
	}
	if fileCfg.HTTP.AuthToken != "" {
		cfg.AuthToken = fileCfg.HTTP.AuthToken
	}
	if len(fileCfg.HTTP.AllowCIDRs) > 0 {
		cfg.AllowCIDRs = append([]string{}, fileCfg.HTTP.AllowCIDRs...)
	}

	if fileCfg.Retention.Cron != "" {
		cfg.RetentionCron = fileCfg.Retention.Cron
	}
	if err := applyDuration(&cfg.RetentionAge, "retention.age", fileCfg.Retention.Age); err != nil {
		return err
	}

	return nil
}

func applyDuration(target *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*target = parsed
	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
