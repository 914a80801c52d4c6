// Package config loads and validates mdscrape configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/mdscrape/internal/api"
	"github.com/JakeFAU/mdscrape/internal/logging"
	"github.com/JakeFAU/mdscrape/internal/mangadex"
	"github.com/JakeFAU/mdscrape/internal/notify/pubsub"
	"github.com/JakeFAU/mdscrape/internal/report/postgres"
	"github.com/JakeFAU/mdscrape/internal/retry"
	"github.com/JakeFAU/mdscrape/internal/telemetry"
)

// Upper bounds keep a misconfigured run from hammering the page CDN.
const (
	MaxGlobalThreshold    = 30
	MaxPerOriginThreshold = 6
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	API       api.Config       `mapstructure:"api"`
	MangaDex  MangaDexConfig   `mapstructure:"mangadex"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Retry     retry.Policy     `mapstructure:"retry"`
	Output    OutputConfig     `mapstructure:"output"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Report    ReportConfig     `mapstructure:"report"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Logging   logging.Config   `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// MangaDexConfig points at the metadata API.
type MangaDexConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// SchedulerConfig bounds admission.
type SchedulerConfig struct {
	GlobalThreshold    int     `mapstructure:"global_threshold"`
	PerOriginThreshold int     `mapstructure:"per_origin_threshold"`
	OriginRPS          float64 `mapstructure:"origin_rps"`
	OriginBurst        int     `mapstructure:"origin_burst"`
}

// FetchConfig governs the page transport and the fetch task.
type FetchConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	TargetTimeout     time.Duration `mapstructure:"target_timeout"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
}

// OutputConfig selects what gets planned.
type OutputConfig struct {
	Dir           string `mapstructure:"dir"`
	Lang          string `mapstructure:"lang"`
	IgnoredGroups []int  `mapstructure:"ignored_groups"`
}

// StorageConfig picks where pages are written.
type StorageConfig struct {
	Backend string    `mapstructure:"backend"`
	GCS     GCSConfig `mapstructure:"gcs"`
}

// GCSConfig addresses the bucket used by the gcs backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ProgressConfig toggles progress sinks and sizes the event hub.
type ProgressConfig struct {
	Console      bool          `mapstructure:"console"`
	Log          bool          `mapstructure:"log"`
	NoColor      bool          `mapstructure:"no_color"`
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
}

// ReportConfig lists the report outputs.
type ReportConfig struct {
	JSONPath string         `mapstructure:"json_path"`
	Console  bool           `mapstructure:"console"`
	Verbose  bool           `mapstructure:"verbose"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig enables the Postgres report store.
type PostgresConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	postgres.Config `mapstructure:",squash"`
}

// NotifyConfig configures run-finished notices.
type NotifyConfig struct {
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig enables the Pub/Sub notice.
type PubSubConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	pubsub.Config `mapstructure:",squash"`
}

// MetricsConfig toggles Prometheus collectors.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from defaults, an optional file, the environment
// (MDSCRAPE_ prefix) and overrides, in increasing precedence. overrides are
// keyed by dotted config path and typically come from command-line flags.
func Load(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MDSCRAPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", "127.0.0.1:9464")
	v.SetDefault("mangadex.base_url", mangadex.DefaultBaseURL)
	v.SetDefault("scheduler.global_threshold", 4)
	v.SetDefault("scheduler.per_origin_threshold", 2)
	v.SetDefault("scheduler.origin_rps", 0)
	v.SetDefault("scheduler.origin_burst", 1)
	v.SetDefault("fetch.user_agent", "mdscrape/1.0")
	v.SetDefault("fetch.request_timeout", 30*time.Second)
	v.SetDefault("fetch.target_timeout", 2*time.Minute)
	v.SetDefault("fetch.max_body_bytes", 32<<20)
	v.SetDefault("fetch.rate_limit_cooldown", 30*time.Second)
	policy := retry.DefaultPolicy()
	v.SetDefault("retry.max_attempts", policy.MaxAttempts)
	v.SetDefault("retry.base_delay", policy.BaseDelay)
	v.SetDefault("retry.multiplier", policy.Multiplier)
	v.SetDefault("retry.max_delay", policy.MaxDelay)
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.lang", "gb")
	v.SetDefault("output.ignored_groups", []int{})
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("progress.console", true)
	v.SetDefault("progress.log", false)
	v.SetDefault("progress.no_color", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_wait", 100*time.Millisecond)
	v.SetDefault("report.json_path", "")
	v.SetDefault("report.console", true)
	v.SetDefault("report.verbose", false)
	v.SetDefault("report.postgres.enabled", false)
	v.SetDefault("report.postgres.dsn", "")
	v.SetDefault("report.postgres.runs_table", "scrape_runs")
	v.SetDefault("report.postgres.outcomes_table", "scrape_outcomes")
	v.SetDefault("report.postgres.max_conns", 4)
	v.SetDefault("report.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("notify.pubsub.enabled", false)
	v.SetDefault("notify.pubsub.project_id", "")
	v.SetDefault("notify.pubsub.topic_id", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "mdscrape")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.GlobalThreshold < 1 || s.GlobalThreshold > MaxGlobalThreshold {
		errs = append(errs, fmt.Errorf("scheduler.global_threshold must be in [1, %d]", MaxGlobalThreshold))
	}
	if s.PerOriginThreshold < 1 || s.PerOriginThreshold > MaxPerOriginThreshold {
		errs = append(errs, fmt.Errorf("scheduler.per_origin_threshold must be in [1, %d]", MaxPerOriginThreshold))
	}
	if s.OriginRPS < 0 {
		errs = append(errs, errors.New("scheduler.origin_rps must be >= 0"))
	}
	if c.Fetch.RequestTimeout <= 0 {
		errs = append(errs, errors.New("fetch.request_timeout must be > 0"))
	}
	if c.Fetch.TargetTimeout < 0 {
		errs = append(errs, errors.New("fetch.target_timeout must be >= 0"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if strings.TrimSpace(c.MangaDex.BaseURL) == "" {
		errs = append(errs, errors.New("mangadex.base_url is required"))
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Output.Dir) == "" {
			errs = append(errs, errors.New("output.dir is required for the local backend"))
		}
	case BackendGCS:
		if strings.TrimSpace(c.Storage.GCS.Bucket) == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required for the gcs backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Report.Postgres.Enabled && c.Report.Postgres.DSN == "" {
		errs = append(errs, errors.New("report.postgres.dsn must be set when report.postgres is enabled"))
	}
	if p := c.Notify.PubSub; p.Enabled && (p.ProjectID == "" || p.TopicID == "") {
		errs = append(errs, errors.New("notify.pubsub.project_id and topic_id must be set when notify.pubsub is enabled"))
	}
	if c.API.Enabled && c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr must be set when the status server is enabled"))
	}
	return errors.Join(errs...)
}
