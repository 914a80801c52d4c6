package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mdscrape/internal/mangadex"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scheduler.GlobalThreshold)
	assert.Equal(t, 2, cfg.Scheduler.PerOriginThreshold)
	assert.Equal(t, mangadex.DefaultBaseURL, cfg.MangaDex.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Fetch.RequestTimeout)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, "gb", cfg.Output.Lang)
	assert.Equal(t, "scrape_runs", cfg.Report.Postgres.RunsTable)
	assert.True(t, cfg.Progress.Console)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
api:
  enabled: true
  addr: ":9999"
scheduler:
  global_threshold: 12
  per_origin_threshold: 3
  origin_rps: 2.5
fetch:
  user_agent: test-agent
  request_timeout: 5s
  target_timeout: 20s
retry:
  max_attempts: 2
  base_delay: 50ms
  multiplier: 2
  max_delay: 1s
output:
  dir: /srv/manga
  lang: fr
  ignored_groups: [7, 9]
storage:
  backend: gcs
  gcs:
    bucket: pages
    prefix: manga
report:
  json_path: /tmp/report.json
  postgres:
    enabled: true
    dsn: postgres://localhost/mdscrape
    runs_table: runs
notify:
  pubsub:
    enabled: true
    project_id: proj
    topic_id: runs
logging:
  development: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, 12, cfg.Scheduler.GlobalThreshold)
	assert.Equal(t, 3, cfg.Scheduler.PerOriginThreshold)
	assert.InDelta(t, 2.5, cfg.Scheduler.OriginRPS, 1e-9)
	assert.Equal(t, "test-agent", cfg.Fetch.UserAgent)
	assert.Equal(t, 5*time.Second, cfg.Fetch.RequestTimeout)
	assert.Equal(t, 20*time.Second, cfg.Fetch.TargetTimeout)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, "fr", cfg.Output.Lang)
	assert.Equal(t, []int{7, 9}, cfg.Output.IgnoredGroups)
	assert.Equal(t, BackendGCS, cfg.Storage.Backend)
	assert.Equal(t, "pages", cfg.Storage.GCS.Bucket)
	assert.True(t, cfg.Report.Postgres.Enabled)
	assert.Equal(t, "postgres://localhost/mdscrape", cfg.Report.Postgres.DSN)
	assert.Equal(t, "runs", cfg.Report.Postgres.RunsTable)
	assert.Equal(t, "scrape_outcomes", cfg.Report.Postgres.OutcomesTable)
	assert.Equal(t, "proj", cfg.Notify.PubSub.ProjectID)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadOverridesWin(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", map[string]any{
		"scheduler.global_threshold":     8,
		"scheduler.per_origin_threshold": 1,
		"output.dir":                     "/data",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.GlobalThreshold)
	assert.Equal(t, 1, cfg.Scheduler.PerOriginThreshold)
	assert.Equal(t, "/data", cfg.Output.Dir)
}

// Not parallel: mutates the environment.
func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MDSCRAPE_SCHEDULER_GLOBAL_THRESHOLD", "10")
	t.Setenv("MDSCRAPE_FETCH_USER_AGENT", "env-agent")
	t.Setenv("MDSCRAPE_FETCH_REQUEST_TIMEOUT", "7s")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Scheduler.GlobalThreshold)
	assert.Equal(t, "env-agent", cfg.Fetch.UserAgent)
	assert.Equal(t, 7*time.Second, cfg.Fetch.RequestTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("", nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"global too low", func(c *Config) { c.Scheduler.GlobalThreshold = 0 }, "scheduler.global_threshold"},
		{"global too high", func(c *Config) { c.Scheduler.GlobalThreshold = MaxGlobalThreshold + 1 }, "scheduler.global_threshold"},
		{"per origin too high", func(c *Config) { c.Scheduler.PerOriginThreshold = MaxPerOriginThreshold + 1 }, "scheduler.per_origin_threshold"},
		{"negative rps", func(c *Config) { c.Scheduler.OriginRPS = -1 }, "origin_rps"},
		{"no request timeout", func(c *Config) { c.Fetch.RequestTimeout = 0 }, "fetch.request_timeout"},
		{"bad retry", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.gcs.bucket"},
		{"postgres without dsn", func(c *Config) { c.Report.Postgres.Enabled = true }, "report.postgres.dsn"},
		{"pubsub without topic", func(c *Config) { c.Notify.PubSub.Enabled = true }, "notify.pubsub"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}
}
