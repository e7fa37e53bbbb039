package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/attribution"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
queue:
  provider: memory
db:
  provider: memory
scheduler:
  interval: 30m
  target_cycle_days: 7
  max_daily_batch: 200
  time_zone: UTC
worker:
  concurrency: 3
  runs_per_device: 4
  job_timeout: 10m
reports:
  provider: local
  base_dir: /tmp/reports
attribution:
  entities:
    - name: Kameleoon
      patterns: ["*.kameleoon.com"]
    - name: Didomi
      patterns: ["*.privacy-center.org"]
  tool_entities:
    KAMELEOON: Kameleoon
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	require.Equal(t, 7, cfg.Scheduler.TargetCycleDays)
	require.Equal(t, 200, cfg.Scheduler.MaxDailyBatch)
	require.Equal(t, 3, cfg.WorkerConcurrency())
	require.Equal(t, 4, cfg.Worker.RunsPerDevice)
	require.Equal(t, 10*time.Minute, cfg.Worker.JobTimeout)
	require.Equal(t, "local", cfg.Reports.Provider)
	require.Equal(t, []attribution.Entity{
		{Name: "Kameleoon", Patterns: []string{"*.kameleoon.com"}},
		{Name: "Didomi", Patterns: []string{"*.privacy-center.org"}},
	}, cfg.Attribution.Entities)
	require.Equal(t, map[analysis.Tool]string{analysis.ToolKameleoon: "Kameleoon"}, cfg.ToolEntities())

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, time.UTC, loc)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "db:\n  provider: memory\n"))
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "redis", cfg.Queue.Provider)
	require.Equal(t, 100, cfg.Queue.Retention)
	require.Equal(t, time.Hour, cfg.Scheduler.Interval)
	require.Equal(t, 15, cfg.Scheduler.TargetCycleDays)
	require.Equal(t, 1, cfg.Scheduler.MinDailyBatch)
	require.Equal(t, 500, cfg.Scheduler.MaxDailyBatch)
	require.Equal(t, "Europe/Paris", cfg.Scheduler.TimeZone)
	require.Equal(t, 5, cfg.Worker.RunsPerDevice)
	require.Equal(t, 30*time.Minute, cfg.Worker.JobTimeout)
	require.Equal(t, 5*time.Minute, cfg.Worker.PauseBackoff)
	require.Equal(t, time.Minute, cfg.Worker.ResourceBackoff)
	require.Equal(t, time.Minute, cfg.Worker.HeartbeatInterval)
	require.Equal(t, 5*time.Minute, cfg.Queue.LeaseTTL)
	require.Equal(t, 90*time.Second, cfg.Browser.NavigationTimeout)
	require.Equal(t, time.Hour, cfg.ScriptSource.CacheTTL)
	require.Equal(t, attribution.DefaultEntities(), cfg.Attribution.Entities)
	require.Equal(t, "Kameleoon", cfg.ToolEntities()[analysis.ToolKameleoon])
}

func TestDevelopmentDefaultsToOneRun(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "development: true\ndb:\n  provider: memory\n"))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Worker.RunsPerDevice)

	cfg, err = Load(writeConfig(t, "development: true\nworker:\n  runs_per_device: 3\ndb:\n  provider: memory\n"))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Worker.RunsPerDevice)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANALYZER_SERVER_PORT", "7070")
	t.Setenv("ANALYZER_DB_PROVIDER", "memory")
	t.Setenv("ANALYZER_WORKER_CONCURRENCY", "6")
	t.Setenv("ANALYZER_SCHEDULER_DISABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 6, cfg.Worker.Concurrency)
	require.True(t, cfg.Scheduler.Disabled)
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Setenv("ANALYZER_DB_PROVIDER", "memory")
	t.Setenv("CONCURRENCY", "2")
	t.Setenv("PAUSE_LIGHTHOUSE", "true")
	t.Setenv("DISABLE_SCHEDULER", "true")
	t.Setenv("MIN_DAILY_BATCH", "5")
	t.Setenv("MAX_DAILY_BATCH", "50")
	t.Setenv("TARGET_CYCLE_DAYS", "10")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Worker.Concurrency)
	require.True(t, cfg.Worker.Paused)
	require.True(t, cfg.Scheduler.Disabled)
	require.Equal(t, 5, cfg.Scheduler.MinDailyBatch)
	require.Equal(t, 50, cfg.Scheduler.MaxDailyBatch)
	require.Equal(t, 10, cfg.Scheduler.TargetCycleDays)
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("ANALYZER_DB_PROVIDER", "memory")
	t.Setenv("ANALYZER_WORKER_CONCURRENCY", "8")
	t.Setenv("CONCURRENCY", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ANALYZER_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("ANALYZER_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("ANALYZER_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	require.Equal(t, "from-file", os.Getenv("ANALYZER_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg := Config{
			Server:    ServerConfig{Port: 8080},
			Queue:     QueueConfig{Provider: "memory"},
			DB:        DBConfig{Provider: "memory"},
			Scheduler: SchedulerConfig{Interval: time.Hour, TargetCycleDays: 15, MinDailyBatch: 1, MaxDailyBatch: 500, TimeZone: "UTC"},
			Worker:    WorkerConfig{RunsPerDevice: 5},
		}
		cfg.applyDerivedDefaults()
		return cfg
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"auth key", func(c *Config) { c.Auth.Enabled = true }},
		{"queue provider", func(c *Config) { c.Queue.Provider = "kafka" }},
		{"heartbeat outlives lease", func(c *Config) {
			c.Queue.Provider = "redis"
			c.Queue.LeaseTTL = time.Minute
			c.Worker.HeartbeatInterval = time.Minute
		}},
		{"postgres dsn", func(c *Config) { c.DB.Provider = "postgres" }},
		{"batch bounds", func(c *Config) { c.Scheduler.MaxDailyBatch = 0 }},
		{"time zone", func(c *Config) { c.Scheduler.TimeZone = "Mars/Olympus" }},
		{"gcs bucket", func(c *Config) { c.Reports.Provider = "gcs" }},
		{"reports provider", func(c *Config) { c.Reports.Provider = "s3" }},
		{"pubsub project", func(c *Config) { c.PubSub.TopicName = "done" }},
		{"entities", func(c *Config) { c.Attribution.Entities = []attribution.Entity{{Name: ""}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestWorkerConcurrencyFromMemory(t *testing.T) {
	t.Parallel()

	const gb = 1 << 30
	w := WorkerConfig{MemoryPerBrowserMB: 1024, ReservedMemoryMB: 1024}
	require.Equal(t, 7, w.concurrencyFor(8*gb))
	require.Equal(t, 1, w.concurrencyFor(gb))
	require.Equal(t, 1, w.concurrencyFor(gb+gb/2))

	w.Concurrency = 12
	require.Equal(t, 12, w.concurrencyFor(gb))
}

func TestSwitchesWatchConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "scheduler:\n  disabled: false\nworker:\n  paused: false\n")
	switches := &Switches{}
	require.NoError(t, WatchSwitches(path, switches, zap.NewNop()))
	require.False(t, switches.Paused())

	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  disabled: true\nworker:\n  paused: true\n"), 0o600))
	require.Eventually(t, func() bool {
		return switches.Paused() && switches.SchedulerDisabled()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewSwitches(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.Worker.Paused = true
	s := NewSwitches(cfg)
	require.True(t, s.Paused())
	require.False(t, s.SchedulerDisabled())
	require.NoError(t, WatchSwitches("", s, zap.NewNop()))
}
