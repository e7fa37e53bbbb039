// Package config loads and validates analyzer configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pbnjay/memory"
	"github.com/spf13/viper"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
	"github.com/JakeFAU/script-cpu-analyzer/internal/attribution"
)

const envPrefix = "ANALYZER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	// Development switches to one run per device unless worker.runs_per_device is set.
	Development  bool               `mapstructure:"development"`
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Redis        RedisConfig        `mapstructure:"redis"`
	DB           DBConfig           `mapstructure:"db"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	ScriptSource ScriptSourceConfig `mapstructure:"script_source"`
	Reports      ReportsConfig      `mapstructure:"reports"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Attribution  AttributionConfig  `mapstructure:"attribution"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	// Provider is "redis" or "memory".
	Provider     string        `mapstructure:"provider"`
	Prefix       string        `mapstructure:"prefix"`
	Retention    int           `mapstructure:"retention"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// LeaseTTL is how long a Redis job stays claimed without a worker heartbeat.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// RedisConfig locates the Redis server. URL wins over host and port.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	// Provider is "postgres" or "memory".
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	PagesTable      string        `mapstructure:"pages_table"`
	AnalysesTable   string        `mapstructure:"analyses_table"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SchedulerConfig paces scheduling passes.
type SchedulerConfig struct {
	Disabled        bool          `mapstructure:"disabled"`
	Interval        time.Duration `mapstructure:"interval"`
	TargetCycleDays int           `mapstructure:"target_cycle_days"`
	MinDailyBatch   int           `mapstructure:"min_daily_batch"`
	MaxDailyBatch   int           `mapstructure:"max_daily_batch"`
	TimeZone        string        `mapstructure:"time_zone"`
}

// WorkerConfig sizes the worker pool and tunes job execution.
type WorkerConfig struct {
	// Concurrency fixes the pool size; zero derives it from host memory.
	Concurrency        int           `mapstructure:"concurrency"`
	Paused             bool          `mapstructure:"paused"`
	RunsPerDevice      int           `mapstructure:"runs_per_device"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	PauseBackoff       time.Duration `mapstructure:"pause_backoff"`
	ResourceBackoff    time.Duration `mapstructure:"resource_backoff"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	MemoryPerBrowserMB uint64        `mapstructure:"memory_per_browser_mb"`
	ReservedMemoryMB   uint64        `mapstructure:"reserved_memory_mb"`
}

// BrowserConfig configures headless Chrome.
type BrowserConfig struct {
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ConsentTimeout    time.Duration `mapstructure:"consent_timeout"`
	ConsentDelay      time.Duration `mapstructure:"consent_delay"`
	// SamplingIntervalUs is the CPU profiler sampling interval in microseconds.
	SamplingIntervalUs int64 `mapstructure:"sampling_interval_us"`
	// HostRPS caps audits per second against one host. Zero disables the limit.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// ScriptSourceConfig tunes script downloads for injection.
type ScriptSourceConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	UserAgent string        `mapstructure:"user_agent"`
}

// ReportsConfig selects where raw audit reports are archived.
type ReportsConfig struct {
	// Provider is "", "gcs" or "local". Empty disables archiving.
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	BaseDir  string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AttributionConfig lists the entities and which entity each tool measures.
type AttributionConfig struct {
	Entities     []attribution.Entity `mapstructure:"entities"`
	ToolEntities map[string]string    `mapstructure:"tool_entities"`
}

// legacyEnv maps config keys to the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"worker.concurrency":          "CONCURRENCY",
	"worker.paused":               "PAUSE_LIGHTHOUSE",
	"scheduler.disabled":          "DISABLE_SCHEDULER",
	"scheduler.min_daily_batch":   "MIN_DAILY_BATCH",
	"scheduler.max_daily_batch":   "MAX_DAILY_BATCH",
	"scheduler.target_cycle_days": "TARGET_CYCLE_DAYS",
	"redis.url":                   "REDIS_URL",
	"redis.host":                  "REDIS_HOST",
	"redis.port":                  "REDIS_PORT",
	"redis.password":              "REDIS_PASSWORD",
	"db.dsn":                      "DATABASE_URL",
}

// LoadDotEnv loads variables from .env files without overriding the environment.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("development", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("queue.provider", "redis")
	v.SetDefault("queue.prefix", "analysis")
	v.SetDefault("queue.retention", 100)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.lease_ttl", "5m")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("db.provider", "postgres")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.pages_table", "pages")
	v.SetDefault("db.analyses_table", "daily_analyses")
	v.SetDefault("db.migrate", false)
	v.SetDefault("scheduler.disabled", false)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.target_cycle_days", 15)
	v.SetDefault("scheduler.min_daily_batch", 1)
	v.SetDefault("scheduler.max_daily_batch", 500)
	v.SetDefault("scheduler.time_zone", "Europe/Paris")
	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("worker.paused", false)
	v.SetDefault("worker.job_timeout", "30m")
	v.SetDefault("worker.pause_backoff", "5m")
	v.SetDefault("worker.resource_backoff", "1m")
	v.SetDefault("worker.heartbeat_interval", "1m")
	v.SetDefault("worker.memory_per_browser_mb", 1024)
	v.SetDefault("worker.reserved_memory_mb", 1024)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.acquire_timeout", "10s")
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.settle_delay", "3s")
	v.SetDefault("browser.consent_timeout", "30s")
	v.SetDefault("browser.consent_delay", "2s")
	v.SetDefault("browser.sampling_interval_us", 100)
	v.SetDefault("browser.host_rps", 0)
	v.SetDefault("browser.host_burst", 1)
	v.SetDefault("script_source.timeout", "15s")
	v.SetDefault("script_source.retries", 2)
	v.SetDefault("script_source.cache_size", 64)
	v.SetDefault("script_source.cache_ttl", "1h")
	v.SetDefault("script_source.user_agent", "script-cpu-analyzer/1.0")
	v.SetDefault("reports.provider", "")
	v.SetDefault("reports.prefix", "reports")
	v.SetDefault("reports.base_dir", "data/reports")
}

// applyDerivedDefaults fills values whose default depends on other settings.
func (c *Config) applyDerivedDefaults() {
	if c.Worker.RunsPerDevice == 0 {
		c.Worker.RunsPerDevice = 5
		if c.Development {
			c.Worker.RunsPerDevice = 1
		}
	}
	if len(c.Attribution.Entities) == 0 {
		c.Attribution.Entities = attribution.DefaultEntities()
	}
	if len(c.Attribution.ToolEntities) == 0 {
		c.Attribution.ToolEntities = map[string]string{string(analysis.ToolKameleoon): "Kameleoon"}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Provider {
	case "redis", "memory":
	default:
		return fmt.Errorf("queue.provider must be redis or memory, got %q", c.Queue.Provider)
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres provider")
		}
	case "memory":
	default:
		return fmt.Errorf("db.provider must be postgres or memory, got %q", c.DB.Provider)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	if c.Scheduler.TargetCycleDays <= 0 {
		return fmt.Errorf("scheduler.target_cycle_days must be > 0")
	}
	if c.Scheduler.MinDailyBatch < 0 || c.Scheduler.MaxDailyBatch < c.Scheduler.MinDailyBatch {
		return fmt.Errorf("scheduler daily batch bounds must satisfy 0 <= min <= max")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("worker.concurrency must be >= 0")
	}
	if c.Worker.RunsPerDevice <= 0 {
		return fmt.Errorf("worker.runs_per_device must be > 0")
	}
	if c.Queue.Provider == "redis" && c.Worker.HeartbeatInterval >= c.Queue.LeaseTTL {
		return fmt.Errorf("worker.heartbeat_interval must be shorter than queue.lease_ttl")
	}
	switch c.Reports.Provider {
	case "":
	case "gcs":
		if c.Reports.Bucket == "" {
			return fmt.Errorf("reports.bucket must be set for the gcs provider")
		}
	case "local":
		if c.Reports.BaseDir == "" {
			return fmt.Errorf("reports.base_dir must be set for the local provider")
		}
	default:
		return fmt.Errorf("reports.provider must be gcs, local or empty, got %q", c.Reports.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if _, err := attribution.New(c.Attribution.Entities); err != nil {
		return fmt.Errorf("attribution.entities: %w", err)
	}
	return nil
}

// Location resolves scheduler.time_zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.time_zone: %w", err)
	}
	return loc, nil
}

// ToolEntities returns the tool to entity mapping. Viper lowercases map keys, so
// tool names are normalized back to upper case.
func (c Config) ToolEntities() map[analysis.Tool]string {
	out := make(map[analysis.Tool]string, len(c.Attribution.ToolEntities))
	for tool, entity := range c.Attribution.ToolEntities {
		out[analysis.Tool(strings.ToUpper(tool))] = entity
	}
	return out
}

// WorkerConcurrency returns the worker pool size: worker.concurrency when set,
// otherwise as many browsers as host memory allows, minimum 1.
func (c Config) WorkerConcurrency() int {
	return c.Worker.concurrencyFor(memory.TotalMemory())
}

func (w WorkerConfig) concurrencyFor(totalBytes uint64) int {
	if w.Concurrency > 0 {
		return w.Concurrency
	}
	const mb = 1 << 20
	perBrowser := w.MemoryPerBrowserMB * mb
	reserved := w.ReservedMemoryMB * mb
	if perBrowser == 0 || totalBytes <= reserved {
		return 1
	}
	return max(int((totalBytes-reserved)/perBrowser), 1)
}
