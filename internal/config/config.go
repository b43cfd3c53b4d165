// Package config loads and validates notewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/notewatch/internal/crawler"
	"github.com/JakeFAU/notewatch/internal/notifier"
	"github.com/JakeFAU/notewatch/internal/retry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Session  SessionConfig  `mapstructure:"session"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Progress ProgressConfig `mapstructure:"progress"`
	DB       DBConfig       `mapstructure:"db"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
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

// BrowserConfig configures the headless browser and the pages it visits.
type BrowserConfig struct {
	Headless    bool   `mapstructure:"headless"`
	UserAgent   string `mapstructure:"user_agent"`
	UserDataDir string `mapstructure:"user_data_dir"`
	LoginURL    string `mapstructure:"login_url"`
	ProbeURL    string `mapstructure:"probe_url"`
	SearchURL   string `mapstructure:"search_url"`
	// SearchResponsePath is matched against intercepted response paths.
	SearchResponsePath string `mapstructure:"search_response_path"`
	QueryParam         string `mapstructure:"query_param"`
	LoginMarker        string `mapstructure:"login_marker"`
	// Locators overrides individual element selectors by locator name.
	Locators    map[string]string `mapstructure:"locators"`
	FindTimeout time.Duration     `mapstructure:"find_timeout"`
}

// SessionConfig governs the login flow.
type SessionConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	LoginTimeout  time.Duration `mapstructure:"login_timeout"`
	TTL           time.Duration `mapstructure:"ttl"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

// CrawlConfig governs the progressive-narrowing search.
type CrawlConfig struct {
	ResponseWindow time.Duration `mapstructure:"response_window"`
	Throttle       time.Duration `mapstructure:"throttle"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout"`
	Aggregation    string        `mapstructure:"aggregation"`
	MinLenASCII    int           `mapstructure:"min_len_ascii"`
	MinLenDense    int           `mapstructure:"min_len_dense"`
}

// BatchConfig governs refresh runs.
type BatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	EntityDelay  time.Duration `mapstructure:"entity_delay"`
	ChunkDelay   time.Duration `mapstructure:"chunk_delay"`
	NotifyPolicy string        `mapstructure:"notify_policy"`
	ProgressTTL  time.Duration `mapstructure:"progress_ttl"`
	// RunOnLogin starts a run every time the session becomes authenticated.
	RunOnLogin bool `mapstructure:"run_on_login"`
}

// RetryConfig configures exponential backoff for transient failures.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// ProgressConfig selects where status records live.
type ProgressConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisURL  string `mapstructure:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// NotifyConfig selects the notification transport.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ArchiveConfig selects where raw search payloads are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOTEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("browser.login_url", "https://www.xiaohongshu.com/explore")
	v.SetDefault("browser.probe_url", "https://www.xiaohongshu.com/explore")
	v.SetDefault("browser.search_url", "https://www.xiaohongshu.com/explore")
	v.SetDefault("browser.search_response_path", "/api/sns/web/v1/search/notes")
	v.SetDefault("browser.query_param", "keyword")
	v.SetDefault("browser.login_marker", ".login-container")
	v.SetDefault("browser.find_timeout", "10s")
	v.SetDefault("session.poll_interval", "1s")
	v.SetDefault("session.login_timeout", "5m")
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.action_timeout", "30s")
	v.SetDefault("crawl.response_window", "3s")
	v.SetDefault("crawl.throttle", "1500ms")
	v.SetDefault("crawl.action_timeout", "30s")
	v.SetDefault("crawl.aggregation", string(crawler.AggregateSum))
	v.SetDefault("crawl.min_len_ascii", 2)
	v.SetDefault("crawl.min_len_dense", 1)
	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.entity_delay", "3s")
	v.SetDefault("batch.chunk_delay", "500ms")
	v.SetDefault("batch.notify_policy", string(notifier.NotifyOnChange))
	v.SetDefault("batch.progress_ttl", "24h")
	v.SetDefault("batch.run_on_login", true)
	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "4s")
	v.SetDefault("progress.backend", "memory")
	v.SetDefault("progress.key_prefix", "notewatch")
	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("notify.backend", "memory")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "search")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, fmt.Errorf("auth.api_key must be set when auth is enabled"))
	}
	if c.Session.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.poll_interval must be > 0"))
	}
	if c.Session.LoginTimeout < c.Session.PollInterval {
		errs = append(errs, fmt.Errorf("session.login_timeout must be >= session.poll_interval"))
	}
	if c.Crawl.ResponseWindow <= 0 {
		errs = append(errs, fmt.Errorf("crawl.response_window must be > 0"))
	}
	if c.Crawl.Throttle < 0 {
		errs = append(errs, fmt.Errorf("crawl.throttle must be >= 0"))
	}
	if c.Crawl.MinLenASCII < 1 || c.Crawl.MinLenDense < 1 {
		errs = append(errs, fmt.Errorf("crawl.min_len_ascii and crawl.min_len_dense must be >= 1"))
	}
	if _, err := crawler.ParseAggregation(c.Crawl.Aggregation); err != nil {
		errs = append(errs, fmt.Errorf("crawl.aggregation: %w", err))
	}
	if c.Batch.Concurrency <= 0 || c.Batch.Concurrency > 32 {
		errs = append(errs, fmt.Errorf("batch.concurrency must be between 1 and 32"))
	}
	if c.Batch.EntityDelay < 0 || c.Batch.ChunkDelay < 0 {
		errs = append(errs, fmt.Errorf("batch delays must be >= 0"))
	}
	if _, err := notifier.ParsePolicy(c.Batch.NotifyPolicy); err != nil {
		errs = append(errs, fmt.Errorf("batch.notify_policy: %w", err))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.base_delay must be > 0 and <= retry.max_delay"))
	}
	switch c.Progress.Backend {
	case "memory":
	case "redis":
		if c.Progress.RedisURL == "" {
			errs = append(errs, fmt.Errorf("progress.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("progress.backend must be memory or redis"))
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("db.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("db.backend must be memory or postgres"))
	}
	switch c.Notify.Backend {
	case "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			errs = append(errs, fmt.Errorf("notify.project_id and notify.topic are required for the pubsub backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.backend must be memory or pubsub"))
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			errs = append(errs, fmt.Errorf("archive.dir is required for the local backend"))
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			errs = append(errs, fmt.Errorf("archive.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend must be none, memory, local or gcs"))
	}
	return errors.Join(errs...)
}

// LoginKey is the progress-store key of the login status record.
func (c Config) LoginKey() string {
	return c.Progress.KeyPrefix + ":login"
}

// UpdateKey is the progress-store key of the batch status record.
func (c Config) UpdateKey() string {
	return c.Progress.KeyPrefix + ":update"
}

// RetryPolicy converts the retry section into a retry.Policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
	}
}
