// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/jobpost-crawler/internal/classify"
	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/source"
)

// EnvPrefix prefixes environment overrides, e.g. JOBCRAWLER_DATABASE_DSN.
const EnvPrefix = "JOBCRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Crawler   CrawlerConfig            `mapstructure:"crawler"`
	Headless  HeadlessConfig           `mapstructure:"headless"`
	RateLimit RateLimitConfig          `mapstructure:"rate_limit"`
	Discovery DiscoveryConfig          `mapstructure:"discovery"`
	Dedup     DedupConfig              `mapstructure:"dedup"`
	Refresh   RefreshConfig            `mapstructure:"refresh"`
	Schedule  ScheduleConfig           `mapstructure:"schedule"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Cooldown  CooldownConfig           `mapstructure:"cooldown"`
	PubSub    PubSubConfig             `mapstructure:"pubsub"`
	Families  []classify.Family        `mapstructure:"families"`
	Sources   map[string]source.Config `mapstructure:"sources"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the orchestrator and static fetcher.
type CrawlerConfig struct {
	Concurrency         int    `mapstructure:"concurrency"`
	UserAgent           string `mapstructure:"user_agent"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
	MaxBodyBytes        int    `mapstructure:"max_body_bytes"`
	PenaltyPauseSeconds int    `mapstructure:"penalty_pause_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleDelayMillis int    `mapstructure:"settle_delay_ms"`
	WaitSelector      string `mapstructure:"wait_selector"`
	ExecPath          string `mapstructure:"exec_path"`
	NoSandbox         bool   `mapstructure:"no_sandbox"`
	MinTextLength     int    `mapstructure:"min_text_length"`
}

// RateLimitConfig paces requests per host.
type RateLimitConfig struct {
	RPS           float64 `mapstructure:"rps"`
	Burst         int     `mapstructure:"burst"`
	PenaltyFactor float64 `mapstructure:"penalty_factor"`
	MinRPS        float64 `mapstructure:"min_rps"`
}

// DiscoveryConfig selects and configures the discovery collaborator.
type DiscoveryConfig struct {
	Provider       string                        `mapstructure:"provider"`
	Endpoint       string                        `mapstructure:"endpoint"`
	APIKey         string                        `mapstructure:"api_key"`
	EngineID       string                        `mapstructure:"engine_id"`
	TimeoutSeconds int                           `mapstructure:"timeout_seconds"`
	MaxRetries     int                           `mapstructure:"max_retries"`
	Geography      string                        `mapstructure:"geography"`
	RecencyDays    int                           `mapstructure:"recency_days"`
	MaxResults     int                           `mapstructure:"max_results"`
	BlockedDomains []string                      `mapstructure:"blocked_domains"`
	Fixtures       map[string][]FixtureCandidate `mapstructure:"fixtures"`
}

// FixtureCandidate is one static discovery result.
type FixtureCandidate struct {
	Link   string `mapstructure:"link"`
	Title  string `mapstructure:"title"`
	Family string `mapstructure:"family"`
}

// DedupConfig sets the fuzzy dedup look-back.
type DedupConfig struct {
	WindowDays int `mapstructure:"window_days"`
}

// RefreshConfig controls refresh runs.
type RefreshConfig struct {
	StaleAfterHours int `mapstructure:"stale_after_hours"`
	BatchLimit      int `mapstructure:"batch_limit"`
}

// ScheduleConfig holds cron specs for serve mode.
type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Discover string `mapstructure:"discover"`
	Refresh  string `mapstructure:"refresh"`
}

// StorageConfig picks the posting store and HTML archive.
type StorageConfig struct {
	Backend string        `mapstructure:"backend"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig configures where version HTML is written.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// CooldownConfig selects the cooldown tracker.
type CooldownConfig struct {
	Backend    string      `mapstructure:"backend"`
	TTLMinutes int         `mapstructure:"ttl_minutes"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the redis cooldown backend.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PubSubConfig holds change-event publishing settings.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.user_agent", "jobcrawler/0.1 (+https://github.com/JakeFAU/jobpost-crawler)")
	v.SetDefault("crawler.fetch_timeout_seconds", 20)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_body_bytes", 5*1024*1024)
	v.SetDefault("crawler.penalty_pause_seconds", 60)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("headless.wait_selector", "")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("headless.min_text_length", 200)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.penalty_factor", 0.5)
	v.SetDefault("rate_limit.min_rps", 0.05)
	v.SetDefault("discovery.provider", "static")
	v.SetDefault("discovery.endpoint", "")
	v.SetDefault("discovery.api_key", "")
	v.SetDefault("discovery.engine_id", "")
	v.SetDefault("discovery.timeout_seconds", 10)
	v.SetDefault("discovery.max_retries", 3)
	v.SetDefault("discovery.geography", "")
	v.SetDefault("discovery.recency_days", 7)
	v.SetDefault("discovery.max_results", 10)
	v.SetDefault("discovery.blocked_domains", []string{})
	v.SetDefault("dedup.window_days", 45)
	v.SetDefault("refresh.stale_after_hours", 24)
	v.SetDefault("refresh.batch_limit", 200)
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.discover", "0 */6 * * *")
	v.SetDefault("schedule.refresh", "30 3 * * *")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.archive.backend", "none")
	v.SetDefault("storage.archive.local_dir", "data/archive")
	v.SetDefault("storage.archive.gcs_bucket", "")
	v.SetDefault("storage.archive.prefix", "postings")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("cooldown.backend", "memory")
	v.SetDefault("cooldown.ttl_minutes", 60)
	v.SetDefault("cooldown.redis.address", "")
	v.SetDefault("cooldown.redis.password", "")
	v.SetDefault("cooldown.redis.db", 0)
	v.SetDefault("cooldown.redis.key_prefix", "")
	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "job-postings")
}

// Validate enforces required values and reasonable limits. Individual source
// entries are checked when they are compiled, not here.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Crawler.Concurrency > 0, "crawler.concurrency must be > 0")
	check(c.Crawler.FetchTimeoutSeconds > 0, "crawler.fetch_timeout_seconds must be > 0")
	check(c.Crawler.UserAgent != "", "crawler.user_agent must be set")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	check(c.RateLimit.RPS >= 0, "rate_limit.rps must be >= 0")
	check(c.Discovery.MaxResults > 0, "discovery.max_results must be > 0")
	check(c.Discovery.RecencyDays >= 0, "discovery.recency_days must be >= 0")
	check(c.Refresh.StaleAfterHours > 0, "refresh.stale_after_hours must be > 0")
	check(c.Refresh.BatchLimit > 0, "refresh.batch_limit must be > 0")
	check(c.Dedup.WindowDays > 0, "dedup.window_days must be > 0")
	check(len(c.Sources) > 0, "at least one source must be configured")

	switch c.Discovery.Provider {
	case "static":
	case "search":
		// Missing credentials degrade discovery to empty results instead of failing.
	default:
		errs = append(errs, fmt.Errorf("discovery.provider %q must be static or search", c.Discovery.Provider))
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		check(c.Database.DSN != "", "database.dsn must be set when storage.backend is postgres")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be memory or postgres", c.Storage.Backend))
	}

	switch c.Storage.Archive.Backend {
	case "none", "memory":
	case "local":
		check(c.Storage.Archive.LocalDir != "", "storage.archive.local_dir must be set for the local archive")
	case "gcs":
		check(c.Storage.Archive.GCSBucket != "", "storage.archive.gcs_bucket must be set for the gcs archive")
	default:
		errs = append(errs, fmt.Errorf("storage.archive.backend %q must be none, memory, local or gcs", c.Storage.Archive.Backend))
	}

	switch c.Cooldown.Backend {
	case "memory":
	case "redis":
		check(c.Cooldown.Redis.Address != "", "cooldown.redis.address must be set when cooldown.backend is redis")
	default:
		errs = append(errs, fmt.Errorf("cooldown.backend %q must be memory or redis", c.Cooldown.Backend))
	}

	switch c.PubSub.Backend {
	case "none", "memory":
	case "pubsub":
		check(c.PubSub.ProjectID != "", "pubsub.project_id must be set when pubsub.backend is pubsub")
		check(c.PubSub.Topic != "", "pubsub.topic must be set when pubsub.backend is pubsub")
	default:
		errs = append(errs, fmt.Errorf("pubsub.backend %q must be none, memory or pubsub", c.PubSub.Backend))
	}

	seen := make(map[string]struct{}, len(c.Families))
	for i, f := range c.Families {
		name := strings.TrimSpace(f.Name)
		check(name != "", "families[%d].name must be set", i)
		if _, dup := seen[name]; dup && name != "" {
			errs = append(errs, fmt.Errorf("families[%d]: duplicate family %q", i, name))
		}
		seen[name] = struct{}{}
	}

	return errors.Join(errs...)
}

// FetchTimeout returns the per-URL fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// PenaltyPause returns how long a throttled host is paused.
func (c Config) PenaltyPause() time.Duration {
	return time.Duration(c.Crawler.PenaltyPauseSeconds) * time.Second
}

// Recency returns the discovery look-back window.
func (c Config) Recency() time.Duration {
	return time.Duration(c.Discovery.RecencyDays) * 24 * time.Hour
}

// DedupWindow returns the fuzzy dedup look-back.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowDays) * 24 * time.Hour
}

// StaleAfter returns how long a posting can go unseen before refresh visits it.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Refresh.StaleAfterHours) * time.Hour
}

// CooldownTTL returns how long a rate-limited source is skipped.
func (c Config) CooldownTTL() time.Duration {
	return time.Duration(c.Cooldown.TTLMinutes) * time.Minute
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// FixtureCandidates converts the static discovery fixtures.
func (c Config) FixtureCandidates() map[string][]crawler.Candidate {
	out := make(map[string][]crawler.Candidate, len(c.Discovery.Fixtures))
	for name, list := range c.Discovery.Fixtures {
		for _, f := range list {
			out[name] = append(out[name], crawler.Candidate{Link: f.Link, Title: f.Title, FamilyHint: f.Family})
		}
	}
	return out
}
