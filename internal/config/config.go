package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

// Config holds all configuration for the threatmatch service
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Rules      []RuleConfig     `mapstructure:"rules"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// OpenSearchConfig holds the search backend connection
type OpenSearchConfig struct {
	URL            string        `mapstructure:"url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Insecure       bool          `mapstructure:"insecure"`
	Tiebreaker     string        `mapstructure:"tiebreaker"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// Addresses splits URL on commas.
func (c OpenSearchConfig) Addresses() []string {
	var out []string
	for _, a := range strings.Split(c.URL, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// RetryConfig controls per-page retries of an unavailable backend
type RetryConfig struct {
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// RedisConfig holds the Redis connection used by the alert ledger
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// LedgerConfig controls cross-run alert suppression
type LedgerConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// NATSConfig holds the result bus connection
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// DatabaseConfig selects the run history store
type DatabaseConfig struct {
	// Type is "memory" or "postgres".
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL.
func (c PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// AuthConfig guards the API. An empty secret disables authentication.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig enables OTLP tracing when Endpoint is set
type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"otlp_endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SchedulerConfig controls periodic rule runs. Cron, when set, replaces Interval.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Cron     string        `mapstructure:"cron"`
}

// RuleConfig describes one indicator match rule
type RuleConfig struct {
	Name     string `mapstructure:"name" json:"name" yaml:"name"`
	Disabled bool   `mapstructure:"disabled" json:"disabled" yaml:"disabled"`

	ThreatIndex []string `mapstructure:"threat_index" json:"threat_index" yaml:"threat_index"`
	EventsIndex []string `mapstructure:"events_index" json:"events_index" yaml:"events_index"`

	Strategy string               `mapstructure:"strategy" json:"strategy" yaml:"strategy"`
	Mappings []match.FieldMapping `mapstructure:"mappings" json:"mappings,omitempty" yaml:"mappings,omitempty"`

	IndicatorFilters []source.Filter `mapstructure:"indicator_filters" json:"indicator_filters,omitempty" yaml:"indicator_filters,omitempty"`
	EventFilters     []source.Filter `mapstructure:"event_filters" json:"event_filters,omitempty" yaml:"event_filters,omitempty"`
	TimeField        string          `mapstructure:"time_field" json:"time_field,omitempty" yaml:"time_field,omitempty"`

	Concurrency   int `mapstructure:"concurrency" json:"concurrency" yaml:"concurrency"`
	PageSize      int `mapstructure:"page_size" json:"page_size" yaml:"page_size"`
	MaxIndicators int `mapstructure:"max_indicators" json:"max_indicators" yaml:"max_indicators"`

	// Lookback bounds the event window, ending now. Defaults to one hour;
	// negative scans every event.
	Lookback time.Duration `mapstructure:"lookback" json:"lookback" yaml:"lookback"`
	// IndicatorLookback bounds indicator age. Zero loads every indicator.
	IndicatorLookback time.Duration `mapstructure:"indicator_lookback" json:"indicator_lookback" yaml:"indicator_lookback"`
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`

	Verbose  bool   `mapstructure:"verbose" json:"verbose" yaml:"verbose"`
	Severity string `mapstructure:"severity" json:"severity" yaml:"severity"`

	// ExceptionLists are accepted but not applied; runs report them as a warning.
	ExceptionLists []string `mapstructure:"exception_lists" json:"exception_lists,omitempty" yaml:"exception_lists,omitempty"`
}

// Rule defaults.
const (
	DefaultRuleName      = "threat-indicator-match"
	DefaultThreatIndex   = "logs-ti_*"
	DefaultEventsIndex   = "filebeat-*"
	DefaultConcurrency   = 8
	DefaultSeverity      = "high"
	DefaultRuleTimeout   = 5 * time.Minute
	DefaultRuleLookback  = time.Hour
	DefaultStrategy      = match.KindExact
	defaultConfigDirName = "/etc/threatmatch"
)

// DefaultRule is the rule used when none are configured.
func DefaultRule() RuleConfig {
	r := RuleConfig{
		Name:        DefaultRuleName,
		ThreatIndex: []string{DefaultThreatIndex},
		EventsIndex: []string{DefaultEventsIndex},
	}
	r.ApplyDefaults()
	return r
}

// ApplyDefaults fills unset fields.
func (r *RuleConfig) ApplyDefaults() {
	if r.Strategy == "" {
		r.Strategy = DefaultStrategy
	}
	if len(r.Mappings) == 0 {
		r.Mappings = match.DefaultMappings()
	}
	if r.Concurrency <= 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultRuleTimeout
	}
	if r.Lookback == 0 {
		r.Lookback = DefaultRuleLookback
	}
	if r.Severity == "" {
		r.Severity = DefaultSeverity
	}
	if r.TimeField == "" {
		r.TimeField = source.DefaultTimeField
	}
}

// Validate checks a rule after defaults were applied.
func (r RuleConfig) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if len(r.ThreatIndex) == 0 {
		return fmt.Errorf("rule %q: threat_index is required", r.Name)
	}
	if len(r.EventsIndex) == 0 {
		return fmt.Errorf("rule %q: events_index is required", r.Name)
	}
	if _, err := match.New(r.Strategy, r.Mappings); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	for _, f := range append(append([]source.Filter{}, r.IndicatorFilters...), r.EventFilters...) {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	if r.IndicatorLookback < 0 {
		return fmt.Errorf("rule %q: indicator_lookback must not be negative", r.Name)
	}
	return nil
}

// Rule returns the rule named name.
func (c *Config) Rule(name string) (RuleConfig, bool) {
	for _, r := range c.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return RuleConfig{}, false
}

// Validate checks rules are well formed and uniquely named.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
	}
	switch c.Database.Type {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown database type %q", c.Database.Type)
	}
	if c.Scheduler.Cron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("invalid scheduler.cron %q: %w", c.Scheduler.Cron, err)
		}
	} else if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.tiebreaker", "_id")
	v.SetDefault("opensearch.request_timeout", "30s")
	v.SetDefault("opensearch.retry.max_retries", 3)
	v.SetDefault("opensearch.retry.initial_interval", "250ms")
	v.SetDefault("opensearch.retry.max_interval", "5s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("ledger.ttl", "24h")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "telhawk_threatmatch")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "threatmatch")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "5m")
}

// Load reads configuration from configPath, or from
// $THREATMATCH_CONFIG_DIR/config.yaml when configPath is empty, and applies
// THREATMATCH_* environment overrides. A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if dir := os.Getenv("THREATMATCH_CONFIG_DIR"); dir != "" {
		v.SetConfigFile(filepath.Join(dir, "config.yaml"))
		v.SetConfigType("yaml")
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultConfigDirName)
	}

	v.SetEnvPrefix("THREATMATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configPath == "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = []RuleConfig{DefaultRule()}
	}
	for i := range cfg.Rules {
		cfg.Rules[i].ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
