package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Values come from defaults,
// then the optional YAML file named by PRICER_CONFIG, then environment
// variables; later sources win.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Infrastructure
	StoreBackend  string `yaml:"store_backend"` // redis | sqlite
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
	KeyPrefix     string `yaml:"key_prefix"`
	MetricsAddr   string `yaml:"metrics_addr"`
	APIAddr       string `yaml:"api_addr"`

	// Bus
	Bus             string        `yaml:"bus"` // stream | pubsub | memory
	StreamName      string        `yaml:"stream_name"`
	StreamGroup     string        `yaml:"stream_group"`
	ConsumerName    string        `yaml:"consumer_name"`
	PubSubChannel   string        `yaml:"pubsub_channel"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	ReclaimMinIdle  time.Duration `yaml:"reclaim_min_idle"`

	// Source
	SourceDir       string `yaml:"source_dir"`
	SessionPoolSize int    `yaml:"session_pool_size"`

	// Worker
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	LedgerTTL     time.Duration `yaml:"ledger_ttl"`
	AppendRetries int           `yaml:"append_retries"`

	// Store circuit breaker
	BreakerMaxFailures  int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`

	// Coordinator
	DefaultLookback int `yaml:"default_lookback"`

	// Notifications
	EventsChannel string `yaml:"events_channel"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookLevel  string `yaml:"webhook_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Config{
		LogLevel: "info",

		StoreBackend: "redis",
		RedisAddr:    "localhost:6379",
		SQLitePath:   "data/pricer.db",
		KeyPrefix:    "PRICER_",
		MetricsAddr:  ":9090",
		APIAddr:      ":8080",

		Bus:             "stream",
		StreamName:      "pricer:jobs",
		StreamGroup:     "pricer-workers",
		ConsumerName:    host,
		PubSubChannel:   "pricer",
		PollInterval:    2 * time.Second,
		ReclaimInterval: time.Minute,
		ReclaimMinIdle:  5 * time.Minute,

		SourceDir:       "data/source",
		SessionPoolSize: 2,

		Workers:       2,
		QueueSize:     4,
		FetchTimeout:  60 * time.Second,
		ShutdownGrace: 30 * time.Second,
		LedgerTTL:     7 * 24 * time.Hour,
		AppendRetries: 5,

		BreakerMaxFailures:  5,
		BreakerResetTimeout: 10 * time.Second,

		DefaultLookback: 24,

		EventsChannel: "pricer:events",
		WebhookLevel:  "warning",
	}
}

// Load builds the configuration from defaults, PRICER_CONFIG and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("PRICER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("[config] read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("[config] parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.KeyPrefix = getEnv("KEY_PREFIX", c.KeyPrefix)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.APIAddr = getEnv("API_ADDR", c.APIAddr)

	c.Bus = getEnv("BUS", c.Bus)
	c.StreamName = getEnv("STREAM_NAME", c.StreamName)
	c.StreamGroup = getEnv("STREAM_GROUP", c.StreamGroup)
	c.ConsumerName = getEnv("CONSUMER_NAME", c.ConsumerName)
	c.PubSubChannel = getEnv("PUBSUB_CHANNEL", c.PubSubChannel)

	c.SourceDir = getEnv("SOURCE_DIR", c.SourceDir)

	c.EventsChannel = getEnv("EVENTS_CHANNEL", c.EventsChannel)
	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)
	c.WebhookLevel = getEnv("WEBHOOK_LEVEL", c.WebhookLevel)

	var errs []error
	intVar := func(p *int, key string) {
		if err := getEnvInt(key, p); err != nil {
			errs = append(errs, err)
		}
	}
	durVar := func(p *time.Duration, key string) {
		if err := getEnvDuration(key, p); err != nil {
			errs = append(errs, err)
		}
	}
	intVar(&c.RedisDB, "REDIS_DB")
	intVar(&c.SessionPoolSize, "SESSION_POOL_SIZE")
	intVar(&c.Workers, "WORKERS")
	intVar(&c.QueueSize, "QUEUE_SIZE")
	intVar(&c.AppendRetries, "APPEND_RETRIES")
	intVar(&c.BreakerMaxFailures, "BREAKER_MAX_FAILURES")
	intVar(&c.DefaultLookback, "DEFAULT_LOOKBACK")
	durVar(&c.PollInterval, "POLL_INTERVAL")
	durVar(&c.ReclaimInterval, "RECLAIM_INTERVAL")
	durVar(&c.ReclaimMinIdle, "RECLAIM_MIN_IDLE")
	durVar(&c.FetchTimeout, "FETCH_TIMEOUT")
	durVar(&c.ShutdownGrace, "SHUTDOWN_GRACE")
	durVar(&c.LedgerTTL, "LEDGER_TTL")
	durVar(&c.BreakerResetTimeout, "BREAKER_RESET_TIMEOUT")
	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("[config] "+format, args...))
	}

	switch c.StoreBackend {
	case "redis", "sqlite":
	default:
		bad("store_backend %q: want redis or sqlite", c.StoreBackend)
	}
	switch c.Bus {
	case "stream", "pubsub", "memory":
	default:
		bad("bus %q: want stream, pubsub or memory", c.Bus)
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		bad("sqlite_path is required for the sqlite backend")
	}
	if (c.StoreBackend == "redis" || c.Bus != "memory") && c.RedisAddr == "" {
		bad("redis_addr is required")
	}
	if c.Bus == "stream" && (c.StreamName == "" || c.StreamGroup == "" || c.ConsumerName == "") {
		bad("stream_name, stream_group and consumer_name are required for the stream bus")
	}
	if c.Bus == "pubsub" && c.PubSubChannel == "" {
		bad("pubsub_channel is required for the pubsub bus")
	}

	positive := map[string]int{
		"workers":              c.Workers,
		"queue_size":           c.QueueSize,
		"session_pool_size":    c.SessionPoolSize,
		"breaker_max_failures": c.BreakerMaxFailures,
		"default_lookback":     c.DefaultLookback,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			bad("%s must be positive, got %d", name, positive[name])
		}
	}
	if c.AppendRetries < 0 {
		bad("append_retries must not be negative, got %d", c.AppendRetries)
	}

	durations := map[string]time.Duration{
		"poll_interval":         c.PollInterval,
		"fetch_timeout":         c.FetchTimeout,
		"shutdown_grace":        c.ShutdownGrace,
		"ledger_ttl":            c.LedgerTTL,
		"breaker_reset_timeout": c.BreakerResetTimeout,
		"reclaim_min_idle":      c.ReclaimMinIdle,
	}
	for _, name := range sortedKeys(durations) {
		if durations[name] <= 0 {
			bad("%s must be positive, got %s", name, durations[name])
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, p *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("[config] %s=%q: %w", key, v, err)
	}
	*p = n
	return nil
}

func getEnvDuration(key string, p *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("[config] %s=%q: %w", key, v, err)
	}
	*p = d
	return nil
}
