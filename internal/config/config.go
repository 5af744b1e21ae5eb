package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the self-healing engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Patterns      PatternsConfig      `yaml:"patterns"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Jobs          JobsConfig          `yaml:"jobs"`
}

// ServerConfig controls the gRPC and ops HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DatabaseConfig controls the Postgres pattern store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	QueryTimeout    time.Duration `yaml:"queryTimeout"`
	MigrateOnStart  bool          `yaml:"migrateOnStart"`
}

// CacheConfig controls the Redis/Valkey connection and the recent-error buffer.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	PoolSize        int           `yaml:"poolSize"`
	MaxRetries      int           `yaml:"maxRetries"`
	TLS             bool          `yaml:"tls"`
	RecentErrorsKey string        `yaml:"recentErrorsKey"`
	RecentErrorsMax int           `yaml:"recentErrorsMax"`
	LocalCaches     []string      `yaml:"localCaches"`
}

// PatternsConfig controls the pattern registry.
type PatternsConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	File  string        `yaml:"file"`
	Watch bool          `yaml:"watch"`
}

// MonitorConfig controls the periodic check loop.
type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	EventLookback  time.Duration `yaml:"eventLookback"`
	EventLimit     int           `yaml:"eventLimit"`
	SendAlerts     bool          `yaml:"sendAlerts"`
	ExecuteFixes   bool          `yaml:"executeFixes"`
	HandlerTimeout time.Duration `yaml:"handlerTimeout"`
	StoreTimeout   time.Duration `yaml:"storeTimeout"`
}

// ProvidersConfig controls upstream model provider health tracking.
type ProvidersConfig struct {
	StatusURL        string        `yaml:"statusURL"`
	StatusPath       string        `yaml:"statusPath"`
	Timeout          time.Duration `yaml:"timeout"`
	StatusCacheTTL   time.Duration `yaml:"statusCacheTTL"`
	Names            []string      `yaml:"names"`
	FailureThreshold int           `yaml:"failureThreshold"`
	OpenDuration     time.Duration `yaml:"openDuration"`
}

// NotificationsConfig controls alert delivery.
type NotificationsConfig struct {
	WebhookURL  string        `yaml:"webhookURL"`
	Timeout     time.Duration `yaml:"timeout"`
	MinInterval time.Duration `yaml:"minInterval"`
	Burst       int           `yaml:"burst"`
}

// JobsConfig controls the runaway job remediation defaults.
type JobsConfig struct {
	MaxRuntime time.Duration `yaml:"maxRuntime"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_HEAL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			QueryTimeout:    2 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:         false,
			DialTimeout:     2 * time.Second,
			ReadTimeout:     500 * time.Millisecond,
			WriteTimeout:    500 * time.Millisecond,
			PoolSize:        10,
			MaxRetries:      2,
			RecentErrorsKey: "mirador-heal:errors:recent",
			RecentErrorsMax: 100,
		},
		Patterns: PatternsConfig{TTL: 60 * time.Second},
		Monitor: MonitorConfig{
			Interval:       30 * time.Second,
			EventLookback:  5 * time.Minute,
			EventLimit:     500,
			SendAlerts:     true,
			ExecuteFixes:   true,
			HandlerTimeout: 60 * time.Second,
			StoreTimeout:   2 * time.Second,
		},
		Providers: ProvidersConfig{
			StatusPath:       "/status",
			Timeout:          5 * time.Second,
			StatusCacheTTL:   15 * time.Second,
			FailureThreshold: 5,
			OpenDuration:     time.Minute,
		},
		Notifications: NotificationsConfig{
			Timeout:     5 * time.Second,
			MinInterval: 30 * time.Second,
			Burst:       5,
		},
		Jobs: JobsConfig{MaxRuntime: 30 * time.Minute},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Address == "" {
		problems = append(problems, "server.address is required")
	}
	if c.Monitor.Interval < time.Second {
		problems = append(problems, "monitor.interval must be at least 1s")
	}
	if c.Monitor.EventLookback <= 0 {
		problems = append(problems, "monitor.eventLookback must be positive")
	}
	if c.Monitor.HandlerTimeout <= 0 {
		problems = append(problems, "monitor.handlerTimeout must be positive")
	}
	if c.Patterns.TTL <= 0 {
		problems = append(problems, "patterns.ttl must be positive")
	}
	if c.Database.DSN == "" && c.Patterns.File == "" {
		problems = append(problems, "either database.dsn or patterns.file is required")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		problems = append(problems, "cache.addr is required when the cache is enabled")
	}
	if c.Cache.RecentErrorsMax < 0 {
		problems = append(problems, "cache.recentErrorsMax must not be negative")
	}
	if c.Providers.FailureThreshold < 1 {
		problems = append(problems, "providers.failureThreshold must be at least 1")
	}
	if c.Notifications.Burst < 0 {
		problems = append(problems, "notifications.burst must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("MIRADOR_HEAL_SERVER_ADDRESS", &cfg.Server.Address)
	envString("MIRADOR_HEAL_HTTP_ADDRESS", &cfg.Server.HTTPAddress)
	envDuration("MIRADOR_HEAL_GRACEFUL_TIMEOUT", &cfg.Server.GracefulTimeout)

	envString("MIRADOR_HEAL_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("MIRADOR_HEAL_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}

	envString("MIRADOR_HEAL_DATABASE_DSN", &cfg.Database.DSN)
	envInt("MIRADOR_HEAL_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	envInt("MIRADOR_HEAL_DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	envDuration("MIRADOR_HEAL_DATABASE_QUERY_TIMEOUT", &cfg.Database.QueryTimeout)
	envBool("MIRADOR_HEAL_DATABASE_MIGRATE", &cfg.Database.MigrateOnStart)

	envBool("MIRADOR_HEAL_CACHE_ENABLED", &cfg.Cache.Enabled)
	envString("MIRADOR_HEAL_CACHE_ADDR", &cfg.Cache.Addr)
	envString("MIRADOR_HEAL_CACHE_USERNAME", &cfg.Cache.Username)
	envString("MIRADOR_HEAL_CACHE_PASSWORD", &cfg.Cache.Password)
	envInt("MIRADOR_HEAL_CACHE_DB", &cfg.Cache.DB)
	envBool("MIRADOR_HEAL_CACHE_TLS", &cfg.Cache.TLS)
	envDuration("MIRADOR_HEAL_CACHE_DIAL_TIMEOUT", &cfg.Cache.DialTimeout)
	envDuration("MIRADOR_HEAL_CACHE_READ_TIMEOUT", &cfg.Cache.ReadTimeout)
	envDuration("MIRADOR_HEAL_CACHE_WRITE_TIMEOUT", &cfg.Cache.WriteTimeout)
	envInt("MIRADOR_HEAL_CACHE_MAX_RETRIES", &cfg.Cache.MaxRetries)
	envString("MIRADOR_HEAL_CACHE_RECENT_ERRORS_KEY", &cfg.Cache.RecentErrorsKey)
	envInt("MIRADOR_HEAL_CACHE_RECENT_ERRORS_MAX", &cfg.Cache.RecentErrorsMax)
	envList("MIRADOR_HEAL_CACHE_LOCAL_CACHES", &cfg.Cache.LocalCaches)

	envDuration("MIRADOR_HEAL_PATTERNS_TTL", &cfg.Patterns.TTL)
	envString("MIRADOR_HEAL_PATTERNS_FILE", &cfg.Patterns.File)
	envBool("MIRADOR_HEAL_PATTERNS_WATCH", &cfg.Patterns.Watch)

	envDuration("MIRADOR_HEAL_MONITOR_INTERVAL", &cfg.Monitor.Interval)
	envDuration("MIRADOR_HEAL_MONITOR_EVENT_LOOKBACK", &cfg.Monitor.EventLookback)
	envBool("MIRADOR_HEAL_MONITOR_SEND_ALERTS", &cfg.Monitor.SendAlerts)
	envBool("MIRADOR_HEAL_MONITOR_EXECUTE_FIXES", &cfg.Monitor.ExecuteFixes)
	envDuration("MIRADOR_HEAL_MONITOR_HANDLER_TIMEOUT", &cfg.Monitor.HandlerTimeout)

	envString("MIRADOR_HEAL_PROVIDERS_STATUS_URL", &cfg.Providers.StatusURL)
	envList("MIRADOR_HEAL_PROVIDERS_NAMES", &cfg.Providers.Names)
	envInt("MIRADOR_HEAL_PROVIDERS_FAILURE_THRESHOLD", &cfg.Providers.FailureThreshold)
	envDuration("MIRADOR_HEAL_PROVIDERS_OPEN_DURATION", &cfg.Providers.OpenDuration)

	envString("MIRADOR_HEAL_NOTIFY_WEBHOOK_URL", &cfg.Notifications.WebhookURL)
	envDuration("MIRADOR_HEAL_NOTIFY_MIN_INTERVAL", &cfg.Notifications.MinInterval)
	envInt("MIRADOR_HEAL_NOTIFY_BURST", &cfg.Notifications.Burst)

	envDuration("MIRADOR_HEAL_JOBS_MAX_RUNTIME", &cfg.Jobs.MaxRuntime)
}
