// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration including security controls and the
// durable storage settings.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	MessageDBPath        string
	UserDBPath           string
	RetentionHours       int
	SweepIntervalMinutes int
}

// Retention returns the message retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// SweepInterval returns the cadence of the expiration sweep.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		MessageDBPath:        "messages.db",
		UserDBPath:           "users.db",
		RetentionHours:       72,
		SweepIntervalMinutes: 60,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.MessageDBPath == "" {
		cfg.MessageDBPath = "messages.db"
	}

	if cfg.UserDBPath == "" {
		cfg.UserDBPath = "users.db"
	}

	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 72
	}

	if cfg.SweepIntervalMinutes <= 0 {
		cfg.SweepIntervalMinutes = 60
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
		MessageDBPath:        cfg.MessageDBPath,
		UserDBPath:           cfg.UserDBPath,
		RetentionHours:       cfg.RetentionHours,
		SweepIntervalMinutes: cfg.SweepIntervalMinutes,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// fileConfig mirrors Config for the YAML config file. Durations are plain
// integers with the unit in the key name.
type fileConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	RateLimit      struct {
		Burst         int `yaml:"burst"`
		RefillSeconds int `yaml:"refill_seconds"`
	} `yaml:"rate_limit"`
	Store struct {
		MessagePath          string `yaml:"message_path"`
		UserPath             string `yaml:"user_path"`
		RetentionHours       int    `yaml:"retention_hours"`
		SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
	} `yaml:"store"`
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// environment variable overrides, applied in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, err
		}

		if fc.Port != "" {
			cfg.Port = fc.Port
		}
		if len(fc.AllowedOrigins) > 0 {
			cfg.AllowedOrigins = fc.AllowedOrigins
		}
		if fc.MaxMessageSize > 0 {
			cfg.MaxMessageSize = fc.MaxMessageSize
		}
		if fc.RateLimit.Burst > 0 {
			cfg.RateLimit.Burst = fc.RateLimit.Burst
		}
		if fc.RateLimit.RefillSeconds > 0 {
			cfg.RateLimit.RefillInterval = time.Duration(fc.RateLimit.RefillSeconds) * time.Second
		}
		if fc.Store.MessagePath != "" {
			cfg.MessageDBPath = fc.Store.MessagePath
		}
		if fc.Store.UserPath != "" {
			cfg.UserDBPath = fc.Store.UserPath
		}
		if fc.Store.RetentionHours > 0 {
			cfg.RetentionHours = fc.Store.RetentionHours
		}
		if fc.Store.SweepIntervalMinutes > 0 {
			cfg.SweepIntervalMinutes = fc.Store.SweepIntervalMinutes
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if path := os.Getenv("MESSAGE_DB_PATH"); path != "" {
		cfg.MessageDBPath = path
	}

	if path := os.Getenv("USER_DB_PATH"); path != "" {
		cfg.UserDBPath = path
	}

	if hours := os.Getenv("MESSAGE_RETENTION_HOURS"); hours != "" {
		cfg.RetentionHours = parseIntValue(hours, cfg.RetentionHours)
	}

	if minutes := os.Getenv("SWEEP_INTERVAL_MINUTES"); minutes != "" {
		cfg.SweepIntervalMinutes = parseIntValue(minutes, cfg.SweepIntervalMinutes)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
