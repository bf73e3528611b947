package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Host               string
	Port               string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
	LogLevel           string

	Probe     ProbeConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
}

// ProbeConfig bounds every outbound probe
type ProbeConfig struct {
	Timeout          time.Duration
	MaxSizeBytes     int64
	FollowRedirects  bool
	MaxRedirects     int
	Dimensions       bool
	AllowedSchemes   []string
	BlockedHostnames []string
	UserAgent        string
}

// RedisConfig is empty when Addr is unset; rate limiting is then disabled
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	PerMinute int64
}

func (c *Config) ServerAddress() string {
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// RateLimitEnabled reports whether a Redis backed limiter should be built
func (c *Config) RateLimitEnabled() bool {
	return c.Redis.Addr != "" && c.RateLimit.PerMinute > 0
}

// Load reads an optional .env file and then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return LoadFromEnv()
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:               getEnvOrDefault("HOST", "0.0.0.0"),
		Port:               getEnvOrDefault("PORT", "8080"),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 1024*1024), // 1MB
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		Probe: ProbeConfig{
			Timeout:          parseDurationOrDefault("PROBE_TIMEOUT", 5*time.Second),
			MaxSizeBytes:     parseIntOrDefault("PROBE_MAX_SIZE_BYTES", 10*1024*1024), // 10MB
			FollowRedirects:  parseBoolOrDefault("PROBE_FOLLOW_REDIRECTS", false),
			MaxRedirects:     int(parseIntOrDefault("PROBE_MAX_REDIRECTS", 5)),
			Dimensions:       parseBoolOrDefault("PROBE_DIMENSIONS", true),
			AllowedSchemes:   parseListOrDefault("PROBE_ALLOWED_SCHEMES", []string{"http", "https"}),
			BlockedHostnames: parseListOrDefault("PROBE_BLOCKED_HOSTNAMES", nil),
			UserAgent:        getEnvOrDefault("PROBE_USER_AGENT", "Go-Image-Probe/1.0"),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       int(parseIntOrDefault("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			PerMinute: parseIntOrDefault("RATE_LIMIT_PER_MINUTE", 60),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail at first use
func (c *Config) Validate() error {
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.Probe.Timeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, probe=%s)",
			c.RequestTimeout, c.Probe.Timeout)
	}
	if c.Probe.MaxSizeBytes <= 0 {
		return fmt.Errorf("PROBE_MAX_SIZE_BYTES must be > 0 (got %d)", c.Probe.MaxSizeBytes)
	}
	if c.Probe.MaxRedirects < 0 || c.Probe.MaxRedirects > 20 {
		return fmt.Errorf("PROBE_MAX_REDIRECTS must be between 0 and 20 (got %d)", c.Probe.MaxRedirects)
	}
	for _, scheme := range c.Probe.AllowedSchemes {
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("PROBE_ALLOWED_SCHEMES supports only http and https (got %q)", scheme)
		}
	}
	if len(c.Probe.AllowedSchemes) == 0 {
		return errors.New("PROBE_ALLOWED_SCHEMES must not be empty")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("REDIS_DB must be >= 0 (got %d)", c.Redis.DB)
	}
	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 0 (got %d)", c.RateLimit.PerMinute)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// parseListOrDefault splits a comma separated value, lower-casing entries
func parseListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
