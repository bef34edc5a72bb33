// Package config loads the engine configuration from a YAML file and applies
// environment overrides, so the same binary runs locally (file only) and in
// the fleet (env-injected secrets).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	env "github.com/loopcrew/agent-engine/internal/config"
	"github.com/loopcrew/agent-engine/worker"
)

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	Count             int    `yaml:"count"`
	Capacity          int    `yaml:"capacity"`
	MaxAttempts       int    `yaml:"maxAttempts"`
	BaseBackoff       string `yaml:"baseBackoff"`
	MaxBackoff        string `yaml:"maxBackoff"`
	PollInterval      string `yaml:"pollInterval"`
	ClaimBlock        string `yaml:"claimBlock"`
	HeartbeatInterval string `yaml:"heartbeatInterval"`
}

type StatusConfig struct {
	TTL string `yaml:"ttl"`
}

type MeteringConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"apiKey"`
}

type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

type Config struct {
	HTTP       HTTPConfig     `yaml:"http"`
	Redis      RedisConfig    `yaml:"redis"`
	SQLitePath string         `yaml:"sqlitePath"`
	Worker     WorkerConfig   `yaml:"worker"`
	Status     StatusConfig   `yaml:"status"`
	Metering   MeteringConfig `yaml:"metering"`
	Logging    LoggingConfig  `yaml:"logging"`
}

func Default() Config {
	return Config{
		HTTP:       HTTPConfig{Addr: "127.0.0.1:8090"},
		Redis:      RedisConfig{Addr: "localhost:6379"},
		SQLitePath: "./data/engine.db",
		Worker:     WorkerConfig{Count: 2, Capacity: 1},
		Status:     StatusConfig{TTL: "24h"},
		Logging:    LoggingConfig{Verbose: true},
	}
}

// Load reads the YAML file at path. An empty path yields the defaults, so a
// bare binary still starts. Environment variables win over the file in all
// cases.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		c.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		c.Redis.Password = v
	}
	c.Redis.DB = env.ParseIntEnv("REDIS_DB", c.Redis.DB)
	if v := strings.TrimSpace(os.Getenv("SQLITE_PATH")); v != "" {
		c.SQLitePath = v
	}
	c.Worker.Count = env.ParseIntEnv("WORKER_COUNT", c.Worker.Count)
	c.Worker.Capacity = env.ParseIntEnv("WORKER_CAPACITY", c.Worker.Capacity)
	if v := strings.TrimSpace(os.Getenv("METERING_ENDPOINT")); v != "" {
		c.Metering.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("METERING_API_KEY")); v != "" {
		c.Metering.APIKey = v
	}
	c.Logging.Verbose = env.ParseBoolString(os.Getenv("LOG_VERBOSE"), c.Logging.Verbose)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis addr is required")
	}
	if strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("sqlite path is required")
	}
	if c.Worker.Count <= 0 {
		c.Worker.Count = 1
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"worker.baseBackoff", c.Worker.BaseBackoff},
		{"worker.maxBackoff", c.Worker.MaxBackoff},
		{"worker.pollInterval", c.Worker.PollInterval},
		{"worker.claimBlock", c.Worker.ClaimBlock},
		{"worker.heartbeatInterval", c.Worker.HeartbeatInterval},
		{"status.ttl", c.Status.TTL},
	} {
		if _, err := parseDuration(field.value, 0); field.value != "" && err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field.name, err)
		}
	}
	return nil
}

// RuntimePolicy translates the duration strings into the worker policy,
// leaving zero values for the policy normalizer to fill.
func (c Config) RuntimePolicy() worker.RuntimePolicy {
	policy := worker.RuntimePolicy{MaxAttempts: c.Worker.MaxAttempts}
	policy.BaseBackoff, _ = parseDuration(c.Worker.BaseBackoff, 0)
	policy.MaxBackoff, _ = parseDuration(c.Worker.MaxBackoff, 0)
	policy.PollInterval, _ = parseDuration(c.Worker.PollInterval, 0)
	policy.ClaimBlock, _ = parseDuration(c.Worker.ClaimBlock, 0)
	policy.HeartbeatInterval, _ = parseDuration(c.Worker.HeartbeatInterval, 0)
	return worker.NormalizeRuntimePolicy(policy)
}

func (c Config) StatusTTL() time.Duration {
	ttl, _ := parseDuration(c.Status.TTL, 24*time.Hour)
	return ttl
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, err
	}
	return d, nil
}
