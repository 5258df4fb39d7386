// Package config loads server and worker configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the orchestration service.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Watchdog WatchdogConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	KeyPrefix string
}

type WorkerConfig struct {
	JobConcurrency  int
	TaskConcurrency int
}

type WatchdogConfig struct {
	Enabled       bool
	TaskTimeout   time.Duration
	JobTimeout    time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns a descriptive error if any required value is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GEOETL_PORT", 8080),
			Env:  envString("GEOETL_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			KeyPrefix: envString("REDIS_KEY_PREFIX", "geoetl"),
		},
		Worker: WorkerConfig{
			JobConcurrency:  envInt("WORKER_JOB_CONCURRENCY", 2),
			TaskConcurrency: envInt("WORKER_TASK_CONCURRENCY", 10),
		},
		Watchdog: WatchdogConfig{
			Enabled:       envBool("WATCHDOG_ENABLED", true),
			TaskTimeout:   envDuration("WATCHDOG_TASK_TIMEOUT", 30*time.Minute),
			JobTimeout:    envDuration("WATCHDOG_JOB_TIMEOUT", 2*time.Hour),
			SweepInterval: envDuration("WATCHDOG_SWEEP_INTERVAL", time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Worker.JobConcurrency < 1 {
		return fmt.Errorf("WORKER_JOB_CONCURRENCY must be at least 1, got %d", c.Worker.JobConcurrency)
	}
	if c.Worker.TaskConcurrency < 1 {
		return fmt.Errorf("WORKER_TASK_CONCURRENCY must be at least 1, got %d", c.Worker.TaskConcurrency)
	}

	if c.Watchdog.TaskTimeout <= 0 {
		return fmt.Errorf("WATCHDOG_TASK_TIMEOUT must be positive, got %s", c.Watchdog.TaskTimeout)
	}
	if c.Watchdog.JobTimeout <= 0 {
		return fmt.Errorf("WATCHDOG_JOB_TIMEOUT must be positive, got %s", c.Watchdog.JobTimeout)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
