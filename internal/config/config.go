package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the full runtime configuration. Values come from an optional YAML
// file (CONFIG_FILE) and can be overridden per-field via environment variables.
type Config struct {
	ServerPort    string `yaml:"server_port"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// MaxConcurrentTasks bounds simultaneous executions across the process.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// TickInterval is the scheduler poll period for due recurring tasks.
	TickInterval Duration `yaml:"tick_interval"`

	// WorkUnitDelay and WorkUnitTimeout configure the built-in simulated work
	// unit. The timeout is applied by the work unit itself, not the engine.
	WorkUnitDelay   Duration `yaml:"work_unit_delay"`
	WorkUnitTimeout Duration `yaml:"work_unit_timeout"`

	// WebhookURL receives a POST with the task record after every run.
	// Empty disables outcome notifications.
	WebhookURL       string  `yaml:"webhook_url"`
	NotifyRatePerSec float64 `yaml:"notify_rate_per_sec"`

	// StaleAfter is how long a task may sit in processing before the startup
	// reconciliation pass treats it as interrupted by a crash.
	StaleAfter Duration `yaml:"stale_after"`

	// HistoryLimit caps the per-task execution history kept in the store.
	HistoryLimit int `yaml:"history_limit"`

	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		ServerPort:         "8080",
		RedisAddr:          "localhost:6379",
		RedisDB:            0,
		MaxConcurrentTasks: 3,
		TickInterval:       Duration(time.Minute),
		WorkUnitDelay:      Duration(2 * time.Second),
		WorkUnitTimeout:    Duration(30 * time.Second),
		NotifyRatePerSec:   5,
		StaleAfter:         Duration(10 * time.Minute),
		HistoryLimit:       50,
		LogLevel:           "info",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.MaxConcurrentTasks = getEnvInt("MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks)
	cfg.TickInterval = getEnvDuration("TICK_INTERVAL", cfg.TickInterval)
	cfg.WorkUnitDelay = getEnvDuration("WORK_UNIT_DELAY", cfg.WorkUnitDelay)
	cfg.WorkUnitTimeout = getEnvDuration("WORK_UNIT_TIMEOUT", cfg.WorkUnitTimeout)
	cfg.WebhookURL = getEnv("WEBHOOK_URL", cfg.WebhookURL)
	cfg.StaleAfter = getEnvDuration("STALE_AFTER", cfg.StaleAfter)
	cfg.HistoryLimit = getEnvInt("HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", time.Duration(c.TickInterval))
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return fallback
}
