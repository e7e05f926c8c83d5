package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the top-level configuration loaded from file/env. QueueTarget
// is the single connection string threaded through every producer and the
// worker pool: a redis:// URI selects the Redis backend, anything else is a
// SQLite database path.
type Config struct {
	QueueTarget         string   `json:"queueTarget"`
	TaskTypes           []string `json:"taskTypes"`
	PollIntervalSeconds int      `json:"pollIntervalSeconds"`
	LeaseSeconds        int      `json:"leaseSeconds"`
	RetryDelaySeconds   int      `json:"retryDelaySeconds"`
	MaxAttempts         int      `json:"maxAttempts"`
	LogLevel            string   `json:"logLevel"`
	LogFormat           string   `json:"logFormat"`
}

// Default returns built-in defaults matching the ingestion pipeline's
// historical settings.
func Default() Config {
	return Config{
		QueueTarget:         filepath.Join("data", "messages.db"),
		PollIntervalSeconds: 5,
		LeaseSeconds:        300,
		RetryDelaySeconds:   300,
		MaxAttempts:         5,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
