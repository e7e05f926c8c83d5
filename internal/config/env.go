package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays JARVIS_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("JARVIS_QUEUE"); v != "" {
		cfg.QueueTarget = v
	}
	if v := os.Getenv("JARVIS_TASK_TYPES"); v != "" {
		parts := strings.Split(v, ",")
		cfg.TaskTypes = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.TaskTypes = append(cfg.TaskTypes, p)
			}
		}
	}
	if v := os.Getenv("JARVIS_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("JARVIS_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseSeconds = n
		}
	}
	if v := os.Getenv("JARVIS_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryDelaySeconds = n
		}
	}
	if v := os.Getenv("JARVIS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("JARVIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JARVIS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
