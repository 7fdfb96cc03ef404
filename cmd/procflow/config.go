package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all procflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	UserTaskPoll    string `json:"user_task_poll"`
	UserTaskTimeout string `json:"user_task_timeout"`
	ScriptTimeout   string `json:"script_timeout"`
	InvokeTimeout   string `json:"invoke_timeout"`
	Scheduler       bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(procflowDir(), "procflow.db"),
		LogLevel:  "info",
		PoolSize:  10,
		Scheduler: true,
	}
}

func procflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procflow"
	}
	return filepath.Join(home, ".procflow")
}

func settingsPath() string {
	return filepath.Join(procflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PROCFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROCFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROCFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("PROCFLOW_USER_TASK_POLL"); v != "" {
		cfg.UserTaskPoll = v
	}
	if v := os.Getenv("PROCFLOW_USER_TASK_TIMEOUT"); v != "" {
		cfg.UserTaskTimeout = v
	}
	if v := os.Getenv("PROCFLOW_SCRIPT_TIMEOUT"); v != "" {
		cfg.ScriptTimeout = v
	}
	if v := os.Getenv("PROCFLOW_INVOKE_TIMEOUT"); v != "" {
		cfg.InvokeTimeout = v
	}
	if v := os.Getenv("PROCFLOW_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back to def on empty or
// malformed values.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
