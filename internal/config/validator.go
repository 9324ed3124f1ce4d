package config

import (
	"fmt"
	"strings"
)

// Validate checks configuration invariants before the process starts.
// It collects every problem instead of stopping at the first.
func Validate(cfg *Config) error {
	var problems []string

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "auto", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of auto, text, json", cfg.Log.Format))
	}

	if cfg.Store.Path == "" {
		problems = append(problems, "store.path cannot be empty")
	}
	if cfg.Redis.Addr == "" {
		problems = append(problems, "redis.addr cannot be empty")
	}
	if cfg.Gateway.BaseURL == "" && cfg.Gateway.ScriptPath == "" {
		problems = append(problems, "one of gateway.base_url or gateway.script_path must be set")
	}

	if err := cfg.RunConfig().Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if cfg.Worker.PoolSize < 1 {
		problems = append(problems, "worker.pool_size must be at least 1")
	}
	if cfg.Worker.HeartbeatInterval <= 0 {
		problems = append(problems, "worker.heartbeat_interval must be positive")
	}
	if cfg.API.Addr == "" {
		problems = append(problems, "api.addr cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
