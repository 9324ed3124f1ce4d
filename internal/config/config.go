// Package config loads and validates the process configuration from
// file, environment and CLI flags.
package config

import (
	"time"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// Config is the full process configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	API      APIConfig      `mapstructure:"api"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // auto, text, json
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig configures the broker connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GatewayConfig configures the AI model gateway.
type GatewayConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	DefaultKey string        `mapstructure:"default_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ScriptPath string        `mapstructure:"script_path"` // non-empty switches to the scripted agent
}

// WorkflowConfig mirrors the per-run knobs. Values here are the
// process defaults; individual runs may override them at start.
type WorkflowConfig struct {
	SkipValidation       bool          `mapstructure:"skip_validation"`
	SkipHumanReview      bool          `mapstructure:"skip_human_review"`
	MaxValidationRetries int           `mapstructure:"max_validation_retries"`
	ContentConcurrency   int           `mapstructure:"content_concurrency"`
	BatchSize            int           `mapstructure:"batch_size"`
	FailureAbortRatio    float64       `mapstructure:"failure_abort_ratio"`
	MinKeyQuota          int           `mapstructure:"min_key_quota"`
	UnitTimeout          time.Duration `mapstructure:"unit_timeout"`
	JobSoftTimeout       time.Duration `mapstructure:"job_soft_timeout"`
	JobHardTimeout       time.Duration `mapstructure:"job_hard_timeout"`
}

// WorkerConfig configures the consuming pool.
type WorkerConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RevokePollEvery   time.Duration `mapstructure:"revoke_poll_every"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RunConfig projects the process defaults into a per-run workflow
// configuration.
func (c *Config) RunConfig() core.WorkflowConfig {
	return core.WorkflowConfig{
		SkipValidation:       c.Workflow.SkipValidation,
		SkipHumanReview:      c.Workflow.SkipHumanReview,
		MaxValidationRetries: c.Workflow.MaxValidationRetries,
		ContentConcurrency:   c.Workflow.ContentConcurrency,
		BatchSize:            c.Workflow.BatchSize,
		FailureAbortRatio:    c.Workflow.FailureAbortRatio,
		MinKeyQuota:          c.Workflow.MinKeyQuota,
		UnitTimeout:          c.Workflow.UnitTimeout,
		JobSoftTimeout:       c.Workflow.JobSoftTimeout,
		JobHardTimeout:       c.Workflow.JobHardTimeout,
	}
}
