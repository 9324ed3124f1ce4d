package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "ATLASFORGE",
	}
}

// NewLoaderWithViper creates a loader using an existing viper
// instance. This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "ATLASFORGE",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (ATLASFORGE_*)
// 3. Project config (.atlasforge.yaml in current directory)
// 4. User config (~/.config/atlasforge/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".atlasforge")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "atlasforge"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("store.path", defaultStorePath())

	l.v.SetDefault("redis.addr", "localhost:6379")
	l.v.SetDefault("redis.db", 0)

	l.v.SetDefault("gateway.base_url", "http://localhost:8090")
	l.v.SetDefault("gateway.model", "")
	l.v.SetDefault("gateway.timeout", "5m")

	l.v.SetDefault("workflow.max_validation_retries", 3)
	l.v.SetDefault("workflow.content_concurrency", 30)
	l.v.SetDefault("workflow.batch_size", 10)
	l.v.SetDefault("workflow.failure_abort_ratio", 0.5)
	l.v.SetDefault("workflow.min_key_quota", 10)
	l.v.SetDefault("workflow.unit_timeout", "5m")
	l.v.SetDefault("workflow.job_soft_timeout", "25m")
	l.v.SetDefault("workflow.job_hard_timeout", "30m")

	l.v.SetDefault("worker.pool_size", 2)
	l.v.SetDefault("worker.heartbeat_interval", "30s")
	l.v.SetDefault("worker.revoke_poll_every", "5s")

	l.v.SetDefault("api.addr", ":8080")
	l.v.SetDefault("api.allowed_origins", []string{"*"})
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atlasforge/state.db"
	}
	return filepath.Join(home, ".local", "share", "atlasforge", "state.db")
}
