// Package config handles loading and validating mender configuration.
// Supports YAML config files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Validation errors.
var (
	ErrInvalidRetryBudget  = errors.New("engine.retry_budget must not be negative")
	ErrInvalidTaskTimeout  = errors.New("engine.task_timeout must not be negative")
	ErrInvalidMaxParallel  = errors.New("engine.max_parallel must not be negative")
	ErrInvalidLogLevel     = errors.New("logging.level must be debug, info, warn, or error")
	ErrInvalidLogFormat    = errors.New("logging.format must be json or text")
	ErrInvalidApprovalMode = errors.New("approval.mode must be auto or interactive")
	ErrInvalidCron         = errors.New("daemon.cron is not a valid cron expression")
	ErrDaemonWithoutPlan   = errors.New("daemon.cron requires daemon.plan")
)

// Config holds all mender configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Approval ApprovalConfig `mapstructure:"approval"`
}

// EngineConfig controls scheduling and repair.
type EngineConfig struct {
	RetryBudget int           `mapstructure:"retry_budget"` // corrective chains per root task
	TaskTimeout time.Duration `mapstructure:"task_timeout"` // per-task timeout (0 disables)
	MaxParallel int           `mapstructure:"max_parallel"` // concurrent tasks per step (0 = unbounded)
	Exec        string        `mapstructure:"exec"`         // worker command invoked per task
}

// StoreConfig locates the snapshot and run-history database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig mirrors the logging package configuration.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Path          string `mapstructure:"path"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DaemonConfig controls background operation.
type DaemonConfig struct {
	Cron  string `mapstructure:"cron"`  // schedule for unattended runs
	Plan  string `mapstructure:"plan"`  // plan file to execute
	Watch bool   `mapstructure:"watch"` // reload the plan file on change
}

// ApprovalConfig controls the step approval gate.
type ApprovalConfig struct {
	Mode string `mapstructure:"mode"` // auto or interactive
}

// GlobalConfigPath returns the default config file location.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mender", "config.yaml")
}

// DefaultDataDir returns the default directory for the database and logs.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "mender")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.retry_budget", 3)
	v.SetDefault("engine.task_timeout", "30m")
	v.SetDefault("engine.max_parallel", 0)
	v.SetDefault("engine.exec", "")
	v.SetDefault("store.path", filepath.Join(DefaultDataDir(), "mender.db"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", filepath.Join(DefaultDataDir(), "logs"))
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.retention_days", 7)
	v.SetDefault("daemon.cron", "")
	v.SetDefault("daemon.plan", "")
	v.SetDefault("daemon.watch", false)
	v.SetDefault("approval.mode", "auto")
}

// Load reads configuration from the given file (or the default locations
// when path is empty) and the MENDER_* environment, validates it, and
// returns the result. A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MENDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Dir(GlobalConfigPath()))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions and bad values.
func Validate(cfg *Config) error {
	if cfg.Engine.RetryBudget < 0 {
		return ErrInvalidRetryBudget
	}
	if cfg.Engine.TaskTimeout < 0 {
		return ErrInvalidTaskTimeout
	}
	if cfg.Engine.MaxParallel < 0 {
		return ErrInvalidMaxParallel
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Logging.Format {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}

	switch cfg.Approval.Mode {
	case "", "auto", "interactive":
	default:
		return ErrInvalidApprovalMode
	}

	if cfg.Daemon.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Daemon.Cron); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		if cfg.Daemon.Plan == "" {
			return ErrDaemonWithoutPlan
		}
	}

	return nil
}
