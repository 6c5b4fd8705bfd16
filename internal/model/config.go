// Package model defines dispatchd's configuration and queue data structures.
package model

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Intake    LoopConfig      `yaml:"intake"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Pool      PoolConfig      `yaml:"pool"`
	Retry     RetryConfig     `yaml:"retry"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Targets   TargetsConfig   `yaml:"targets"`
}

type DaemonConfig struct {
	InstanceID      string  `yaml:"instance_id"`
	WakeDebounceSec float64 `yaml:"wake_debounce_sec"`
}

type LoopConfig struct {
	DelayMs     int `yaml:"delay_ms"`
	MaxCommands int `yaml:"max_commands"`
}

type ReconcileConfig struct {
	DelayMs        int `yaml:"delay_ms"`
	MaxCommands    int `yaml:"max_commands"`
	HoldTimeoutSec int `yaml:"hold_timeout_sec"`
}

type PoolConfig struct {
	Size             int `yaml:"size"`
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	MaxWaitMs  int `yaml:"max_wait_ms"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres, file
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type TargetsConfig struct {
	Enabled      []string           `yaml:"enabled"`
	Local        LocalConfig        `yaml:"local"`
	Docker       DockerConfig       `yaml:"docker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	HCloud       HCloudConfig       `yaml:"hcloud"`
}

type LocalConfig struct {
	Shell string `yaml:"shell"`
}

type DockerConfig struct {
	Host         string `yaml:"host"`
	DefaultImage string `yaml:"default_image"`
}

type OrchestratorConfig struct {
	Endpoint        string `yaml:"endpoint"`
	TokenServiceURL string `yaml:"token_service_url"`
	TimeoutSec      int    `yaml:"timeout_sec"`
}

type HCloudConfig struct {
	Token           string `yaml:"token"`
	Endpoint        string `yaml:"endpoint"`
	DefaultType     string `yaml:"default_server_type"`
	DefaultImage    string `yaml:"default_image"`
	DefaultLocation string `yaml:"default_location"`
}

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverMySQL    = "mysql"
	StoreDriverPostgres = "postgres"
	StoreDriverFile     = "file"
)

// unsetRetry marks retry fields absent from a config file. Zero is a valid
// value for both.
var unsetRetry = RetryConfig{MaxRetries: -1, MaxWaitMs: -1}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{Retry: unsetRetry}.WithDefaults()
}

// WithDefaults returns a copy with every unset field filled in.
func (c Config) WithDefaults() Config {
	if c.Daemon.WakeDebounceSec <= 0 {
		c.Daemon.WakeDebounceSec = 0.2
	}
	if c.Intake.DelayMs <= 0 {
		c.Intake.DelayMs = 4000
	}
	if c.Intake.MaxCommands <= 0 {
		c.Intake.MaxCommands = 5
	}
	if c.Reconcile.DelayMs <= 0 {
		c.Reconcile.DelayMs = 10000
	}
	if c.Reconcile.MaxCommands <= 0 {
		c.Reconcile.MaxCommands = 5
	}
	if c.Reconcile.HoldTimeoutSec <= 0 {
		c.Reconcile.HoldTimeoutSec = 600
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = 100
	}
	if c.Pool.ShutdownGraceSec <= 0 {
		c.Pool.ShutdownGraceSec = 20
	}
	// max_retries: 0 trashes on the first stall and max_wait_ms: 0 retries
	// as soon as possible, so only negative values are replaced.
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 5
	}
	if c.Retry.MaxWaitMs < 0 {
		c.Retry.MaxWaitMs = 1800000
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverSQLite
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 28
	}
	if c.Targets.Local.Shell == "" {
		c.Targets.Local.Shell = "/bin/sh"
	}
	if c.Targets.Docker.DefaultImage == "" {
		c.Targets.Docker.DefaultImage = "alpine:3"
	}
	if c.Targets.Orchestrator.TimeoutSec <= 0 {
		c.Targets.Orchestrator.TimeoutSec = 30
	}
	if c.Targets.HCloud.DefaultType == "" {
		c.Targets.HCloud.DefaultType = "cx22"
	}
	if c.Targets.HCloud.DefaultImage == "" {
		c.Targets.HCloud.DefaultImage = "ubuntu-24.04"
	}
	return c
}

// Validate rejects values that defaults cannot repair.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverSQLite, StoreDriverMySQL, StoreDriverPostgres, StoreDriverFile:
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if (c.Store.Driver == StoreDriverMySQL || c.Store.Driver == StoreDriverPostgres) && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn: required for driver %q", c.Store.Driver)
	}
	if c.Intake.MaxCommands < 0 || c.Reconcile.MaxCommands < 0 {
		return fmt.Errorf("max_commands must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.MaxWaitMs < 0 {
		return fmt.Errorf("retry.max_wait_ms must not be negative")
	}
	return nil
}

func (c Config) IntakeDelay() time.Duration {
	return time.Duration(c.Intake.DelayMs) * time.Millisecond
}

func (c Config) ReconcileDelay() time.Duration {
	return time.Duration(c.Reconcile.DelayMs) * time.Millisecond
}

func (c Config) MaxWait() time.Duration {
	return time.Duration(c.Retry.MaxWaitMs) * time.Millisecond
}

func (c Config) HoldTimeout() time.Duration {
	return time.Duration(c.Reconcile.HoldTimeoutSec) * time.Second
}

func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Pool.ShutdownGraceSec) * time.Second
}

// LoadConfig reads a YAML config file and applies defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Config{Retry: unsetRetry}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
