// Package config loads warden configuration from a JSONC file with
// environment overrides for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the full warden configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Sandbox SandboxConfig `json:"sandbox"`
	Store   StoreConfig   `json:"store"`
	Session SessionConfig `json:"session"`
	Cleanup CleanupConfig `json:"cleanup"`
	LogDir  string        `json:"log_dir"`
	LogJSON bool          `json:"log_json"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address         string  `json:"address"`
	RatePerMinute   float64 `json:"rate_per_minute"`
	RateBurst       int     `json:"rate_burst"`
	ShutdownTimeout int     `json:"shutdown_timeout_seconds"`
}

// SandboxConfig holds sandbox runtime settings
type SandboxConfig struct {
	Image  string `json:"image"`
	Memory string `json:"memory"`
	CPUs   int    `json:"cpus"`
}

// StoreConfig holds durable store settings
type StoreConfig struct {
	Path string `json:"path"`
}

// SessionConfig holds execution tuning knobs
type SessionConfig struct {
	ExecutionTimeoutSeconds int  `json:"execution_timeout_seconds"`
	InterruptGraceSeconds   int  `json:"interrupt_grace_seconds"`
	RetryMaxAttempts        int  `json:"retry_max_attempts"`
	RetryBaseDelayMS        int  `json:"retry_base_delay_ms"`
	ShallowClone            bool `json:"shallow_clone"`

	// GitToken is overridable via WARDEN_GIT_TOKEN
	GitToken string `json:"git_token"`
}

// CleanupConfig holds the cron sweep settings
type CleanupConfig struct {
	Schedule              string `json:"schedule"`
	StaleHeartbeatSeconds int    `json:"stale_heartbeat_seconds"`
	RetentionDays         int    `json:"retention_days"`
}

// Default returns the documented default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8420",
			RatePerMinute:   30,
			RateBurst:       10,
			ShutdownTimeout: 15,
		},
		Sandbox: SandboxConfig{
			Image:  "warden-sandbox:latest",
			Memory: "4G",
			CPUs:   2,
		},
		Store: StoreConfig{
			Path: "data/warden.db",
		},
		Session: SessionConfig{
			ExecutionTimeoutSeconds: 700,
			InterruptGraceSeconds:   5,
			RetryMaxAttempts:        3,
			RetryBaseDelayMS:        500,
			ShallowClone:            true,
		},
		Cleanup: CleanupConfig{
			Schedule:              "@every 5m",
			StaleHeartbeatSeconds: 120,
			RetentionDays:         30,
		},
		LogDir:  "logs",
		LogJSON: false,
	}
}

// Load reads warden.jsonc from configDir, applies defaults for missing
// fields, then env overrides for secrets. A missing file yields the
// defaults.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "warden.jsonc")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(StripJSONComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("WARDEN_GIT_TOKEN"); token != "" {
		cfg.Session.GitToken = token
	}
	if addr := os.Getenv("WARDEN_ADDRESS"); addr != "" {
		cfg.Server.Address = addr
	}
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Session.ExecutionTimeoutSeconds <= 0 {
		return fmt.Errorf("session.execution_timeout_seconds must be positive")
	}
	return nil
}

// ExecutionTimeout returns the wall-clock CLI limit as a duration
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Session.ExecutionTimeoutSeconds) * time.Second
}

// InterruptGrace returns the interrupt grace period as a duration
func (c *Config) InterruptGrace() time.Duration {
	return time.Duration(c.Session.InterruptGraceSeconds) * time.Second
}

// RetryBaseDelay returns the retry base delay as a duration
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Session.RetryBaseDelayMS) * time.Millisecond
}

// StaleHeartbeatCutoff returns the stale execution heartbeat age
func (c *Config) StaleHeartbeatCutoff() time.Duration {
	return time.Duration(c.Cleanup.StaleHeartbeatSeconds) * time.Second
}
