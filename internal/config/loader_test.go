package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no comments",
			input:    `{"key": "value"}`,
			expected: `{"key": "value"}`,
		},
		{
			name:     "line comment",
			input:    "{\n// comment\n\"key\": 1\n}",
			expected: "{\n\n\"key\": 1\n}",
		},
		{
			name:     "block comment",
			input:    `{"key": /* inline */ 1}`,
			expected: `{"key":  1}`,
		},
		{
			name:     "slashes inside string preserved",
			input:    `{"url": "https://example.com"}`,
			expected: `{"url": "https://example.com"}`,
		},
		{
			name:     "comment after value",
			input:    "{\"a\": 1 // trailing\n}",
			expected: "{\"a\": 1 \n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":8420" {
		t.Errorf("default address = %q", cfg.Server.Address)
	}
	if cfg.Session.ExecutionTimeoutSeconds != 700 {
		t.Errorf("default timeout = %d", cfg.Session.ExecutionTimeoutSeconds)
	}
	if !cfg.Session.ShallowClone {
		t.Error("shallow clone should default on")
	}
	if cfg.Cleanup.Schedule != "@every 5m" {
		t.Errorf("default schedule = %q", cfg.Cleanup.Schedule)
	}
}

func TestLoadJSONCWithPartialOverrides(t *testing.T) {
	dir := t.TempDir()
	content := `{
	// local development settings
	"server": {
		"address": ":9000",
		"rate_per_minute": 30,
		"rate_burst": 10,
		"shutdown_timeout_seconds": 15
	},
	"session": {
		"execution_timeout_seconds": 120, /* short runs */
		"interrupt_grace_seconds": 5,
		"retry_max_attempts": 3,
		"retry_base_delay_ms": 500,
		"shallow_clone": true
	}
}`
	if err := os.WriteFile(filepath.Join(dir, "warden.jsonc"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("address override lost: %q", cfg.Server.Address)
	}
	if cfg.ExecutionTimeout() != 120*time.Second {
		t.Errorf("timeout override lost: %v", cfg.ExecutionTimeout())
	}
	// Sections absent from the file keep their defaults
	if cfg.Store.Path != "data/warden.db" {
		t.Errorf("store default lost: %q", cfg.Store.Path)
	}
	if cfg.Sandbox.Image != "warden-sandbox:latest" {
		t.Errorf("sandbox default lost: %q", cfg.Sandbox.Image)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_GIT_TOKEN", "env-token")
	t.Setenv("WARDEN_ADDRESS", ":7777")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Session.GitToken != "env-token" {
		t.Errorf("git token override lost: %q", cfg.Session.GitToken)
	}
	if cfg.Server.Address != ":7777" {
		t.Errorf("address override lost: %q", cfg.Server.Address)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	content := `{"session": {"execution_timeout_seconds": 0}}`
	if err := os.WriteFile(filepath.Join(dir, "warden.jsonc"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("zero execution timeout must be rejected")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.InterruptGrace() != 5*time.Second {
		t.Errorf("interrupt grace = %v", cfg.InterruptGrace())
	}
	if cfg.RetryBaseDelay() != 500*time.Millisecond {
		t.Errorf("retry base delay = %v", cfg.RetryBaseDelay())
	}
	if cfg.StaleHeartbeatCutoff() != 120*time.Second {
		t.Errorf("stale heartbeat cutoff = %v", cfg.StaleHeartbeatCutoff())
	}
}
