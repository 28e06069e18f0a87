package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.Version != "1" {
		t.Errorf("Expected version '1', got '%s'", cfg.Version)
	}
	if cfg.Owner != "default" {
		t.Errorf("Expected owner 'default', got '%s'", cfg.Owner)
	}
	if cfg.Remote.PollIntervalSeconds != 2 {
		t.Errorf("Expected poll interval 2, got %d", cfg.Remote.PollIntervalSeconds)
	}
	if cfg.Net.IntervalSeconds != 5 {
		t.Errorf("Expected probe interval 5, got %d", cfg.Net.IntervalSeconds)
	}
	if !cfg.Import.Watch {
		t.Error("Expected import watching enabled by default")
	}
	if cfg.Dashboard.Enabled {
		t.Error("Expected dashboard disabled by default")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Owner != "default" {
		t.Errorf("Expected defaults, got owner '%s'", cfg.Owner)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
owner: maja
remote:
  url: "libsql://tasks.example.io?authToken=x"
  poll_interval_seconds: 7
dashboard:
  enabled: true
  port: 9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Owner != "maja" {
		t.Errorf("Expected owner 'maja', got '%s'", cfg.Owner)
	}
	if cfg.Remote.PollIntervalSeconds != 7 {
		t.Errorf("Expected poll interval 7, got %d", cfg.Remote.PollIntervalSeconds)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Port != 9000 {
		t.Errorf("Expected dashboard on port 9000, got %+v", cfg.Dashboard)
	}
	// Unset fields keep their defaults.
	if cfg.Net.IntervalSeconds != 5 {
		t.Errorf("Expected default probe interval, got %d", cfg.Net.IntervalSeconds)
	}
}

func TestEnvOverridesWithoutConfigFile(t *testing.T) {
	// No t.Parallel: t.Setenv mutates process state.
	t.Setenv("STUDYSYNC_OWNER", "env-user")
	t.Setenv("STUDYSYNC_DASHBOARD_PORT", "9100")
	t.Setenv("STUDYSYNC_REMOTE_POLL_INTERVAL_SECONDS", "11")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Owner != "env-user" {
		t.Errorf("Expected env owner 'env-user', got '%s'", cfg.Owner)
	}
	if cfg.Dashboard.Port != 9100 {
		t.Errorf("Expected env dashboard port 9100, got %d", cfg.Dashboard.Port)
	}
	if cfg.Remote.PollIntervalSeconds != 11 {
		t.Errorf("Expected env poll interval 11, got %d", cfg.Remote.PollIntervalSeconds)
	}
	// Keys without an override keep their defaults.
	if cfg.Net.IntervalSeconds != 5 {
		t.Errorf("Expected default probe interval, got %d", cfg.Net.IntervalSeconds)
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
owner: maja
dashboard:
  port: 9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("STUDYSYNC_OWNER", "env-user")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Owner != "env-user" {
		t.Errorf("Environment must take precedence over the file, got owner '%s'", cfg.Owner)
	}
	// File values without an env override still apply.
	if cfg.Dashboard.Port != 9000 {
		t.Errorf("Expected file dashboard port 9000, got %d", cfg.Dashboard.Port)
	}
}

func TestProbeAddrDerivedFromRemoteURL(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
remote:
  url: "libsql://tasks.example.io"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Net.ProbeAddr != "tasks.example.io:443" {
		t.Errorf("Expected derived probe addr, got '%s'", cfg.Net.ProbeAddr)
	}
}

func TestImportDirFallsBackToDataDir(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := filepath.Join(cfg.DataDir, "imports")
	if cfg.Import.Dir != want {
		t.Errorf("Expected import dir '%s', got '%s'", want, cfg.Import.Dir)
	}
}

func TestMalformedConfigFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("owner: [unclosed"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Expected an error for malformed YAML")
	}
}

func TestWriteDefault(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written default failed: %v", err)
	}
	if cfg.Owner != "default" || cfg.Dashboard.Port != 8090 {
		t.Errorf("Written default did not round-trip: %+v", cfg)
	}
}
