package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.Connect.Timeout != 10*time.Second {
		t.Errorf("Connect.Timeout = %v, want 10s", cfg.Connect.Timeout)
	}
	if cfg.Connect.RetryDelay != time.Second {
		t.Errorf("Connect.RetryDelay = %v, want 1s", cfg.Connect.RetryDelay)
	}
	if cfg.Connect.MaxRetries != 10 {
		t.Errorf("Connect.MaxRetries = %d, want 10", cfg.Connect.MaxRetries)
	}
	if cfg.Spawn.MapBy != "slot" {
		t.Errorf("Spawn.MapBy = %q, want %q", cfg.Spawn.MapBy, "slot")
	}
	if !cfg.Spawn.ForwardEnv {
		t.Error("Spawn.ForwardEnv = false, want true")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
temp_dir: /var/tmp/shim
connect:
  timeout: 30s
  max_retries: 3
spawn:
  map_by: node
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.TempDir != "/var/tmp/shim" {
		t.Errorf("TempDir = %q, want %q", cfg.TempDir, "/var/tmp/shim")
	}
	if cfg.Connect.Timeout != 30*time.Second {
		t.Errorf("Connect.Timeout = %v, want 30s", cfg.Connect.Timeout)
	}
	if cfg.Connect.MaxRetries != 3 {
		t.Errorf("Connect.MaxRetries = %d, want 3", cfg.Connect.MaxRetries)
	}
	if cfg.Spawn.MapBy != "node" {
		t.Errorf("Spawn.MapBy = %q, want %q", cfg.Spawn.MapBy, "node")
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Connect.RetryDelay != time.Second {
		t.Errorf("Connect.RetryDelay = %v, want default 1s", cfg.Connect.RetryDelay)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default %q", cfg.Log.Level, "info")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}
