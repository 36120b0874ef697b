package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadConfigFromFile(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "policygate.yaml")
	content := `
store:
  backend: sqlite
  sqlite_path: /tmp/policygate.db
decision_log:
  channel_size: 50
  flush_interval: 250ms
seed:
  enabled: true
  template: GDPR_COMPLIANCE
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/tmp/policygate.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.DecisionLog.ChannelSize != 50 {
		t.Errorf("channel_size = %d", cfg.DecisionLog.ChannelSize)
	}
	if cfg.DecisionLog.FlushInterval != 250*time.Millisecond {
		t.Errorf("flush_interval = %v", cfg.DecisionLog.FlushInterval)
	}
	// Unset fields still pick up defaults.
	if cfg.DecisionLog.BatchSize != 100 || cfg.Cache.Size != 1000 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if !cfg.Seed.Enabled || cfg.Seed.Template != "GDPR_COMPLIANCE" {
		t.Errorf("seed = %+v", cfg.Seed)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", ConfigFileUsed(), path)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	resetViper(t)

	// Point at a directory with no config file.
	t.Chdir(t.TempDir())
	InitViper("")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.LogLevel != "info" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	resetViper(t)

	t.Setenv("POLICYGATE_STORE_BACKEND", "sqlite")
	t.Setenv("POLICYGATE_STORE_SQLITE_PATH", "/tmp/env.db")
	t.Setenv("POLICYGATE_LOG_LEVEL", "warn")

	t.Chdir(t.TempDir())
	InitViper("")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.SQLitePath != "/tmp/env.db" {
		t.Errorf("env override not applied: %+v", cfg.Store)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "policygate.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: postgres\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	InitViper(path)
	if _, err := LoadConfig(); err == nil {
		t.Error("expected validation error for unknown backend")
	}
}
