package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/shardctl/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadManagerConfig(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
session_root = "/var/lib/shardctl/sessions"
reconnect_delay = "10s"
settle_delay = "500ms"
retry_base_delay = "3s"
max_retries = 5
metrics_addr = ":9102"
`)
	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionRoot != "/var/lib/shardctl/sessions" {
		t.Fatalf("session root mismatch: %q", cfg.SessionRoot)
	}
	if cfg.ReconnectDelay.Std() != 10*time.Second || cfg.SettleDelay.Std() != 500*time.Millisecond {
		t.Fatalf("delay mismatch: %+v", cfg)
	}
	if cfg.MaxRetries != 5 || cfg.MetricsAddr != ":9102" {
		t.Fatalf("field mismatch: %+v", cfg)
	}
}

func TestLoadManagerConfigFillsDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `max_retries = 7`)
	cfg, err := LoadManagerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := DefaultManagerConfig()
	if cfg.SessionRoot != want.SessionRoot || cfg.ReconnectDelay != want.ReconnectDelay {
		t.Fatalf("absent fields should keep defaults: %+v", cfg)
	}
	if cfg.MaxRetries != 7 {
		t.Fatalf("present field should override: %d", cfg.MaxRetries)
	}
}

func TestLoadManagerConfigMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadManagerConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadManagerConfigBadToml(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `session_root = [broken`)
	if _, err := LoadManagerConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadManagerConfigBadDuration(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `reconnect_delay = "soon"`)
	if _, err := LoadManagerConfig(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidateManagerConfig(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		mutate func(*ManagerConfig)
	}{
		{"empty session root", func(c *ManagerConfig) { c.SessionRoot = "  " }},
		{"negative delay", func(c *ManagerConfig) { c.ReconnectDelay = duration(-time.Second) }},
		{"negative retries", func(c *ManagerConfig) { c.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		cfg := DefaultManagerConfig()
		tc.mutate(&cfg)
		if err := ValidateManagerConfig(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
	if err := ValidateManagerConfig(DefaultManagerConfig()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
