package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
server:
  http_port: 9000
  grpc_port: 9001
  auth:
    mode: apikey
    key_env: BEACON_KEY
  ws:
    write_timeout: 5s
    heartbeat: 20s
    queue_size: 32
status_source:
  url: "http://backup:8099/api/status"
  metrics_url: "http://backup:8099/metrics"
  timeout: 3s
updater:
  reporting_interval: 30s
  backup_stale: 1h
  long_term_stale: 12h
  max_refresh: 30m
  notify_for_stale_backups: false
  notify_delay: 10m
  backoff:
    base: 10s
    max: 2m
notifications:
  status_url: "http://homeassistant.local:8099"
  targets:
    - type: homeassistant
      url_env: HA_URL
      token_env: HA_TOKEN
`
	cfg := loadFromString(t, yaml)

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("http_port: got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort != 9001 {
		t.Errorf("grpc_port: got %d", cfg.Server.GRPCPort)
	}
	if cfg.Server.WS.QueueSize != 32 {
		t.Errorf("queue_size: got %d", cfg.Server.WS.QueueSize)
	}
	if cfg.StatusSource.MetricsURL != "http://backup:8099/metrics" {
		t.Errorf("metrics_url: got %q", cfg.StatusSource.MetricsURL)
	}
	if cfg.Updater.ReportingInterval != 30*time.Second {
		t.Errorf("reporting_interval: got %v", cfg.Updater.ReportingInterval)
	}
	if cfg.Updater.NotifyForStaleBackups {
		t.Error("notify_for_stale_backups: got true, want false")
	}
	if cfg.Updater.Backoff.Max != 2*time.Minute {
		t.Errorf("backoff.max: got %v", cfg.Updater.Backoff.Max)
	}
	if len(cfg.Notifications.Targets) != 1 || cfg.Notifications.Targets[0].Type != "homeassistant" {
		t.Errorf("targets: got %+v", cfg.Notifications.Targets)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "server: {}\n")

	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Server.GRPCPort != 0 {
		t.Errorf("grpc_port: got %d, want 0", cfg.Server.GRPCPort)
	}
	if cfg.Server.WS.Heartbeat != DefaultHeartbeat {
		t.Errorf("heartbeat: got %v", cfg.Server.WS.Heartbeat)
	}
	if cfg.StatusSource.URL != DefaultStatusURL {
		t.Errorf("status url: got %q", cfg.StatusSource.URL)
	}
	u := cfg.Updater
	if u.ReportingInterval != DefaultReportingInterval {
		t.Errorf("reporting_interval: got %v", u.ReportingInterval)
	}
	if u.BackupStale != 3*time.Hour {
		t.Errorf("backup_stale: got %v, want 3h", u.BackupStale)
	}
	if u.LongTermStale != 24*time.Hour {
		t.Errorf("long_term_stale: got %v, want 24h", u.LongTermStale)
	}
	if u.MaxRefresh != time.Hour {
		t.Errorf("max_refresh: got %v, want 1h", u.MaxRefresh)
	}
	if !u.NotifyForStaleBackups {
		t.Error("notify_for_stale_backups: got false, want true")
	}
	if u.Backoff.Base != time.Minute || u.Backoff.Max != 5*time.Minute {
		t.Errorf("backoff: got %+v, want 1m..5m", u.Backoff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"port out of range", "server:\n  http_port: 70000\n"},
		{"grpc port clash", "server:\n  http_port: 9000\n  grpc_port: 9000\n"},
		{"unknown auth mode", "server:\n  auth:\n    mode: magictoken\n"},
		{"empty status url", "status_source:\n  url: \"\"\n"},
		{"zero interval", "updater:\n  reporting_interval: 0s\n"},
		{"negative stale", "updater:\n  backup_stale: -1s\n"},
		{"backoff max below base", "updater:\n  backoff:\n    base: 1m\n    max: 10s\n"},
		{"unknown target", "notifications:\n  targets:\n    - type: pigeon\n      url_env: X\n"},
		{"target without url", "notifications:\n  targets:\n    - type: slack\n"},
		{"bad yaml", "server: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, tc.yaml); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAuthConfig_KeyAndHeader(t *testing.T) {
	t.Setenv("TEST_BEACON_KEY", "supersecret")
	a := AuthConfig{Mode: "apikey", KeyEnv: "TEST_BEACON_KEY"}
	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.EffectiveHeader(); got != "x-api-key" {
		t.Errorf("EffectiveHeader(): got %q", got)
	}
	if got := (AuthConfig{}).Key(); got != "" {
		t.Errorf("Key() with no KeyEnv: got %q", got)
	}
}

func TestTargetConfig_URLAndToken(t *testing.T) {
	t.Setenv("HA_URL", "http://supervisor/core")
	t.Setenv("HA_TOKEN", "tok")
	tc := TargetConfig{Type: "homeassistant", URLEnv: "HA_URL", TokenEnv: "HA_TOKEN"}
	if tc.URL() != "http://supervisor/core" {
		t.Errorf("URL(): got %q", tc.URL())
	}
	if tc.Token() != "tok" {
		t.Errorf("Token(): got %q", tc.Token())
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "updater:\n  reporting_interval: 10s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	replaceFile(t, path, "updater:\n  reporting_interval: 42s\n")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Updater.ReportingInterval == 42*time.Second {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Watch returned %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("onChange not called with the new interval")
		}
	}
}

func TestWatch_InvalidReloadIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "updater:\n  reporting_interval: 10s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go Watch(ctx, path, func(c *Config) { got <- c }) //nolint:errcheck

	time.Sleep(100 * time.Millisecond)
	replaceFile(t, path, "updater:\n  reporting_interval: 0s\n")

	select {
	case c := <-got:
		t.Fatalf("onChange called with invalid config: %+v", c.Updater)
	case <-time.After(300 * time.Millisecond):
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	return Load(path)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimLeft(content, "\n")), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
}

// replaceFile performs an atomic save: write a sibling temp file, rename it over path.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeFile(t, tmp, content)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}
