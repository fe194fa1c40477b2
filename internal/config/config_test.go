package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./slated.db
  busy_timeout: 5s
extraction:
  enabled: true
  chunk_bytes: 8192
resolver:
  enabled: true
  slot_step: 15m
  search_horizon: 72h
reminders:
  enabled: true
  poll_interval: 10s
  workers: 4
  max_attempts: 5
maintenance:
  sync_retry_spec: "@every 10m"
  job_retention: 240h
telegram:
  token: "123:abc"
  poll_timeout: 20s
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout.Or(0) != 5*time.Second {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Extraction.ChunkBytes != 8192 {
		t.Fatalf("extraction = %+v", cfg.Extraction)
	}
	if cfg.Resolver.SlotStep != "15m" || cfg.Resolver.SearchHorizon != "72h" {
		t.Fatalf("resolver = %+v", cfg.Resolver)
	}
	if cfg.Reminders.Workers != 4 || cfg.Reminders.MaxAttempts != 5 {
		t.Fatalf("reminders = %+v", cfg.Reminders)
	}
	if cfg.Maintenance.SyncRetrySpec != "@every 10m" {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info"}, "storage": {"driver": "memory"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "remindrs:\n  enabled: true\n")
	_, err := NewManager(path).Load()
	if err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("err = %v, want unknown-field rejection", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "reminders:\n  enabled: true\n  poll_interval: thirty seconds\n")
	_, err := NewManager(path).Load()
	if err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("err = %v, want a poll_interval error", err)
	}
}

func TestDurationParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     Duration
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "30s", want: 30 * time.Second},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "soon", wantErr: true},
		{raw: "-5s", wantErr: true},
	}
	for _, tt := range tests {
		got, err := tt.raw.Parse()
		if tt.wantErr {
			if err == nil {
				t.Fatalf("Parse(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	if got := Duration("").Or(45 * time.Second); got != 45*time.Second {
		t.Fatalf("unset field = %v, want the default", got)
	}
	if got := Duration("2m").Or(45 * time.Second); got != 2*time.Minute {
		t.Fatalf("set field = %v, want 2m", got)
	}
}
