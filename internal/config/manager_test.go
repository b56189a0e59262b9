package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  min_delay: "2s"
logging:
  level: "DEBUG"
  console: true
scheduler:
  enabled: true
  interval: "15s"
storage:
  path: "./data.db"
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Interval != "15s" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "logging": {"level": "INFO", "console": true},
  "scheduler": {"enabled": true},
  "storage": {"path": "./data.db"}
}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "./data.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
schedulerr:
  enabled: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("unknown top-level key must be rejected")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("WHATSAPP_AGENT_URL", "http://127.0.0.1:9999")

	path := writeConfig(t, "config.yaml", `
telegram:
  token: "file-token"
storage:
  path: "./data.db"
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("env token did not win: %q", cfg.Telegram.Token)
	}
	if cfg.WhatsApp.AgentURL != "http://127.0.0.1:9999" {
		t.Fatalf("env agent url not applied: %q", cfg.WhatsApp.AgentURL)
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30s", 30 * time.Second, false},
		{" 5m ", 5 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q = %v, want %v", tc.raw, got, tc.want)
		}
	}

	if d, err := ParseDurationOrDefault("test.field", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default not applied: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("test.field", "10s", time.Minute); err != nil || d != 10*time.Second {
		t.Fatalf("explicit value lost: %v %v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	path := writeConfig(t, "config.yaml", `storage: {path: "./data.db"}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-sub:
		if got != cfg {
			t.Fatalf("wrong config delivered")
		}
	default:
		t.Fatalf("subscriber did not receive the update")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
}
