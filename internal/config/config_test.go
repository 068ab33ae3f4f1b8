package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orderwatch/internal/prefs"
	"orderwatch/internal/schedule"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
watch:
  enabled: true
  cron: "*/30 * * * *"
  timezone: America/Chicago
  concurrency: 4
  channel_timeout: 30s
  source:
    url: https://portal.example.com/api/schedule
    token: secret
    timeout: 20s
digest:
  cron: "0 18 * * *"
dedup:
  default_window: 5m
  windows:
    email: 1h
  max_entries: 2000
  persist: true
storage:
  driver: sqlite
  path: ./orderwatch.db
  busy_timeout: 5s
email:
  host: smtp.example.com
  port: 587
  username: notify
  password: hunter2
  from: notify@example.com
push:
  app_token: app-token
  batch_delay: 500ms
telegram:
  token: 123:abc
users:
  - id: alice
    enabled: true
    stores: ["Hardware Depot"]
    muted_categories: [added]
    min_severity: info
    email:
      enabled: true
      frequency: digest
      address: alice@example.com
    push:
      enabled: true
      address: pushkey-alice
    dedup_cooldown:
      push: 10m
  - id: bob
    enabled: false
    telegram:
      enabled: true
      address: "42424242"
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !cfg.Watch.Enabled || cfg.Watch.Cron != "*/30 * * * *" {
		t.Fatalf("watch block: %+v", cfg.Watch)
	}
	if cfg.Watch.Source.URL != "https://portal.example.com/api/schedule" {
		t.Fatalf("source url: %q", cfg.Watch.Source.URL)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage block: %+v", cfg.Storage)
	}
	if len(cfg.Users) != 2 || cfg.Users[0].ID != "alice" {
		t.Fatalf("users: %+v", cfg.Users)
	}
	if cfg.Users[0].Email.Frequency != "digest" {
		t.Fatalf("alice email frequency: %q", cfg.Users[0].Email.Frequency)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML+"\nnotifier:\n  workers: 2\n"))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "notifier") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) *Config {
		m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
		cfg, err := m.Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	if err := Validate(base(t)); err != nil {
		t.Fatalf("sample config should validate: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing cron", func(c *Config) { c.Watch.Cron = "" }, "watch.cron"},
		{"missing source url", func(c *Config) { c.Watch.Source.URL = " " }, "watch.source.url"},
		{"bad duration", func(c *Config) { c.Dedup.DefaultWindow = "soon" }, "invalid duration"},
		{"bad dedup channel", func(c *Config) { c.Dedup.Windows = map[string]string{"fax": "5m"} }, "unknown channel"},
		{"duplicate user", func(c *Config) { c.Users[1].ID = "alice" }, "duplicate id"},
		{"bad severity", func(c *Config) { c.Users[0].MinSeverity = "fatal" }, "min_severity"},
		{"bad category", func(c *Config) { c.Users[0].MutedCategories = []string{"renamed"} }, "change category"},
		{"push digest", func(c *Config) { c.Users[0].Push.Frequency = "digest" }, "only supported for email"},
		{"email host without from", func(c *Config) { c.Email.From = "" }, "email.from"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base(t)
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildUsers(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	users := BuildUsers(cfg)
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2", len(users))
	}

	alice := users[0]
	if !alice.Enabled || alice.UserID != "alice" {
		t.Fatalf("alice: %+v", alice)
	}
	if alice.Email.Frequency != prefs.FrequencyDigest || alice.Email.Address != "alice@example.com" {
		t.Fatalf("alice email: %+v", alice.Email)
	}
	if alice.Push.Frequency != prefs.FrequencyImmediate {
		t.Fatalf("omitted frequency should default to immediate: %+v", alice.Push)
	}
	if len(alice.MutedCategories) != 1 || alice.MutedCategories[0] != schedule.KindAdded {
		t.Fatalf("alice muted: %v", alice.MutedCategories)
	}
	if alice.DedupCooldown[prefs.ChannelPush] != 10*time.Minute {
		t.Fatalf("alice cooldown: %v", alice.DedupCooldown)
	}

	bob := users[1]
	if bob.Enabled || !bob.Telegram.Enabled || bob.Telegram.Address != "42424242" {
		t.Fatalf("bob: %+v", bob)
	}
}

func TestBuildDedup(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dc := BuildDedup(cfg)
	if dc.DefaultWindow != 5*time.Minute {
		t.Fatalf("default window = %v", dc.DefaultWindow)
	}
	if dc.Windows[prefs.ChannelEmail] != time.Hour {
		t.Fatalf("email window = %v", dc.Windows[prefs.ChannelEmail])
	}
	// Push keeps its built-in default when not overridden.
	if dc.Windows[prefs.ChannelPush] != 5*time.Minute {
		t.Fatalf("push window = %v", dc.Windows[prefs.ChannelPush])
	}
}

func TestSummarizeConfigChangeRedactsSecrets(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "config.yaml", sampleYAML))
	oldCfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	newCfg := *oldCfg
	newTg := *oldCfg.Telegram
	newTg.Token = "456:rotated"
	newCfg.Telegram = &newTg
	newCfg.Logging.Level = "info"

	changed, attrs := SummarizeConfigChange(oldCfg, &newCfg)
	want := []string{"logging", "telegram"}
	if len(changed) != len(want) || changed[0] != want[0] || changed[1] != want[1] {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}
