package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func validConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Platforms: map[string]PlatformConfig{
			"linkedin": {Enabled: true, Mode: "dryrun"},
		},
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/test.db
scheduler:
  timezone: UTC
  tick_interval: 10s
platforms:
  linkedin:
    enabled: true
  twitter:
    enabled: true
    rate_per_sec: 2
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Scheduler.TickInterval != "10s" {
		t.Errorf("scheduler.tick_interval = %q, want 10s", cfg.Scheduler.TickInterval)
	}
	if got := cfg.Platforms["twitter"].RatePerSec; got != 2 {
		t.Errorf("twitter rate_per_sec = %d, want 2", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
logging:
  level: info
  verbosity: high
platforms:
  linkedin:
    enabled: true
`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err == nil {
		t.Fatal("Load accepted a config with an unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "oracle" },
			wantErr: "storage.driver",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" },
			wantErr: "scheduler.timezone",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Scheduler.TickInterval = "soon" },
			wantErr: "scheduler.tick_interval",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Monitor.PollInterval = "-5m" },
			wantErr: "monitor.poll_interval",
		},
		{
			name:    "gemini without key",
			mutate:  func(c *Config) { c.AI.Provider = "gemini" },
			wantErr: "ai.api_key",
		},
		{
			name:    "unknown platform",
			mutate:  func(c *Config) { c.Platforms["myspace"] = PlatformConfig{Enabled: true} },
			wantErr: "unknown platform",
		},
		{
			name: "no platform enabled",
			mutate: func(c *Config) {
				c.Platforms = map[string]PlatformConfig{"linkedin": {Enabled: false}}
			},
			wantErr: "at least one platform",
		},
		{
			name: "notify enabled without token",
			mutate: func(c *Config) {
				c.Notify = &NotifyConfig{Enabled: true, ChatID: 42}
			},
			wantErr: "notify.token",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := validConfig()
	newCfg := validConfig()
	newCfg.Logging.Level = "debug"
	newCfg.AI = AIConfig{Provider: "gemini", APIKey: "secret", Model: "gemini-2.5-flash"}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"ai", "logging"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(attrs) == 0 {
		t.Error("expected structured attrs for changed sections")
	}
}

func TestSummarizeConfigChangeNoop(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	changed, _ := SummarizeConfigChange(cfg, validConfig())
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}
