package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full on-disk configuration (YAML or JSON). Unknown fields are
// rejected at decode time so typos surface on reload instead of being
// silently ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig             `json:"logging"`
	Storage   StorageConfig             `json:"storage"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Monitor   MonitorConfig             `json:"monitor"`
	Responder ResponderConfig           `json:"responder"`
	AI        AIConfig                  `json:"ai"`
	Notify    *NotifyConfig             `json:"notify,omitempty"`
	Pprof     PprofConfig               `json:"pprof,omitempty"`
	Platforms map[string]PlatformConfig `json:"platforms"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver: "sqlite" (default), "postgres" or "memory".
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone used to resolve natural-language time expressions
	// ("tomorrow at 9am"). Defaults to the host timezone.
	Timezone string `json:"timezone,omitempty"`

	TickInterval  string `json:"tick_interval,omitempty"`
	BatchLimit    int    `json:"batch_limit,omitempty"`
	GraceWindow   string `json:"grace_window,omitempty"`
	StaleAfter    string `json:"stale_after,omitempty"`
	ReclaimPeriod string `json:"reclaim_period,omitempty"`

	// Dispatch fan-out.
	CallTimeout string `json:"call_timeout,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`

	Retry RetryConfig `json:"retry,omitempty"`
}

type RetryConfig struct {
	Base        string `json:"base,omitempty"`
	Max         string `json:"max,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type MonitorConfig struct {
	Enabled       bool   `json:"enabled"`
	PollInterval  string `json:"poll_interval,omitempty"`
	RetryInterval string `json:"retry_interval,omitempty"`
	RetryBatch    int    `json:"retry_batch,omitempty"`
}

type ResponderConfig struct {
	MaxPasses   int    `json:"max_passes,omitempty"`
	CallTimeout string `json:"call_timeout,omitempty"`
	ClaimTTL    string `json:"claim_ttl,omitempty"`
}

type AIConfig struct {
	// Provider: "gemini" or "static" (rule-based, no network).
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// NotifyConfig controls operator alerts over Telegram. Nil means disabled.
type NotifyConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
}

type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// PlatformConfig configures one publishing target.
type PlatformConfig struct {
	Enabled bool `json:"enabled"`
	// Mode: "dryrun" logs instead of calling the platform API. Real adapter
	// modes carry their credentials here.
	Mode       string `json:"mode,omitempty"`
	Token      string `json:"token,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

var knownPlatforms = map[string]bool{
	"linkedin": true,
	"twitter":  true,
	"devto":    true,
}

// Validate checks cross-field constraints that the strict decoder cannot.
// It is also the hot-reload gate: a config that fails here is rejected
// without touching the running services.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	case "postgres", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	durations := map[string]string{
		"storage.busy_timeout":     c.Storage.BusyTimeout,
		"scheduler.tick_interval":  c.Scheduler.TickInterval,
		"scheduler.grace_window":   c.Scheduler.GraceWindow,
		"scheduler.stale_after":    c.Scheduler.StaleAfter,
		"scheduler.reclaim_period": c.Scheduler.ReclaimPeriod,
		"scheduler.call_timeout":   c.Scheduler.CallTimeout,
		"scheduler.retry.base":     c.Scheduler.Retry.Base,
		"scheduler.retry.max":      c.Scheduler.Retry.Max,
		"monitor.poll_interval":    c.Monitor.PollInterval,
		"monitor.retry_interval":   c.Monitor.RetryInterval,
		"responder.call_timeout":   c.Responder.CallTimeout,
		"responder.claim_ttl":      c.Responder.ClaimTTL,
		"pprof.read_timeout":       c.Pprof.ReadTimeout,
		"pprof.write_timeout":      c.Pprof.WriteTimeout,
		"pprof.idle_timeout":       c.Pprof.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Notify != nil {
		if _, err := ParseDurationField("notify.dedup_window", c.Notify.DedupWindow); err != nil {
			return err
		}
		if c.Notify.Enabled {
			if strings.TrimSpace(c.Notify.Token) == "" {
				return errors.New("notify.token is required when notify is enabled")
			}
			if c.Notify.ChatID == 0 {
				return errors.New("notify.chat_id is required when notify is enabled")
			}
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.AI.Provider)) {
	case "", "static":
	case "gemini":
		if strings.TrimSpace(c.AI.APIKey) == "" {
			return errors.New("ai.api_key is required for the gemini provider")
		}
	default:
		return fmt.Errorf("ai.provider: unknown provider %q", c.AI.Provider)
	}

	enabled := 0
	for name, pc := range c.Platforms {
		if !knownPlatforms[strings.ToLower(strings.TrimSpace(name))] {
			return fmt.Errorf("platforms.%s: unknown platform", name)
		}
		if !pc.Enabled {
			continue
		}
		enabled++
		mode := strings.ToLower(strings.TrimSpace(pc.Mode))
		if mode != "" && mode != "dryrun" {
			return fmt.Errorf("platforms.%s.mode: unknown mode %q", name, pc.Mode)
		}
	}
	if enabled == 0 {
		return errors.New("platforms: at least one platform must be enabled")
	}

	return nil
}
