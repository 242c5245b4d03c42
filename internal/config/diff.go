package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, API keys, DSNs) are never
// logged; only their presence is.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.Int("scheduler.retry.max_attempts", newCfg.Scheduler.Retry.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.poll_interval", strings.TrimSpace(newCfg.Monitor.PollInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Responder, newCfg.Responder) {
		changed = append(changed, "responder")
		attrs = append(attrs, logx.Int("responder.max_passes", newCfg.Responder.MaxPasses))
	}

	if !reflect.DeepEqual(oldCfg.AI, newCfg.AI) {
		changed = append(changed, "ai")
		attrs = append(attrs,
			logx.String("ai.provider", strings.TrimSpace(newCfg.AI.Provider)),
			logx.String("ai.model", strings.TrimSpace(newCfg.AI.Model)),
			logx.Bool("ai.api_key_set", strings.TrimSpace(newCfg.AI.APIKey) != ""),
		)
	}

	oldN, newN := oldCfg.Notify, newCfg.Notify
	if (oldN == nil) != (newN == nil) || (oldN != nil && newN != nil && !reflect.DeepEqual(*oldN, *newN)) {
		changed = append(changed, "notify")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notify.enabled", newN.Enabled),
				logx.Bool("notify.token_set", strings.TrimSpace(newN.Token) != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if platformsChanged(oldCfg.Platforms, newCfg.Platforms) {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.Int("platforms.enabled_count", countEnabledPlatforms(newCfg.Platforms)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func platformsChanged(oldM, newM map[string]PlatformConfig) bool {
	if len(oldM) != len(newM) {
		return true
	}
	for name, o := range oldM {
		n, ok := newM[name]
		if !ok || o != n {
			return true
		}
	}
	return false
}

func countEnabledPlatforms(m map[string]PlatformConfig) int {
	n := 0
	for _, pc := range m {
		if pc.Enabled {
			n++
		}
	}
	return n
}
