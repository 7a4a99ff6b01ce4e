package config

import (
	"sort"
	"strings"

	logx "dripsend/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// structured attrs describing the new values, for the reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.gateway_enabled", newCfg.Logging.Gateway.Enabled),
			logx.String("logging.gateway_min_level", newCfg.Logging.Gateway.MinLevel),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.cache_ttl", strings.TrimSpace(newCfg.Store.CacheTTL)),
		)
	}

	if oldCfg.Limits != newCfg.Limits {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int("limits.global_daily", newCfg.Limits.GlobalDaily),
			logx.Int("limits.campaign_daily", newCfg.Limits.CampaignDaily),
			logx.Int("limits.per_second", newCfg.Limits.PerSecond),
			logx.Int("limits.per_minute", newCfg.Limits.PerMinute),
			logx.Int("limits.per_hour", newCfg.Limits.PerHour),
			logx.String("limits.domain_cooldown", strings.TrimSpace(newCfg.Limits.DomainCooldown)),
			logx.Int("limits.failure_threshold", newCfg.Limits.FailureThreshold),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.batch_default", newCfg.Dispatch.BatchDefault),
			logx.Int("dispatch.batch_max", newCfg.Dispatch.BatchMax),
			logx.String("dispatch.delay_default", strings.TrimSpace(newCfg.Dispatch.DelayDefault)),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
			logx.String("dispatch.send_timeout", strings.TrimSpace(newCfg.Dispatch.SendTimeout)),
			logx.Bool("dispatch.adaptive", newCfg.Dispatch.AdaptiveThrottling),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.tick", strings.TrimSpace(newCfg.Scheduler.Tick)),
			logx.Int("scheduler.window_start_hour", newCfg.Scheduler.WindowStartHour),
			logx.Int("scheduler.window_end_hour", newCfg.Scheduler.WindowEndHour),
			logx.Int("scheduler.hard_ceiling_per_tick", newCfg.Scheduler.HardCeilingPerTick),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.Int("health.max_failures", newCfg.Health.MaxFailures),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
