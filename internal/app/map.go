package app

import (
	"time"

	"dripsend/internal/config"
	"dripsend/internal/dispatch"
	"dripsend/internal/health"
	"dripsend/internal/ratelimit"
	"dripsend/internal/runner"
	"dripsend/internal/store"
	logx "dripsend/pkg/logx"
)

// The map* helpers translate the file/env configuration into component
// configs, parsing duration strings along the way. Validation has already
// accepted the config, so parse errors here are defensive only.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Gateway: logx.GatewayConfig{
			Enabled:    cfg.Logging.Gateway.Enabled,
			MinLevel:   cfg.Logging.Gateway.MinLevel,
			RatePerSec: cfg.Logging.Gateway.RatePerSec,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	ttl, err := time.ParseDuration(cfg.Store.CacheTTL)
	if err != nil {
		ttl = 0
	}
	return store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
		CacheTTL:    ttl,
	}, nil
}

func mapLimiterConfig(cfg *config.Config) (ratelimit.Config, error) {
	cooldown, err := config.ParseDurationField("limits.domain_cooldown", cfg.Limits.DomainCooldown)
	if err != nil {
		return ratelimit.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("limits.backoff_base", cfg.Limits.BackoffBase, 30*time.Second)
	if err != nil {
		return ratelimit.Config{}, err
	}
	maxB, err := config.ParseDurationOrDefault("limits.backoff_max", cfg.Limits.BackoffMax, 10*time.Minute)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		PerSecond:        cfg.Limits.PerSecond,
		PerMinute:        cfg.Limits.PerMinute,
		PerHour:          cfg.Limits.PerHour,
		PerDay:           cfg.Limits.GlobalDaily,
		FailureThreshold: cfg.Limits.FailureThreshold,
		BackoffBase:      base,
		BackoffMax:       maxB,
		DomainCooldown:   cooldown,
	}, nil
}

func mapHealthConfig(cfg *config.Config) health.Config {
	return health.Config{
		Enabled:     cfg.Health.Enabled,
		MaxFailures: cfg.Health.MaxFailures,
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	retryDelay, err := config.ParseDurationOrDefault("dispatch.retry_delay", cfg.Dispatch.RetryDelay, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	delayMin, err := config.ParseDurationOrDefault("dispatch.delay_min", cfg.Dispatch.DelayMin, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	delayMax, err := config.ParseDurationOrDefault("dispatch.delay_max", cfg.Dispatch.DelayMax, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		MaxRetries:  cfg.Dispatch.RetryMax,
		RetryDelay:  retryDelay,
		SendTimeout: sendTimeout,
		DelayMin:    delayMin,
		DelayMax:    delayMax,
		ChunkSize:   cfg.Dispatch.ChunkSize,
		Adaptive:    cfg.Dispatch.AdaptiveThrottling,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	housekeeping, err := config.ParseDurationOrDefault("scheduler.housekeeping_every", cfg.Scheduler.HousekeepingEvery, time.Hour)
	if err != nil {
		return runner.Config{}, err
	}
	ceiling := cfg.Scheduler.HardCeilingPerTick
	// The dispatch batch ceiling binds wherever a batch is formed.
	if cfg.Dispatch.BatchMax > 0 && cfg.Dispatch.BatchMax < ceiling {
		ceiling = cfg.Dispatch.BatchMax
	}
	return runner.Config{
		Enabled:            cfg.Scheduler.Enabled,
		Tick:               tick,
		WindowStartHour:    cfg.Scheduler.WindowStartHour,
		WindowEndHour:      cfg.Scheduler.WindowEndHour,
		HardCeilingPerTick: ceiling,
		CampaignDailyLimit: cfg.Limits.CampaignDaily,
		HousekeepingEvery:  housekeeping,
		LogRetentionDays:   cfg.Scheduler.LogRetentionDays,
		DailyLogDepth:      cfg.Scheduler.DailyLogDepth,
	}, nil
}

// delayBounds returns the configured inter-message delay bounds and default.
func delayBounds(cfg *config.Config) (minD, defD, maxD time.Duration) {
	minD, _ = config.ParseDurationOrDefault("dispatch.delay_min", cfg.Dispatch.DelayMin, 500*time.Millisecond)
	defD, _ = config.ParseDurationOrDefault("dispatch.delay_default", cfg.Dispatch.DelayDefault, 2*time.Second)
	maxD, _ = config.ParseDurationOrDefault("dispatch.delay_max", cfg.Dispatch.DelayMax, 30*time.Second)
	return minD, defD, maxD
}
