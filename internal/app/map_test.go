package app

import (
	"testing"
	"time"

	"dripsend/internal/config"
)

func TestMapLimiterConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Limits.GlobalDaily = 750
	cfg.Limits.DomainCooldown = "5s"

	lim, err := mapLimiterConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if lim.PerDay != 750 || lim.DomainCooldown != 5*time.Second {
		t.Fatalf("unexpected limiter config: %+v", lim)
	}
	if lim.BackoffBase != 30*time.Second || lim.BackoffMax != 10*time.Minute {
		t.Fatalf("backoff defaults lost: %+v", lim)
	}
}

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Dispatch.RetryDelay = "2s"
	cfg.Dispatch.AdaptiveThrottling = false

	d, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if d.RetryDelay != 2*time.Second || d.Adaptive {
		t.Fatalf("unexpected dispatch config: %+v", d)
	}
	if d.DelayMin != 500*time.Millisecond || d.DelayMax != 30*time.Second {
		t.Fatalf("delay bounds: %+v", d)
	}
}

func TestMapRunnerConfigCapsCeilingAtBatchMax(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Scheduler.HardCeilingPerTick = 100
	cfg.Dispatch.BatchMax = 25
	cfg.Limits.CampaignDaily = 200

	r, err := mapRunnerConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if r.HardCeilingPerTick != 25 {
		t.Fatalf("ceiling = %d, want batch_max cap 25", r.HardCeilingPerTick)
	}
	if r.CampaignDailyLimit != 200 {
		t.Fatalf("campaign daily = %d", r.CampaignDailyLimit)
	}
}

func TestDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Dispatch.DelayMin = "1s"
	cfg.Dispatch.DelayDefault = "4s"
	cfg.Dispatch.DelayMax = "10s"

	minD, defD, maxD := delayBounds(cfg)
	if minD != time.Second || defD != 4*time.Second || maxD != 10*time.Second {
		t.Fatalf("bounds = %s/%s/%s", minD, defD, maxD)
	}
}
