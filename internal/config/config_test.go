package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"limits": {"global_daily": 1000},
		"scheduler": {"enabled": true, "window_start_hour": 9, "window_end_hour": 18}
	}`)
	m := NewConfigManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Limits.GlobalDaily != 1000 {
		t.Fatalf("global_daily = %d", cfg.Limits.GlobalDaily)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("default level = %q", cfg.Logging.Level)
	}
	if cfg.Store.Driver != "file" {
		t.Fatalf("default driver = %q", cfg.Store.Driver)
	}
	if cfg.Dispatch.RetryMax != 3 || cfg.Dispatch.RetryDelay != "1s" {
		t.Fatalf("dispatch defaults = %+v", cfg.Dispatch)
	}
	if cfg.Scheduler.WindowStartHour != 9 || cfg.Scheduler.WindowEndHour != 18 {
		t.Fatalf("window = %d..%d", cfg.Scheduler.WindowStartHour, cfg.Scheduler.WindowEndHour)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"limits": {"globel_daily": 5}}`)
	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("misspelled key must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"health": {"enabled": true}} {"extra": 1}`)
	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing JSON must be rejected")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", strings.Join([]string{
		"logging:",
		"  level: debug",
		"limits:",
		"  per_minute: 25",
		"dispatch:",
		"  delay_default: 3s",
	}, "\n"))
	m := NewConfigManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Limits.PerMinute != 25 || cfg.Dispatch.DelayDefault != "3s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	t.Setenv("DRIPSEND_LIMITS_GLOBAL_DAILY", "42")
	t.Setenv("DRIPSEND_STORE_DRIVER", "sqlite")
	t.Setenv("DRIPSEND_LOGGING_LEVEL", "warn")

	path := writeConfig(t, "config.json", `{"limits": {"global_daily": 1000}}`)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Limits.GlobalDaily != 42 {
		t.Fatalf("env override lost: global_daily = %d", cfg.Limits.GlobalDaily)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Logging.Level != "warn" {
		t.Fatalf("env overrides lost: %+v %+v", cfg.Store, cfg.Logging)
	}
}

func TestParseWithoutFile(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager("").Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"negative counter", func(c *Config) { c.Limits.PerHour = -1 }, "limits.per_hour"},
		{"bad duration", func(c *Config) { c.Scheduler.Tick = "soon" }, "scheduler.tick"},
		{"delay bounds inverted", func(c *Config) { c.Dispatch.DelayMin = "1m"; c.Dispatch.DelayDefault = "1m" }, "delay_min"},
		{"delay default outside bounds", func(c *Config) { c.Dispatch.DelayDefault = "5m" }, "delay_default"},
		{"batch default outside bounds", func(c *Config) { c.Dispatch.BatchDefault = 500 }, "batch_default"},
		{"window hour out of range", func(c *Config) { c.Scheduler.WindowEndHour = 24 }, "window_end_hour"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	t.Run("negative cache ttl allowed", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.Store.CacheTTL = "-1s"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("negative cache_ttl disables caching, must validate: %v", err)
		}
	})
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := Default()
	newCfg := Default()
	newCfg.Limits.GlobalDaily = 750
	newCfg.Scheduler.WindowEndHour = 22

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "limits" || changed[1] != "scheduler" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("want attrs for changed sections")
	}

	changed, _ = SummarizeConfigChange(oldCfg, oldCfg)
	if len(changed) != 0 {
		t.Fatalf("no-op diff reported %v", changed)
	}
}

func TestSubscribeDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := Default()
	second := Default()
	second.Limits.GlobalDaily = 1

	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, newest delivered

	got := <-ch
	if got.Limits.GlobalDaily != 1 {
		t.Fatalf("want newest config, got global_daily=%d", got.Limits.GlobalDaily)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second delivery: %+v", extra)
	default:
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"limits": {"per_second": 2}}`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
	if cfg.Limits.PerSecond != 2 {
		t.Fatalf("per_second = %d", cfg.Limits.PerSecond)
	}
}
