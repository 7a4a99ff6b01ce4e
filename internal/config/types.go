package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full configuration surface. All duration fields are Go
// duration strings (e.g. "500ms", "10s", "1m").
//
// Every field can be overridden from the environment with a DRIPSEND_
// prefixed variable; nested sections append their own prefix
// (e.g. DRIPSEND_LIMITS_GLOBAL_DAILY, DRIPSEND_STORE_DRIVER).
type Config struct {
	Logging   LoggingConfig   `json:"logging" envPrefix:"LOGGING_"`
	Store     StoreConfig     `json:"store" envPrefix:"STORE_"`
	Limits    LimitsConfig    `json:"limits" envPrefix:"LIMITS_"`
	Dispatch  DispatchConfig  `json:"dispatch" envPrefix:"DISPATCH_"`
	Scheduler SchedulerConfig `json:"scheduler" envPrefix:"SCHEDULER_"`
	Health    HealthConfig    `json:"health" envPrefix:"HEALTH_"`
}

type LoggingConfig struct {
	Level   string         `json:"level" env:"LEVEL"`
	Console bool           `json:"console" env:"CONSOLE"`
	File    LoggingFile    `json:"file" envPrefix:"FILE_"`
	Gateway LoggingGateway `json:"gateway" envPrefix:"GATEWAY_"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" env:"ENABLED"`
	Path    string `json:"path" env:"PATH"`
}

// LoggingGateway forwards log records at or above MinLevel onto the event
// stream as ServerLog events, rate limited to RatePerSec.
type LoggingGateway struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	MinLevel   string `json:"min_level" env:"MIN_LEVEL"`
	RatePerSec int    `json:"rate_per_sec" env:"RATE_PER_SEC"`
}

// StoreConfig controls campaign persistence.
//
// Driver is "file" (default) or "sqlite" (needs the sqlite build tag).
type StoreConfig struct {
	Driver      string `json:"driver" env:"DRIVER"`
	Path        string `json:"path" env:"PATH"`
	BusyTimeout string `json:"busy_timeout,omitempty" env:"BUSY_TIMEOUT"` // sqlite only
	CacheTTL    string `json:"cache_ttl,omitempty" env:"CACHE_TTL"`
}

// LimitsConfig configures the send-rate limiter. A counter limit of 0
// disables that window.
type LimitsConfig struct {
	GlobalDaily   int `json:"global_daily" env:"GLOBAL_DAILY"`
	CampaignDaily int `json:"campaign_daily" env:"CAMPAIGN_DAILY"`
	PerSecond     int `json:"per_second" env:"PER_SECOND"`
	PerMinute     int `json:"per_minute" env:"PER_MINUTE"`
	PerHour       int `json:"per_hour" env:"PER_HOUR"`

	DomainCooldown   string `json:"domain_cooldown" env:"DOMAIN_COOLDOWN"`
	FailureThreshold int    `json:"failure_threshold" env:"FAILURE_THRESHOLD"`
	BackoffBase      string `json:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax       string `json:"backoff_max" env:"BACKOFF_MAX"`
}

// DispatchConfig configures batch sending. Batch* bound the per-campaign
// batch size a caller may pick; Delay* bound the inter-message delay the
// adaptive throttle may move within.
type DispatchConfig struct {
	BatchMin     int `json:"batch_min" env:"BATCH_MIN"`
	BatchDefault int `json:"batch_default" env:"BATCH_DEFAULT"`
	BatchMax     int `json:"batch_max" env:"BATCH_MAX"`

	DelayMin     string `json:"delay_min" env:"DELAY_MIN"`
	DelayDefault string `json:"delay_default" env:"DELAY_DEFAULT"`
	DelayMax     string `json:"delay_max" env:"DELAY_MAX"`

	RetryMax   int    `json:"retry_max" env:"RETRY_MAX"`
	RetryDelay string `json:"retry_delay" env:"RETRY_DELAY"`

	SendTimeout string `json:"send_timeout" env:"SEND_TIMEOUT"`
	ChunkSize   int    `json:"chunk_size" env:"CHUNK_SIZE"`

	AdaptiveThrottling bool `json:"adaptive_throttling" env:"ADAPTIVE_THROTTLING"`
}

// SchedulerConfig controls the recurring processing pipeline. Window hours
// are local to Timezone; equal start/end disables the window gate.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled" env:"ENABLED"`
	Timezone string `json:"timezone,omitempty" env:"TIMEZONE"`

	Tick            string `json:"tick" env:"TICK"`
	WindowStartHour int    `json:"window_start_hour" env:"WINDOW_START_HOUR"`
	WindowEndHour   int    `json:"window_end_hour" env:"WINDOW_END_HOUR"`

	HardCeilingPerTick int    `json:"hard_ceiling_per_tick" env:"HARD_CEILING_PER_TICK"`
	HousekeepingEvery  string `json:"housekeeping_every" env:"HOUSEKEEPING_EVERY"`
	LogRetentionDays   int    `json:"log_retention_days" env:"LOG_RETENTION_DAYS"`
	DailyLogDepth      int    `json:"daily_log_depth" env:"DAILY_LOG_DEPTH"`
}

type HealthConfig struct {
	Enabled     bool `json:"enabled" env:"ENABLED"`
	MaxFailures int  `json:"max_failures" env:"MAX_FAILURES"`
}

// Default returns a fully populated configuration suitable for running
// without a config file.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Gateway: LoggingGateway{MinLevel: "warn", RatePerSec: 3},
		},
		Store: StoreConfig{
			Driver:   "file",
			Path:     "./dripsend_store",
			CacheTTL: "30s",
		},
		Limits: LimitsConfig{
			GlobalDaily:      500,
			CampaignDaily:    300,
			PerSecond:        1,
			PerMinute:        30,
			PerHour:          200,
			DomainCooldown:   "2s",
			FailureThreshold: 3,
			BackoffBase:      "30s",
			BackoffMax:       "10m",
		},
		Dispatch: DispatchConfig{
			BatchMin:           1,
			BatchDefault:       10,
			BatchMax:           50,
			DelayMin:           "500ms",
			DelayDefault:       "2s",
			DelayMax:           "30s",
			RetryMax:           3,
			RetryDelay:         "1s",
			SendTimeout:        "30s",
			ChunkSize:          100,
			AdaptiveThrottling: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			Tick:               "1m",
			WindowStartHour:    8,
			WindowEndHour:      20,
			HardCeilingPerTick: 50,
			HousekeepingEvery:  "1h",
			LogRetentionDays:   7,
			DailyLogDepth:      90,
		},
		Health: HealthConfig{Enabled: true, MaxFailures: 3},
	}
}

// Normalize fills omitted fields with their defaults. It never overrides an
// explicitly set value.
func (c *Config) Normalize() {
	def := Default()
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	if strings.TrimSpace(c.Logging.Gateway.MinLevel) == "" {
		c.Logging.Gateway.MinLevel = def.Logging.Gateway.MinLevel
	}
	if c.Logging.Gateway.RatePerSec <= 0 {
		c.Logging.Gateway.RatePerSec = def.Logging.Gateway.RatePerSec
	}
	if strings.TrimSpace(c.Store.Driver) == "" {
		c.Store.Driver = def.Store.Driver
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = def.Store.Path
	}
	if strings.TrimSpace(c.Store.CacheTTL) == "" {
		c.Store.CacheTTL = def.Store.CacheTTL
	}
	if c.Limits.FailureThreshold <= 0 {
		c.Limits.FailureThreshold = def.Limits.FailureThreshold
	}
	if strings.TrimSpace(c.Limits.BackoffBase) == "" {
		c.Limits.BackoffBase = def.Limits.BackoffBase
	}
	if strings.TrimSpace(c.Limits.BackoffMax) == "" {
		c.Limits.BackoffMax = def.Limits.BackoffMax
	}
	if c.Dispatch.BatchMin <= 0 {
		c.Dispatch.BatchMin = def.Dispatch.BatchMin
	}
	if c.Dispatch.BatchDefault <= 0 {
		c.Dispatch.BatchDefault = def.Dispatch.BatchDefault
	}
	if c.Dispatch.BatchMax <= 0 {
		c.Dispatch.BatchMax = def.Dispatch.BatchMax
	}
	if strings.TrimSpace(c.Dispatch.DelayMin) == "" {
		c.Dispatch.DelayMin = def.Dispatch.DelayMin
	}
	if strings.TrimSpace(c.Dispatch.DelayDefault) == "" {
		c.Dispatch.DelayDefault = def.Dispatch.DelayDefault
	}
	if strings.TrimSpace(c.Dispatch.DelayMax) == "" {
		c.Dispatch.DelayMax = def.Dispatch.DelayMax
	}
	if c.Dispatch.RetryMax <= 0 {
		c.Dispatch.RetryMax = def.Dispatch.RetryMax
	}
	if strings.TrimSpace(c.Dispatch.RetryDelay) == "" {
		c.Dispatch.RetryDelay = def.Dispatch.RetryDelay
	}
	if strings.TrimSpace(c.Dispatch.SendTimeout) == "" {
		c.Dispatch.SendTimeout = def.Dispatch.SendTimeout
	}
	if c.Dispatch.ChunkSize <= 0 {
		c.Dispatch.ChunkSize = def.Dispatch.ChunkSize
	}
	if strings.TrimSpace(c.Scheduler.Tick) == "" {
		c.Scheduler.Tick = def.Scheduler.Tick
	}
	if c.Scheduler.HardCeilingPerTick <= 0 {
		c.Scheduler.HardCeilingPerTick = def.Scheduler.HardCeilingPerTick
	}
	if strings.TrimSpace(c.Scheduler.HousekeepingEvery) == "" {
		c.Scheduler.HousekeepingEvery = def.Scheduler.HousekeepingEvery
	}
	if c.Scheduler.LogRetentionDays <= 0 {
		c.Scheduler.LogRetentionDays = def.Scheduler.LogRetentionDays
	}
	if c.Health.MaxFailures <= 0 {
		c.Health.MaxFailures = def.Health.MaxFailures
	}
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true,
}

// Validate rejects configurations that would misbehave at runtime. Call it
// after Normalize; it is also installed as the hot-reload validator.
func (c *Config) Validate() error {
	if lv := strings.ToLower(strings.TrimSpace(c.Logging.Level)); !validLevels[lv] {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.Gateway.Enabled {
		if lv := strings.ToLower(strings.TrimSpace(c.Logging.Gateway.MinLevel)); !validLevels[lv] {
			return fmt.Errorf("logging.gateway.min_level: unknown level %q", c.Logging.Gateway.MinLevel)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}
	if _, err := parseSignedDuration("store.cache_ttl", c.Store.CacheTTL); err != nil {
		return err
	}

	for _, f := range []struct {
		path string
		val  int
	}{
		{"limits.global_daily", c.Limits.GlobalDaily},
		{"limits.campaign_daily", c.Limits.CampaignDaily},
		{"limits.per_second", c.Limits.PerSecond},
		{"limits.per_minute", c.Limits.PerMinute},
		{"limits.per_hour", c.Limits.PerHour},
	} {
		if f.val < 0 {
			return fmt.Errorf("%s: must be >= 0 (0 disables)", f.path)
		}
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"limits.domain_cooldown", c.Limits.DomainCooldown},
		{"limits.backoff_base", c.Limits.BackoffBase},
		{"limits.backoff_max", c.Limits.BackoffMax},
		{"dispatch.retry_delay", c.Dispatch.RetryDelay},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"scheduler.tick", c.Scheduler.Tick},
		{"scheduler.housekeeping_every", c.Scheduler.HousekeepingEvery},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	dMin, err := ParseDurationField("dispatch.delay_min", c.Dispatch.DelayMin)
	if err != nil {
		return err
	}
	dDef, err := ParseDurationField("dispatch.delay_default", c.Dispatch.DelayDefault)
	if err != nil {
		return err
	}
	dMax, err := ParseDurationField("dispatch.delay_max", c.Dispatch.DelayMax)
	if err != nil {
		return err
	}
	if dMin > dMax {
		return fmt.Errorf("dispatch.delay_min %s exceeds delay_max %s", dMin, dMax)
	}
	if dDef < dMin || dDef > dMax {
		return fmt.Errorf("dispatch.delay_default %s outside [%s, %s]", dDef, dMin, dMax)
	}
	if c.Dispatch.BatchMin > c.Dispatch.BatchMax {
		return fmt.Errorf("dispatch.batch_min %d exceeds batch_max %d", c.Dispatch.BatchMin, c.Dispatch.BatchMax)
	}
	if c.Dispatch.BatchDefault < c.Dispatch.BatchMin || c.Dispatch.BatchDefault > c.Dispatch.BatchMax {
		return fmt.Errorf("dispatch.batch_default %d outside [%d, %d]",
			c.Dispatch.BatchDefault, c.Dispatch.BatchMin, c.Dispatch.BatchMax)
	}

	for _, f := range []struct {
		path string
		hour int
	}{
		{"scheduler.window_start_hour", c.Scheduler.WindowStartHour},
		{"scheduler.window_end_hour", c.Scheduler.WindowEndHour},
	} {
		if f.hour < 0 || f.hour > 23 {
			return fmt.Errorf("%s: %d outside [0, 23]", f.path, f.hour)
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// parseSignedDuration is ParseDurationField but allows negative values
// ("-1s" disables the store cache).
func parseSignedDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	return d, nil
}
