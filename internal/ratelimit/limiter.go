package ratelimit

import (
	"strings"
	"sync"
	"time"

	logx "dripsend/pkg/logx"
)

// Config controls the process-wide send limiter.
//
// A limit value <= 0 disables that window. Domain cooldown <= 0 disables
// per-domain spacing.
type Config struct {
	PerSecond int
	PerMinute int
	PerHour   int
	PerDay    int

	// Adaptive backoff after consecutive failures.
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	DomainCooldown time.Duration
}

// Reason explains why a send was denied.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonPerSecond      Reason = "per_second_limit"
	ReasonPerMinute      Reason = "per_minute_limit"
	ReasonPerHour        Reason = "per_hour_limit"
	ReasonPerDay         Reason = "per_day_limit"
	ReasonBackoff        Reason = "failure_backoff"
	ReasonDomainCooldown Reason = "domain_cooldown"
)

// Decision is the answer to "may I send now".
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// window is a rolling counter that resets when its boundary is crossed.
// Counts are monotonically non-decreasing within a window and reset exactly
// once per boundary crossing (lazily, on the next touch).
type window struct {
	count   int
	resetAt time.Time
}

func (w *window) roll(now time.Time, next func(time.Time) time.Time) {
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = next(now)
	}
}

// Limiter tracks rolling send counts, per-destination-domain cooldowns and
// adaptive failure backoff. One instance serves the whole process; every
// mutation goes through its mutex.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	// now is swappable for tests.
	now func() time.Time

	sec  window
	min  window
	hour window
	day  window

	consecutiveFailures int
	lastFailure         time.Time

	domains map[string]time.Time // domain -> last send
}

func New(cfg Config, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		domains: map[string]time.Time{},
	}
}

// SetNow overrides the limiter clock. Tests only.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Apply swaps limits at runtime. Counters are kept; only thresholds change.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Minute
	}
	l.cfg = cfg
	l.mu.Unlock()
}

// Check reports whether a send to destination is allowed right now.
// destination may be a bare domain or a full address (the part after "@" is
// used). Limits are evaluated from most to least restrictive; the first
// violated constraint wins.
func (l *Limiter) Check(destination string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollLocked(now)

	if d, ok := l.windowDeniedLocked(now); ok {
		return d
	}
	if d, ok := l.backoffDeniedLocked(now); ok {
		return d
	}
	if d, ok := l.domainDeniedLocked(now, destination); ok {
		return d
	}
	return Decision{Allowed: true, Reason: ReasonOK}
}

func (l *Limiter) windowDeniedLocked(now time.Time) (Decision, bool) {
	checks := []struct {
		limit  int
		w      *window
		reason Reason
	}{
		{l.cfg.PerSecond, &l.sec, ReasonPerSecond},
		{l.cfg.PerMinute, &l.min, ReasonPerMinute},
		{l.cfg.PerHour, &l.hour, ReasonPerHour},
		{l.cfg.PerDay, &l.day, ReasonPerDay},
	}
	for _, c := range checks {
		if c.limit > 0 && c.w.count >= c.limit {
			return Decision{Reason: c.reason, RetryAfter: c.w.resetAt.Sub(now)}, true
		}
	}
	return Decision{}, false
}

func (l *Limiter) backoffDeniedLocked(now time.Time) (Decision, bool) {
	if l.consecutiveFailures < l.cfg.FailureThreshold {
		return Decision{}, false
	}
	until := l.lastFailure.Add(l.backoffWindowLocked())
	if now.Before(until) {
		return Decision{Reason: ReasonBackoff, RetryAfter: until.Sub(now)}, true
	}
	return Decision{}, false
}

// backoffWindowLocked computes base * 2^(failures - threshold), capped.
func (l *Limiter) backoffWindowLocked() time.Duration {
	pow := l.consecutiveFailures - l.cfg.FailureThreshold
	d := l.cfg.BackoffBase
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	if d > l.cfg.BackoffMax {
		d = l.cfg.BackoffMax
	}
	return d
}

func (l *Limiter) domainDeniedLocked(now time.Time, destination string) (Decision, bool) {
	if l.cfg.DomainCooldown <= 0 {
		return Decision{}, false
	}
	dom := DomainOf(destination)
	if dom == "" {
		return Decision{}, false
	}
	last, ok := l.domains[dom]
	if !ok {
		return Decision{}, false
	}
	until := last.Add(l.cfg.DomainCooldown)
	if now.Before(until) {
		return Decision{Reason: ReasonDomainCooldown, RetryAfter: until.Sub(now)}, true
	}
	return Decision{}, false
}

// RecordSuccess counts one delivered message: all active windows are bumped,
// the failure streak resets and the destination domain cooldown is stamped.
func (l *Limiter) RecordSuccess(destination string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollLocked(now)

	l.sec.count++
	l.min.count++
	l.hour.count++
	l.day.count++

	l.consecutiveFailures = 0
	l.lastFailure = time.Time{}

	if dom := DomainOf(destination); dom != "" {
		l.domains[dom] = now
	}
}

// RecordFailure extends the consecutive-failure streak.
func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.rollLocked(now)

	l.consecutiveFailures++
	l.lastFailure = now
	if l.consecutiveFailures == l.cfg.FailureThreshold {
		l.log.Warn("adaptive backoff engaged",
			logx.Int("consecutive_failures", l.consecutiveFailures),
			logx.Duration("window", l.backoffWindowLocked()))
	}
}

// DayCount returns the number of sends recorded in the current calendar day.
func (l *Limiter) DayCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.now())
	return l.day.count
}

// DayRemaining returns how many sends are left under the daily ceiling.
// Unlimited (PerDay <= 0) reports a large positive number.
func (l *Limiter) DayRemaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.now())
	if l.cfg.PerDay <= 0 {
		return int(^uint(0) >> 1)
	}
	rem := l.cfg.PerDay - l.day.count
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Second              int
	Minute              int
	Hour                int
	Day                 int
	ConsecutiveFailures int
	BackoffUntil        time.Time
	DomainsTracked      int
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.now())
	s := Snapshot{
		Second:              l.sec.count,
		Minute:              l.min.count,
		Hour:                l.hour.count,
		Day:                 l.day.count,
		ConsecutiveFailures: l.consecutiveFailures,
		DomainsTracked:      len(l.domains),
	}
	if l.consecutiveFailures >= l.cfg.FailureThreshold {
		s.BackoffUntil = l.lastFailure.Add(l.backoffWindowLocked())
	}
	return s
}

// PruneDomains drops domain cooldown stamps older than keep. Housekeeping.
func (l *Limiter) PruneDomains(keep time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for dom, last := range l.domains {
		if now.Sub(last) > keep {
			delete(l.domains, dom)
			n++
		}
	}
	return n
}

func (l *Limiter) rollLocked(now time.Time) {
	l.sec.roll(now, func(t time.Time) time.Time {
		return t.Truncate(time.Second).Add(time.Second)
	})
	l.min.roll(now, func(t time.Time) time.Time {
		return t.Truncate(time.Minute).Add(time.Minute)
	})
	l.hour.roll(now, func(t time.Time) time.Time {
		return t.Truncate(time.Hour).Add(time.Hour)
	})
	// Day resets at local midnight, not 24h after first send.
	l.day.roll(now, func(t time.Time) time.Time {
		y, m, d := t.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
	})
}

// DomainOf extracts the destination domain from an address. A bare domain is
// returned as-is, lowercased.
func DomainOf(destination string) string {
	s := strings.TrimSpace(strings.ToLower(destination))
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
