// Package health tracks per-recipient delivery health so chronically failing
// addresses stop consuming daily send allowance.
package health

import (
	"strings"
	"sync"

	logx "dripsend/pkg/logx"
)

// Config controls skip-listing.
type Config struct {
	// Enabled toggles skip-listing. When false ShouldSkip always reports false
	// but failure counts are still tracked.
	Enabled bool
	// MaxFailures is the consecutive-failure threshold (default 3).
	MaxFailures int
}

// Tracker counts consecutive failures per recipient address. An address is
// skip-listed once its streak reaches MaxFailures; any success resets it.
// Safe for concurrent use.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	failures map[string]int
}

func New(cfg Config, log logx.Logger) *Tracker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{cfg: cfg, log: log, failures: map[string]int{}}
}

func (t *Tracker) Apply(cfg Config) {
	t.mu.Lock()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	t.cfg = cfg
	t.mu.Unlock()
}

// ShouldSkip reports whether addr has reached the failure threshold.
func (t *Tracker) ShouldSkip(addr string) bool {
	key := normalize(addr)
	if key == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cfg.Enabled {
		return false
	}
	return t.failures[key] >= t.cfg.MaxFailures
}

func (t *Tracker) RecordFailure(addr string) {
	key := normalize(addr)
	if key == "" {
		return
	}
	t.mu.Lock()
	t.failures[key]++
	n := t.failures[key]
	threshold := t.cfg.MaxFailures
	enabled := t.cfg.Enabled
	t.mu.Unlock()

	if enabled && n == threshold {
		t.log.Warn("recipient skip-listed", logx.String("recipient", key), logx.Int("failures", n))
	}
}

func (t *Tracker) RecordSuccess(addr string) {
	key := normalize(addr)
	if key == "" {
		return
	}
	t.mu.Lock()
	delete(t.failures, key)
	t.mu.Unlock()
}

// Filter splits addrs into kept and skipped, preserving the relative order of
// kept entries.
func (t *Tracker) Filter(addrs []string) (kept, skipped []string) {
	for _, a := range addrs {
		if t.ShouldSkip(a) {
			skipped = append(skipped, a)
			continue
		}
		kept = append(kept, a)
	}
	return kept, skipped
}

// Failures returns the current streak for addr. Diagnostics.
func (t *Tracker) Failures(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[normalize(addr)]
}

// Len reports how many addresses currently carry a failure streak.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures)
}

// PruneZero drops entries whose streak has decayed to zero. Housekeeping.
func (t *Tracker) PruneZero() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for addr, n := range t.failures {
		if n <= 0 {
			delete(t.failures, addr)
			pruned++
		}
	}
	return pruned
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
