// Package schedule is a small recurring-task service on top of robfig/cron.
// Each task owns a RunState guaranteeing at-most-one concurrent execution, a
// per-task timeout and panic containment, so a slow or crashing tick can
// never pile up or take the process down.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "dripsend/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name ("Asia/Jakarta"); empty means time.Local. Daily
	// tasks and the active window follow this location.
	Timezone string
}

type taskDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *RunState
}

// Service triggers registered tasks. Tasks may be added before or after
// Start; definitions survive a Stop/Start cycle.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*taskDef

	// baseCtx parents all task executions so Stop can cancel in-flight work.
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Location returns the scheduler's resolved timezone. Valid after Start.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("task register failed",
				logx.String("name", d.name),
				logx.String("spec", d.spec),
				logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.defs)))
}

// Stop halts triggering, cancels in-flight executions and waits for cron to
// drain, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped")
}

// AddInterval registers a task to run every d. Upserts by name.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be positive")
	}
	return s.add(name, fmt.Sprintf("@every %s", every), timeout, job)
}

// AddDaily registers a task to run once per day at HH:MM scheduler time.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) add(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name required")
	}
	if job == nil {
		return errors.New("task job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert: repeated registration (hot reload) must not duplicate triggers.
	s.removeLocked(name)
	d := &taskDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		state:   &RunState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	return s.registerLocked(d)
}

// Remove unschedules the named task. Reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) registerLocked(d *taskDef) error {
	id, err := s.c.AddFunc(d.spec, func() { s.execute(d) })
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// execute runs one triggered task with overlap gating, timeout and panic
// containment.
func (s *Service) execute(d *taskDef) {
	if !d.state.TryStart() {
		s.log.Debug("task still running, trigger skipped", logx.String("name", d.name))
		return
	}
	defer d.state.Finish()

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		return
	}
	ctx := base
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := runContained(ctx, d.job)
	took := time.Since(start)
	switch {
	case err != nil:
		s.log.Error("task failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
	default:
		s.log.Debug("task finished", logx.String("name", d.name), logx.Duration("took", took))
	}
}

func runContained(ctx context.Context, job func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job(ctx)
}

// TaskInfo is a diagnostic view of one registered task.
type TaskInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Running bool
	Runs    uint64
	Skips   uint64
	Next    time.Time
	Prev    time.Time
}

func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := TaskInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Running: d.state.Running(),
			Runs:    d.state.Runs(),
			Skips:   d.state.Skips(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
