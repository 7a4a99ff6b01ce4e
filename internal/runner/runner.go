// Package runner drives campaign processing: on each scheduler tick it loads
// eligible campaigns, computes what each is still allowed to send today, and
// hands batches to the dispatcher. It is the sole mutator of campaign
// progress.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dripsend/internal/campaign"
	"dripsend/internal/dispatch"
	"dripsend/internal/health"
	"dripsend/internal/notify"
	"dripsend/internal/ratelimit"
	"dripsend/internal/schedule"
	"dripsend/internal/store"
	"dripsend/internal/transport"
	logx "dripsend/pkg/logx"
)

type Config struct {
	Enabled bool
	// Tick is the campaign-processing interval (default 1m).
	Tick time.Duration
	// WindowStartHour/WindowEndHour bound the active sending window in
	// scheduler-local hours; [start, end). Equal values disable the window.
	WindowStartHour int
	WindowEndHour   int
	// HardCeilingPerTick bounds one campaign's batch in a single tick
	// (default 50).
	HardCeilingPerTick int
	// CampaignDailyLimit is the default per-campaign daily ceiling
	// (default 300).
	CampaignDailyLimit int
	// HousekeepingEvery is the housekeeping interval (default 1h).
	HousekeepingEvery time.Duration
	// LogRetentionDays bounds the in-memory progress cache (default 7).
	LogRetentionDays int
	// DailyLogDepth trims persisted daily logs to this many entries
	// (default 90; 0 keeps everything).
	DailyLogDepth int
}

func (c *Config) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.HardCeilingPerTick <= 0 {
		c.HardCeilingPerTick = 50
	}
	if c.CampaignDailyLimit <= 0 {
		c.CampaignDailyLimit = 300
	}
	if c.HousekeepingEvery <= 0 {
		c.HousekeepingEvery = time.Hour
	}
	if c.LogRetentionDays <= 0 {
		c.LogRetentionDays = 7
	}
}

// Runner coordinates the per-tick pipeline. All exported methods are safe for
// concurrent use; campaign processing itself is sequential within a tick.
type Runner struct {
	log logx.Logger

	mu  sync.Mutex
	cfg Config

	store   store.Store
	limiter *ratelimit.Limiter
	tracker *health.Tracker
	disp    *dispatch.Dispatcher
	prep    transport.Preparer
	gw      notify.Gateway

	loc *time.Location
	now func() time.Time

	// lastProcessed remembers when each campaign last received a batch;
	// housekeeping prunes entries beyond retention.
	pmu           sync.Mutex
	lastProcessed map[string]time.Time
}

func New(cfg Config, st store.Store, lim *ratelimit.Limiter, tr *health.Tracker, disp *dispatch.Dispatcher, prep transport.Preparer, gw notify.Gateway, log logx.Logger) *Runner {
	cfg.setDefaults()
	if gw == nil {
		gw = notify.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		log:           log,
		cfg:           cfg,
		store:         st,
		limiter:       lim,
		tracker:       tr,
		disp:          disp,
		prep:          prep,
		gw:            gw,
		loc:           time.Local,
		now:           time.Now,
		lastProcessed: map[string]time.Time{},
	}
}

// Apply swaps runtime-tunable settings. Window and interval changes need a
// re-Register to take effect on the schedule itself.
func (r *Runner) Apply(cfg Config) {
	cfg.setDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Runner) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Register installs the runner's recurring tasks on the scheduler: the
// processing tick, housekeeping, and window open/close reports.
func (r *Runner) Register(s *schedule.Service) error {
	cfg := r.config()
	r.loc = s.Location()

	if err := s.AddInterval("campaign.process", cfg.Tick, 0, r.ProcessTick); err != nil {
		return err
	}
	if err := s.AddInterval("housekeeping", cfg.HousekeepingEvery, time.Minute, r.Housekeep); err != nil {
		return err
	}
	if cfg.WindowStartHour != cfg.WindowEndHour {
		open := fmt.Sprintf("%02d:00", cfg.WindowStartHour)
		if err := s.AddDaily("report.open", open, time.Minute, func(ctx context.Context) error {
			return r.Report(ctx, "open")
		}); err != nil {
			return err
		}
		clo := fmt.Sprintf("%02d:00", cfg.WindowEndHour)
		if err := s.AddDaily("report.close", clo, time.Minute, func(ctx context.Context) error {
			return r.Report(ctx, "close")
		}); err != nil {
			return err
		}
	}
	return nil
}

// inWindow reports whether t falls inside the active sending window.
func (r *Runner) inWindow(t time.Time) bool {
	cfg := r.config()
	start, end := cfg.WindowStartHour, cfg.WindowEndHour
	if start == end {
		return true
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	// Window crosses midnight.
	return h >= start || h < end
}

// ProcessTick is the recurring campaign-processing task. A tick with nothing
// to do mutates no state and emits no events.
func (r *Runner) ProcessTick(ctx context.Context) error {
	now := r.now().In(r.loc)
	if r.disp.Suspended() {
		r.log.Debug("tick skipped, sending suspended")
		return nil
	}
	if !r.inWindow(now) {
		return nil
	}
	if r.limiter.DayRemaining() <= 0 {
		r.log.Debug("tick skipped, global daily allowance exhausted")
		return nil
	}

	campaigns, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	sort.Slice(campaigns, func(i, j int) bool {
		return campaigns[i].CreatedAt.Before(campaigns[j].CreatedAt)
	})

	for _, c := range campaigns {
		if c.Status != campaign.StatusActive {
			continue
		}
		if err := r.processCampaign(ctx, c, now); err != nil {
			// One broken campaign never aborts the tick.
			r.log.Error("campaign processing failed",
				logx.String("campaign", c.ID), logx.Err(err))
		}
		if r.disp.Suspended() {
			return nil
		}
		if r.limiter.DayRemaining() <= 0 {
			return nil
		}
	}
	return nil
}

// ProcessNow processes a single campaign immediately, bypassing the active
// window (the global daily allowance still applies). Used right after
// campaign creation so the creator sees early feedback.
func (r *Runner) ProcessNow(ctx context.Context, id string) error {
	if r.disp.Suspended() {
		return dispatch.ErrSuspended
	}
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != campaign.StatusActive {
		return fmt.Errorf("campaign %s is %s, not active", id, c.Status)
	}
	return r.processCampaign(ctx, c, r.now().In(r.loc))
}

// processCampaign sends one batch for c and persists the result. c is the
// runner's private copy (the store hands out clones).
func (r *Runner) processCampaign(ctx context.Context, c *campaign.Campaign, now time.Time) error {
	cfg := r.config()
	date := now.Format(campaign.DateFormat)

	batchSize := c.Remaining()
	if rem := cfg.CampaignDailyLimit - c.ProcessedToday(date); rem < batchSize {
		batchSize = rem
	}
	if rem := r.limiter.DayRemaining(); rem < batchSize {
		batchSize = rem
	}
	if cfg.HardCeilingPerTick < batchSize {
		batchSize = cfg.HardCeilingPerTick
	}
	if batchSize <= 0 {
		return nil
	}

	contacts := c.NextBatch(batchSize)
	if len(contacts) == 0 {
		return nil
	}

	// Render up front; contacts that cannot be rendered become terminal
	// failures without touching the transport. Rendering stops at the first
	// failure-free prefix boundary so outcome order matches contact order.
	prepared := make([]dispatch.Outbound, 0, len(contacts))
	var prepFailed []campaign.Outcome
	for _, ct := range contacts {
		if len(prepFailed) > 0 {
			break
		}
		msg, err := r.prep.Prepare(c, ct)
		if err != nil {
			r.log.Warn("message preparation failed",
				logx.String("campaign", c.ID),
				logx.String("to", ct.Email),
				logx.Err(err))
			r.gw.EmailError(notify.EmailError{
				CampaignID:   c.ID,
				At:           now,
				Recipient:    ct.Email,
				CompanyName:  ct.CompanyName,
				ErrorMessage: dispatch.Sanitize(err.Error()),
			})
			prepFailed = append(prepFailed, campaign.Outcome{Email: ct.Email})
			continue
		}
		prepared = append(prepared, dispatch.Outbound{
			Contact: ct,
			Message: msg,
		})
	}

	baseSuccess := c.SentEmails
	baseFailure := c.FailedEmails
	total := c.TotalEmails
	res, derr := r.disp.Dispatch(ctx, c.ID, prepared, time.Duration(c.DelayMs)*time.Millisecond, func(p dispatch.Progress) {
		r.gw.CampaignProgress(notify.CampaignProgress{
			CampaignID:   c.ID,
			At:           r.now(),
			Sent:         baseSuccess + baseFailure + p.Sent,
			Total:        total,
			SuccessCount: baseSuccess + p.SuccessCount,
			FailureCount: baseFailure + p.FailureCount,
		})
	})

	outcomes := terminalPrefix(res.Outcomes)
	// The prep failure sits directly after the prepared prefix in contact
	// order; it may only be recorded when that whole prefix got terminal
	// outcomes, otherwise the paging offset would skip deferred contacts.
	if len(outcomes) == len(prepared) {
		outcomes = append(outcomes, prepFailed...)
	}

	if len(outcomes) > 0 {
		completed := c.ApplyBatch(date, outcomes, now)
		if err := r.store.Put(ctx, c); err != nil {
			return fmt.Errorf("persist campaign: %w", err)
		}
		r.markProcessed(c.ID, now)
		r.log.Info("batch processed",
			logx.String("campaign", c.ID),
			logx.Int("successful", res.Successful),
			logx.Int("failed", res.Failed+len(prepFailed)),
			logx.Int("skipped", res.Skipped),
			logx.Int("deferred", res.Deferred),
			logx.Int("sent_total", c.SentEmails),
			logx.Int("remaining", c.Remaining()))
		if completed {
			r.gw.CampaignComplete(notify.CampaignComplete{
				CampaignID:      c.ID,
				At:              now,
				TotalEmailsSent: c.SentEmails,
				TotalFailed:     c.FailedEmails,
				DurationDays:    c.DurationDays(),
			})
		}
	}

	if derr != nil && !errors.Is(derr, dispatch.ErrSuspended) {
		return derr
	}
	return nil
}

// terminalPrefix converts the dispatcher's outcomes into campaign accounting.
// Deferred messages stay pending; everything before the first deferral is
// terminal. Skip-listed recipients count as failures in campaign totals so
// completion detection still closes the run; the distinction survives in
// events and dispatch results.
func terminalPrefix(outs []dispatch.Outcome) []campaign.Outcome {
	res := make([]campaign.Outcome, 0, len(outs))
	for _, o := range outs {
		if o.Deferred {
			break
		}
		res = append(res, campaign.Outcome{Email: o.Email, Delivered: o.Delivered})
	}
	return res
}

func (r *Runner) markProcessed(id string, at time.Time) {
	r.pmu.Lock()
	r.lastProcessed[id] = at
	r.pmu.Unlock()
}
