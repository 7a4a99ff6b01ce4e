// Package dispatch sends prepared batches through the delivery transport,
// one message at a time, under the rate limiter's allowance and the recipient
// health tracker's skip list. Failures are categorized, transient ones
// retried, and the inter-message delay adapts to what the provider reports.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dripsend/internal/campaign"
	"dripsend/internal/health"
	"dripsend/internal/notify"
	"dripsend/internal/ratelimit"
	"dripsend/internal/transport"
	logx "dripsend/pkg/logx"
)

// ErrSuspended is returned while sending is latched off after an
// authentication failure. ResumeSending clears it.
var ErrSuspended = errors.New("sending suspended: authentication failure")

// errDeferred stops the chunk loop after a rate-limiter denial. Not an error
// from the caller's point of view.
var errDeferred = errors.New("remaining batch deferred")

type Config struct {
	// MaxRetries bounds additional attempts for transient failures.
	MaxRetries int
	// RetryDelay is the base pause before a retry; attempt n waits n*RetryDelay.
	RetryDelay time.Duration
	// SendTimeout bounds one transport call. A timeout counts as a transient
	// network failure.
	SendTimeout time.Duration
	// DelayMin/DelayMax bound the adaptive inter-message delay.
	DelayMin time.Duration
	DelayMax time.Duration
	// ChunkSize bounds per-chunk working state for very large batches.
	ChunkSize int
	// Adaptive enables delay scaling; when false the requested delay is used
	// as-is.
	Adaptive bool
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.DelayMin <= 0 {
		c.DelayMin = 500 * time.Millisecond
	}
	if c.DelayMax <= 0 {
		c.DelayMax = 30 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
}

// Outbound is one prepared message paired with its contact.
type Outbound struct {
	Contact campaign.Contact
	Message transport.Message
}

// Outcome is the terminal per-message result. Exactly one of Delivered,
// Skipped, Deferred is set, or none for a terminal failure.
type Outcome struct {
	Email             string
	CompanyName       string
	Delivered         bool
	Skipped           bool
	Deferred          bool
	Category          Category
	Error             string // sanitized
	ProviderMessageID string
	Attempts          int
}

// Result aggregates one Dispatch invocation. Deferred messages were not
// attempted; the caller retries them on a later tick.
type Result struct {
	Successful int
	Failed     int
	Skipped    int
	Deferred   int
	Outcomes   []Outcome
}

// Progress carries cumulative batch-local counts, reported after each
// attempted message.
type Progress struct {
	Sent         int // attempted so far (success + failure)
	Total        int
	SuccessCount int
	FailureCount int
}

// Dispatcher drives sequential delivery of prepared batches.
type Dispatcher struct {
	log logx.Logger

	mu  sync.Mutex
	cfg Config

	limiter *ratelimit.Limiter
	tracker *health.Tracker
	tr      transport.Transport
	gw      notify.Gateway

	suspended atomic.Bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, tr transport.Transport, limiter *ratelimit.Limiter, tracker *health.Tracker, gw notify.Gateway, log logx.Logger) *Dispatcher {
	cfg.setDefaults()
	if gw == nil {
		gw = notify.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log:     log,
		cfg:     cfg,
		limiter: limiter,
		tracker: tracker,
		tr:      tr,
		gw:      gw,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Apply swaps the configuration. Safe during live dispatches; the new values
// take effect on the next message.
func (d *Dispatcher) Apply(cfg Config) {
	cfg.setDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Suspended reports whether sending is latched off.
func (d *Dispatcher) Suspended() bool { return d.suspended.Load() }

// ResumeSending clears the authentication-failure latch, typically after the
// operator has corrected provider credentials.
func (d *Dispatcher) ResumeSending() {
	if d.suspended.CompareAndSwap(true, false) {
		d.log.Info("sending resumed")
	}
}

// run is the mutable state shared across chunks of one Dispatch call.
type run struct {
	campaignID  string
	total       int
	delay       time.Duration
	rateLimited bool
	onProgress  func(Progress)
	res         Result
}

// Dispatch sends the batch in list order. The returned Result is complete:
// every input message appears in Outcomes exactly once, as delivered, failed,
// skipped or deferred. A non-nil error means dispatch stopped early (context
// cancellation or authentication suspension); the Result is still valid.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID string, batch []Outbound, delay time.Duration, onProgress func(Progress)) (Result, error) {
	cfg := d.config()
	if delay <= 0 {
		delay = cfg.DelayMin
	}
	r := &run{
		campaignID: campaignID,
		total:      len(batch),
		delay:      delay,
		onProgress: onProgress,
	}
	if d.suspended.Load() {
		deferRemaining(r, batch)
		return r.res, ErrSuspended
	}

	for start := 0; start < len(batch); start += cfg.ChunkSize {
		end := start + cfg.ChunkSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := d.dispatchChunk(ctx, r, batch[start:end], end == len(batch)); err != nil {
			deferRemaining(r, batch[end:])
			if errors.Is(err, errDeferred) {
				return r.res, nil
			}
			return r.res, err
		}
	}
	return r.res, nil
}

func (d *Dispatcher) dispatchChunk(ctx context.Context, r *run, chunk []Outbound, last bool) error {
	// Outcomes are recorded in strict input order so that terminal outcomes
	// always form a prefix of the chunk; deferral is a suffix. Offset-based
	// paging upstream depends on that.
	for i, ob := range chunk {
		if d.tracker.ShouldSkip(ob.Contact.Email) {
			r.res.Skipped++
			r.res.Outcomes = append(r.res.Outcomes, Outcome{
				Email:       ob.Contact.Email,
				CompanyName: ob.Contact.CompanyName,
				Skipped:     true,
			})
			continue
		}

		dec := d.limiter.Check(ob.Contact.Email)
		if !dec.Allowed {
			d.log.Info("batch deferred by rate limiter",
				logx.String("campaign", r.campaignID),
				logx.String("reason", string(dec.Reason)),
				logx.Duration("retry_after", dec.RetryAfter),
				logx.Int("remaining", len(chunk)-i))
			deferRemaining(r, chunk[i:])
			return errDeferred
		}

		out, rateLimited := d.sendOne(ctx, ob)
		if rateLimited {
			r.rateLimited = true
		}
		if out.Delivered {
			d.limiter.RecordSuccess(ob.Contact.Email)
			d.tracker.RecordSuccess(ob.Contact.Email)
			r.res.Successful++
			d.gw.EmailSent(notify.EmailSent{
				CampaignID:        r.campaignID,
				At:                d.now(),
				Recipient:         ob.Contact.Email,
				CompanyName:       ob.Contact.CompanyName,
				ProviderMessageID: out.ProviderMessageID,
			})
		} else {
			d.limiter.RecordFailure()
			d.tracker.RecordFailure(ob.Contact.Email)
			r.res.Failed++
			d.gw.EmailError(notify.EmailError{
				CampaignID:   r.campaignID,
				At:           d.now(),
				Recipient:    ob.Contact.Email,
				CompanyName:  ob.Contact.CompanyName,
				ErrorMessage: out.Error,
			})
		}
		r.res.Outcomes = append(r.res.Outcomes, out)

		if r.onProgress != nil {
			r.onProgress(Progress{
				Sent:         r.res.Successful + r.res.Failed,
				Total:        r.total,
				SuccessCount: r.res.Successful,
				FailureCount: r.res.Failed,
			})
		}

		if out.Category == CategoryAuthentication {
			// Systemic, not per-message: latch sending off until the operator
			// intervenes.
			if d.suspended.CompareAndSwap(false, true) {
				d.log.Error("authentication failure, sending suspended",
					logx.String("campaign", r.campaignID),
					logx.String("err", out.Error))
			}
			deferRemaining(r, chunk[i+1:])
			return ErrSuspended
		}

		if i < len(chunk)-1 || !last {
			r.delay = d.adaptDelay(r)
			if err := d.sleep(ctx, r.delay); err != nil {
				deferRemaining(r, chunk[i+1:])
				return err
			}
		}
	}
	return nil
}

// sendOne attempts delivery with the transient-retry policy and returns a
// terminal outcome. rateLimited reports whether any attempt hit provider
// throttling, delivered or not; the adaptive delay reacts to it either way.
func (d *Dispatcher) sendOne(ctx context.Context, ob Outbound) (_ Outcome, rateLimited bool) {
	cfg := d.config()
	out := Outcome{Email: ob.Contact.Email, CompanyName: ob.Contact.CompanyName}

	var lastErr error
	var lastCat Category
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		out.Attempts = attempt
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		rcpt, err := d.tr.Send(sctx, ob.Message)
		cancel()
		if err == nil {
			out.Delivered = true
			out.ProviderMessageID = rcpt.ProviderMessageID
			return out, rateLimited
		}
		lastErr = err
		lastCat = Categorize(err)
		if lastCat == CategoryRateLimit {
			rateLimited = true
		}
		if !lastCat.Retryable() || attempt > cfg.MaxRetries {
			break
		}
		retryIn := cfg.RetryDelay * time.Duration(attempt)
		d.log.Debug("send retry scheduled",
			logx.String("to", ob.Contact.Email),
			logx.Int("attempt", attempt+1),
			logx.String("category", string(lastCat)),
			logx.Duration("delay", retryIn))
		if err := d.sleep(ctx, retryIn); err != nil {
			break
		}
	}

	out.Category = lastCat
	out.Error = Sanitize(lastErr.Error())
	d.log.Warn("send failed",
		logx.String("to", ob.Contact.Email),
		logx.String("category", string(lastCat)),
		logx.Int("attempts", out.Attempts),
		logx.String("err", out.Error))
	return out, rateLimited
}

// adaptDelay applies the adaptive spacing rule against the running batch
// state: provider rate limiting doubles the delay, a failure ratio over 50%
// grows it by half, a clean run decays it toward the floor.
func (d *Dispatcher) adaptDelay(r *run) time.Duration {
	cfg := d.config()
	if !cfg.Adaptive {
		return clamp(r.delay, cfg.DelayMin, cfg.DelayMax)
	}
	delay := r.delay
	attempted := r.res.Successful + r.res.Failed
	switch {
	case r.rateLimited:
		delay *= 2
	case attempted > 0 && r.res.Failed*2 > attempted:
		delay = delay * 3 / 2
	case r.res.Failed == 0:
		delay = delay * 9 / 10
	}
	return clamp(delay, cfg.DelayMin, cfg.DelayMax)
}

func deferRemaining(r *run, rest []Outbound) {
	for _, ob := range rest {
		r.res.Deferred++
		r.res.Outcomes = append(r.res.Outcomes, Outcome{
			Email:       ob.Contact.Email,
			CompanyName: ob.Contact.CompanyName,
			Deferred:    true,
		})
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
