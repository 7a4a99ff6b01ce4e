package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"dripsend/internal/campaign"
	"dripsend/internal/dispatch"
	"dripsend/internal/health"
	"dripsend/internal/notify"
	"dripsend/internal/ratelimit"
	"dripsend/internal/store"
	"dripsend/internal/transport"
	logx "dripsend/pkg/logx"
)

type fakeGateway struct {
	mu       sync.Mutex
	progress []notify.CampaignProgress
	sent     []notify.EmailSent
	errs     []notify.EmailError
	complete []notify.CampaignComplete
	reports  []notify.DailyReport
}

func (g *fakeGateway) CampaignProgress(e notify.CampaignProgress) {
	g.mu.Lock()
	g.progress = append(g.progress, e)
	g.mu.Unlock()
}
func (g *fakeGateway) EmailSent(e notify.EmailSent) {
	g.mu.Lock()
	g.sent = append(g.sent, e)
	g.mu.Unlock()
}
func (g *fakeGateway) EmailError(e notify.EmailError) {
	g.mu.Lock()
	g.errs = append(g.errs, e)
	g.mu.Unlock()
}
func (g *fakeGateway) CampaignComplete(e notify.CampaignComplete) {
	g.mu.Lock()
	g.complete = append(g.complete, e)
	g.mu.Unlock()
}
func (g *fakeGateway) DailyReport(e notify.DailyReport) {
	g.mu.Lock()
	g.reports = append(g.reports, e)
	g.mu.Unlock()
}
func (g *fakeGateway) ServerLog(level, message string) {}

func (g *fakeGateway) events() (progress, sent, errs, complete int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.progress), len(g.sent), len(g.errs), len(g.complete)
}

// failTransport fails for addresses matched by failWhen, succeeds otherwise.
type failTransport struct {
	mu       sync.Mutex
	failWhen func(to string) error
	sent     []string
}

func (f *failTransport) Send(ctx context.Context, m transport.Message) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWhen != nil {
		if err := f.failWhen(m.To); err != nil {
			return transport.Receipt{}, err
		}
	}
	f.sent = append(f.sent, m.To)
	return transport.Receipt{ProviderMessageID: fmt.Sprintf("m%d", len(f.sent))}, nil
}

type harness struct {
	r       *Runner
	store   store.Store
	limiter *ratelimit.Limiter
	tracker *health.Tracker
	disp    *dispatch.Dispatcher
	tr      *failTransport
	gw      *fakeGateway
	clock   time.Time
	cmu     sync.Mutex
}

func (h *harness) now() time.Time {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	return h.clock
}

func (h *harness) advanceToNextDay() {
	h.cmu.Lock()
	y, m, d := h.clock.Date()
	h.clock = time.Date(y, m, d+1, 9, 0, 0, 0, h.clock.Location())
	h.cmu.Unlock()
}

func newHarness(t *testing.T, cfg Config, limCfg ratelimit.Config) *harness {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "file", Path: t.TempDir(), CacheTTL: -1}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store: st,
		tr:    &failTransport{},
		gw:    &fakeGateway{},
		clock: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	h.limiter = ratelimit.New(limCfg, logx.Nop())
	h.limiter.SetNow(h.now)
	h.tracker = health.New(health.Config{Enabled: true, MaxFailures: 3}, logx.Nop())
	h.disp = dispatch.New(dispatch.Config{
		DelayMin: time.Nanosecond,
		DelayMax: time.Nanosecond,
	}, h.tr, h.limiter, h.tracker, h.gw, logx.Nop())

	prep := transport.PreparerFunc(func(c *campaign.Campaign, ct campaign.Contact) (transport.Message, error) {
		return transport.Message{To: ct.Email, Subject: "hello", Body: "hi " + ct.CompanyName}, nil
	})
	h.r = New(cfg, st, h.limiter, h.tracker, h.disp, prep, h.gw, logx.Nop())
	h.r.loc = time.UTC
	h.r.now = h.now
	return h
}

func (h *harness) seed(t *testing.T, n int) *campaign.Campaign {
	t.Helper()
	contacts := make([]campaign.Contact, n)
	for i := range contacts {
		contacts[i] = campaign.Contact{Email: fmt.Sprintf("user%04d@example.com", i), CompanyName: "Acme"}
	}
	c, err := campaign.New(contacts, 0)
	if err != nil {
		t.Fatalf("new campaign: %v", err)
	}
	c.CreatedAt = h.now()
	if err := h.store.Put(context.Background(), c); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	return c
}

func (h *harness) reload(t *testing.T, id string) *campaign.Campaign {
	t.Helper()
	c, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	return c
}

func TestMultiDayCampaignRunsToCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{
		CampaignDailyLimit: 300,
		HardCeilingPerTick: 300,
	}, ratelimit.Config{PerDay: 500})
	c := h.seed(t, 700)
	ctx := context.Background()

	// Day 1: bounded by the campaign daily limit.
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := h.reload(t, c.ID)
	if got.SentEmails != 300 {
		t.Fatalf("day 1: want 300 sent, got %d", got.SentEmails)
	}
	// A second tick the same day is a no-op for this campaign.
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got = h.reload(t, c.ID); got.SentEmails != 300 {
		t.Fatalf("same-day re-tick must not send, got %d", got.SentEmails)
	}

	// Day 2: next 300.
	h.advanceToNextDay()
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got = h.reload(t, c.ID); got.SentEmails != 600 {
		t.Fatalf("day 2: want 600 sent, got %d", got.SentEmails)
	}

	// Day 3: final 100, campaign completes.
	h.advanceToNextDay()
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got = h.reload(t, c.ID)
	if got.SentEmails != 700 || got.Status != campaign.StatusCompleted {
		t.Fatalf("day 3: sent=%d status=%s", got.SentEmails, got.Status)
	}
	if len(got.DailyLogs) != 3 {
		t.Fatalf("want 3 daily log entries, got %d", len(got.DailyLogs))
	}
	_, _, _, complete := h.gw.events()
	if complete != 1 {
		t.Fatalf("completion event must fire exactly once, got %d", complete)
	}
	if h.gw.complete[0].DurationDays != 3 {
		t.Fatalf("want 3 duration days, got %d", h.gw.complete[0].DurationDays)
	}
}

func TestGlobalAllowanceTruncatesBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{
		CampaignDailyLimit: 300,
		HardCeilingPerTick: 300,
	}, ratelimit.Config{PerDay: 500})
	// Global counter already at 480/500.
	for i := 0; i < 480; i++ {
		h.limiter.RecordSuccess("warm@example.com")
	}
	c := h.seed(t, 50)
	ctx := context.Background()

	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := h.reload(t, c.ID)
	if got.SentEmails != 20 {
		t.Fatalf("want exactly 20 attempted, got %d", got.SentEmails)
	}
	if got.Remaining() != 30 {
		t.Fatalf("want 30 pending for the next tick, got %d", got.Remaining())
	}

	// Allowance exhausted: the next tick is a no-op.
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got = h.reload(t, c.ID); got.SentEmails != 20 {
		t.Fatalf("exhausted day must not send, got %d", got.SentEmails)
	}

	// Next day the remaining 30 go out.
	h.advanceToNextDay()
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got = h.reload(t, c.ID)
	if got.SentEmails != 50 || got.Status != campaign.StatusCompleted {
		t.Fatalf("sent=%d status=%s", got.SentEmails, got.Status)
	}
}

func TestChronicallyFailingRecipientIsSkipListed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{
		CampaignDailyLimit: 100,
		HardCeilingPerTick: 100,
	}, ratelimit.Config{})
	h.tr.failWhen = func(to string) error {
		if strings.HasPrefix(to, "bad@") {
			return errors.New("550 5.1.1 no such user")
		}
		return nil
	}

	contacts := []campaign.Contact{
		{Email: "bad@example.com"}, {Email: "ok1@example.com"},
		{Email: "bad@example.com"}, {Email: "ok2@example.com"},
		{Email: "bad@example.com"}, {Email: "ok3@example.com"},
		{Email: "bad@example.com"}, // 4th occurrence: must be skipped
	}
	c, err := campaign.New(contacts, 0)
	if err != nil {
		t.Fatalf("new campaign: %v", err)
	}
	c.CreatedAt = h.now()
	if err := h.store.Put(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := h.r.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got := h.reload(t, c.ID)
	if got.Status != campaign.StatusCompleted {
		t.Fatalf("campaign must complete, got %s", got.Status)
	}
	// 3 delivered, 3 terminal failures, 1 skip (a failure in campaign
	// accounting).
	if got.SentEmails != 3 || got.FailedEmails != 4 {
		t.Fatalf("sent=%d failed=%d", got.SentEmails, got.FailedEmails)
	}
	// The transport never saw the 4th occurrence.
	for _, to := range h.tr.sent {
		if to == "bad@example.com" {
			t.Fatalf("skip-listed address must not reach the transport")
		}
	}
	if !h.tracker.ShouldSkip("bad@example.com") {
		t.Fatal("address must be skip-listed")
	}
}

func TestEmptyTickIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ratelimit.Config{})
	if err := h.r.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	p, s, e, c := h.gw.events()
	if p+s+e+c != 0 {
		t.Fatalf("empty tick must emit nothing: %d %d %d %d", p, s, e, c)
	}
	if h.limiter.DayCount() != 0 {
		t.Fatal("empty tick must not consume allowance")
	}
}

func TestPausedCampaignIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, ratelimit.Config{})
	c := h.seed(t, 5)
	got := h.reload(t, c.ID)
	if err := got.Transition(campaign.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.store.Put(context.Background(), got); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := h.r.ProcessTick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got = h.reload(t, c.ID); got.SentEmails != 0 {
		t.Fatalf("paused campaign must not send, got %d", got.SentEmails)
	}
}

func TestWindowGatesTickButNotProcessNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{
		WindowStartHour: 8,
		WindowEndHour:   20,
	}, ratelimit.Config{})
	h.cmu.Lock()
	h.clock = time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC) // outside window
	h.cmu.Unlock()
	c := h.seed(t, 5)
	ctx := context.Background()

	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := h.reload(t, c.ID); got.SentEmails != 0 {
		t.Fatalf("tick outside window must not send, got %d", got.SentEmails)
	}

	// The immediate path bypasses the window.
	if err := h.r.ProcessNow(ctx, c.ID); err != nil {
		t.Fatalf("process now: %v", err)
	}
	got := h.reload(t, c.ID)
	if got.SentEmails != 5 || got.Status != campaign.StatusCompleted {
		t.Fatalf("sent=%d status=%s", got.SentEmails, got.Status)
	}
}

func TestProgressEventsCarryCumulativeCounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{CampaignDailyLimit: 2, HardCeilingPerTick: 2}, ratelimit.Config{})
	c := h.seed(t, 4)
	ctx := context.Background()

	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	h.advanceToNextDay()
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	if len(h.gw.progress) != 4 {
		t.Fatalf("want 4 progress events, got %d", len(h.gw.progress))
	}
	for i, p := range h.gw.progress {
		if p.Sent != i+1 || p.Total != 4 || p.CampaignID != c.ID {
			t.Fatalf("event %d not cumulative: %+v", i, p)
		}
	}
}

func TestHousekeepingTrimsLogsAndCaches(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{
		CampaignDailyLimit: 1,
		HardCeilingPerTick: 1,
		DailyLogDepth:      2,
		LogRetentionDays:   1,
	}, ratelimit.Config{})
	c := h.seed(t, 4)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := h.r.ProcessTick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		h.advanceToNextDay()
	}
	got := h.reload(t, c.ID)
	if len(got.DailyLogs) != 4 {
		t.Fatalf("want 4 daily logs before housekeeping, got %d", len(got.DailyLogs))
	}

	h.advanceToNextDay() // push the last processing stamp past retention
	if err := h.r.Housekeep(ctx); err != nil {
		t.Fatalf("housekeep: %v", err)
	}
	got = h.reload(t, c.ID)
	if len(got.DailyLogs) != 2 {
		t.Fatalf("want logs trimmed to 2, got %d", len(got.DailyLogs))
	}
	// Trimming never disturbs completion accounting.
	if got.Status != campaign.StatusCompleted || got.SentEmails != 4 {
		t.Fatalf("status=%s sent=%d", got.Status, got.SentEmails)
	}

	h.r.pmu.Lock()
	n := len(h.r.lastProcessed)
	h.r.pmu.Unlock()
	if n != 0 {
		t.Fatalf("stale progress cache entries must be pruned, got %d", n)
	}
}

func TestDailyReportAggregation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{CampaignDailyLimit: 10, HardCeilingPerTick: 10}, ratelimit.Config{PerDay: 100})
	a := h.seed(t, 3)
	b := h.seed(t, 2)
	_ = a
	got := h.reload(t, b.ID)
	if err := got.Transition(campaign.StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.store.Put(context.Background(), got); err != nil {
		t.Fatalf("persist: %v", err)
	}

	ctx := context.Background()
	if err := h.r.ProcessTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := h.r.Report(ctx, "close"); err != nil {
		t.Fatalf("report: %v", err)
	}

	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	if len(h.gw.reports) != 1 {
		t.Fatalf("want 1 report, got %d", len(h.gw.reports))
	}
	rep := h.gw.reports[0]
	if rep.Kind != "close" || rep.PausedCampaigns != 1 || rep.SentToday != 3 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.GlobalRemaining != 97 {
		t.Fatalf("want 97 remaining, got %d", rep.GlobalRemaining)
	}
}
