// Package app wires the dispatch engine together: config, logging, storage,
// rate limiting, dispatching, scheduling, and the event gateway. cmd/dripsend
// is flag and signal handling only.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dripsend/internal/campaign"
	"dripsend/internal/config"
	"dripsend/internal/dispatch"
	"dripsend/internal/eventbus"
	"dripsend/internal/health"
	"dripsend/internal/notify"
	"dripsend/internal/ratelimit"
	"dripsend/internal/runner"
	"dripsend/internal/runtime/supervisor"
	"dripsend/internal/schedule"
	"dripsend/internal/store"
	"dripsend/internal/transport"
	logx "dripsend/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus eventbus.Bus
	gw  notify.Gateway

	st      store.Store
	limiter *ratelimit.Limiter
	tracker *health.Tracker
	disp    *dispatch.Dispatcher
	sched   *schedule.Service
	run     *runner.Runner

	tr   transport.Transport
	prep transport.Preparer
}

type Option func(*App)

// WithTransport plugs in the real delivery provider. Without it the app runs
// on the dry-run transport.
func WithTransport(tr transport.Transport) Option {
	return func(a *App) { a.tr = tr }
}

// WithPreparer plugs in the message renderer.
func WithPreparer(p transport.Preparer) Option {
	return func(a *App) { a.prep = p }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()
	gw := notify.NewBusGateway(bus)
	// Forward warn+ log records to the event stream as ServerLog events.
	logSvc.SetGateway(gw.ServerLog)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		gw:      gw,
	}
	for _, o := range opts {
		o(a)
	}
	if a.tr == nil {
		a.tr = transport.NewDryRun(log.With(logx.String("comp", "transport")))
	}
	if a.prep == nil {
		a.prep = transport.NewBasicPreparer("", "")
	}

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	a.st = st
	log.Info("store opened", logx.String("driver", stCfg.Driver))

	limCfg, err := mapLimiterConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(limCfg, log.With(logx.String("comp", "ratelimit")))
	a.tracker = health.New(mapHealthConfig(cfg), log.With(logx.String("comp", "health")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = dispatch.New(dispCfg, a.tr, a.limiter, a.tracker, gw,
		log.With(logx.String("comp", "dispatch")))

	a.sched = schedule.New(schedule.Config{Timezone: cfg.Scheduler.Timezone},
		log.With(logx.String("comp", "schedule")))

	runCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.run = runner.New(runCfg, a.st, a.limiter, a.tracker, a.disp, a.prep, gw,
		log.With(logx.String("comp", "runner")))

	return a, nil
}

// Bus exposes the event stream so front-ends can subscribe.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Campaigns exposes campaign storage for read paths.
func (a *App) Campaigns() store.Store { return a.st }

// Suspended reports whether sending is latched off after an authentication
// failure.
func (a *App) Suspended() bool { return a.disp.Suspended() }

// ResumeSending clears the authentication-failure latch.
func (a *App) ResumeSending() {
	a.disp.ResumeSending()
	a.log.Info("sending resumed by operator")
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// CreateCampaign persists a new campaign and, when the app is running,
// kicks off an immediate first batch so the creator sees early feedback.
// A non-positive delay falls back to the configured default; out-of-bounds
// delays are clamped.
func (a *App) CreateCampaign(ctx context.Context, contacts []campaign.Contact, delay time.Duration) (*campaign.Campaign, error) {
	cfg := a.cfgm.Get()
	minD, defD, maxD := delayBounds(cfg)
	if delay <= 0 {
		delay = defD
	}
	if delay < minD {
		delay = minD
	}
	if delay > maxD {
		delay = maxD
	}

	c, err := campaign.New(contacts, int(delay/time.Millisecond))
	if err != nil {
		return nil, err
	}
	if err := a.st.Put(ctx, c); err != nil {
		return nil, err
	}
	a.log.Info("campaign created",
		logx.String("campaign", c.ID),
		logx.Int("contacts", c.TotalEmails),
		logx.Duration("delay", delay))

	if a.sup != nil {
		id := c.ID
		a.sup.Go0("campaign.kickoff", func(ctx context.Context) {
			if err := a.run.ProcessNow(ctx, id); err != nil {
				a.log.Warn("immediate processing failed",
					logx.String("campaign", id), logx.Err(err))
			}
		})
	}
	return c, nil
}

// PauseCampaign, ResumeCampaign, and DeleteCampaign move a campaign through
// its lifecycle; illegal transitions surface the typed campaign error.
func (a *App) PauseCampaign(ctx context.Context, id string) error {
	return a.transition(ctx, id, campaign.StatusPaused)
}

func (a *App) ResumeCampaign(ctx context.Context, id string) error {
	return a.transition(ctx, id, campaign.StatusActive)
}

func (a *App) DeleteCampaign(ctx context.Context, id string) error {
	return a.transition(ctx, id, campaign.StatusDeleted)
}

func (a *App) transition(ctx context.Context, id string, to campaign.Status) error {
	c, err := a.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Transition(to); err != nil {
		return err
	}
	if err := a.st.Put(ctx, c); err != nil {
		return err
	}
	a.log.Info("campaign status changed",
		logx.String("campaign", id), logx.String("status", string(to)))
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	cfg := a.cfgm.Get()
	if cfg.Scheduler.Enabled {
		if err := a.run.Register(a.sched); err != nil {
			return fmt.Errorf("register scheduled tasks: %w", err)
		}
		a.sched.Start()
	} else {
		a.log.Warn("scheduler disabled; campaigns only process via ProcessNow")
	}

	// Debug trace of the event stream. Components subscribe themselves for
	// real work; this is observability only.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated hot-reloaded config into the running
// components. Store driver/path and scheduler timezone/tick changes need a
// restart; everything else applies live.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg))

	if limCfg, err := mapLimiterConfig(newCfg); err != nil {
		a.log.Warn("invalid limits config; keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(limCfg)
	}
	a.tracker.Apply(mapHealthConfig(newCfg))
	if dispCfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dispCfg)
	}
	if runCfg, err := mapRunnerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.run.Apply(runCfg)
	}

	if oldCfg.Store != newCfg.Store {
		a.log.Warn("store config changed; restart required for changes to take effect")
	}
	if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone ||
		oldCfg.Scheduler.Tick != newCfg.Scheduler.Tick {
		a.log.Warn("scheduler timezone/tick changed; restart required for changes to take effect")
	}

	// Enable/disable the scheduler on the fly.
	if oldCfg.Scheduler.Enabled && !newCfg.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if !oldCfg.Scheduler.Enabled && newCfg.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		if err := a.run.Register(a.sched); err != nil {
			a.log.Error("registering scheduled tasks failed", logx.Err(err))
		} else {
			a.sched.Start()
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end",
				logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		return a.sup.Wait(c)
	})
	step("store", 2*time.Second, func(c context.Context) error {
		return a.st.Close()
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
