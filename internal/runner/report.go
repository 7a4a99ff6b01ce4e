package runner

import (
	"context"
	"time"

	"dripsend/internal/campaign"
	"dripsend/internal/notify"
	logx "dripsend/pkg/logx"
)

// Housekeep prunes in-memory caches and trims persisted daily-log history.
func (r *Runner) Housekeep(ctx context.Context) error {
	cfg := r.config()
	now := r.now().In(r.loc)
	retention := time.Duration(cfg.LogRetentionDays) * 24 * time.Hour

	r.pmu.Lock()
	pruned := 0
	for id, at := range r.lastProcessed {
		if now.Sub(at) > retention {
			delete(r.lastProcessed, id)
			pruned++
		}
	}
	r.pmu.Unlock()

	healthPruned := r.tracker.PruneZero()
	domainsPruned := r.limiter.PruneDomains(retention)

	trimmed := 0
	if cfg.DailyLogDepth > 0 {
		campaigns, err := r.store.List(ctx)
		if err != nil {
			return err
		}
		for _, c := range campaigns {
			if dropped := c.TrimLogs(cfg.DailyLogDepth); dropped > 0 {
				if err := r.store.Put(ctx, c); err != nil {
					r.log.Error("daily log trim persist failed",
						logx.String("campaign", c.ID), logx.Err(err))
					continue
				}
				trimmed += dropped
			}
		}
	}

	r.log.Debug("housekeeping finished",
		logx.Int("progress_pruned", pruned),
		logx.Int("health_pruned", healthPruned),
		logx.Int("domains_pruned", domainsPruned),
		logx.Int("log_entries_trimmed", trimmed))
	return nil
}

// Report aggregates cross-campaign statistics for the current day and hands
// them to the gateway. kind is "open" or "close", matching the window edge
// that triggered it.
func (r *Runner) Report(ctx context.Context, kind string) error {
	now := r.now().In(r.loc)
	date := now.Format(campaign.DateFormat)

	campaigns, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	rep := notify.DailyReport{
		At:              now,
		Kind:            kind,
		Date:            date,
		GlobalRemaining: r.limiter.DayRemaining(),
	}
	for _, c := range campaigns {
		switch c.Status {
		case campaign.StatusActive:
			rep.ActiveCampaigns++
		case campaign.StatusPaused:
			rep.PausedCampaigns++
		}
		for i := len(c.DailyLogs) - 1; i >= 0; i-- {
			if c.DailyLogs[i].Date == date {
				rep.SentToday += c.DailyLogs[i].TotalSent
				rep.FailedToday += c.DailyLogs[i].TotalFailed
			}
		}
	}

	r.gw.DailyReport(rep)
	r.log.Info("daily report published",
		logx.String("kind", kind),
		logx.String("date", date),
		logx.Int("active", rep.ActiveCampaigns),
		logx.Int("sent_today", rep.SentToday),
		logx.Int("failed_today", rep.FailedToday),
		logx.Int("global_remaining", rep.GlobalRemaining))
	return nil
}
