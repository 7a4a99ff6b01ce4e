// Package campaign holds the persisted state of one outreach run and the
// rules for advancing it: batch paging, daily accounting and the status state
// machine.
package campaign

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DateFormat is the calendar-day key used by daily logs.
const DateFormat = "2006-01-02"

var ErrNoContacts = errors.New("campaign has no contacts")

// Contact is one recipient of a campaign. The contact list is immutable after
// creation; batch paging relies on its stable order.
type Contact struct {
	Email       string `json:"email"`
	CompanyName string `json:"company_name,omitempty"`
}

// DailyLog records what was attempted for the campaign on one calendar day.
// Entries are appended in chronological order; an entry may grow while its
// day is current but is never touched after the day closes.
type DailyLog struct {
	Date        string   `json:"date"` // YYYY-MM-DD
	Recipients  []string `json:"recipients"`
	TotalSent   int      `json:"total_sent"`
	TotalFailed int      `json:"total_failed"`
}

// Outcome is the terminal per-recipient result of a dispatch, as applied to
// campaign accounting. Skip-listed recipients are terminal failures from the
// campaign's point of view; the distinction survives in events and batch
// results.
type Outcome struct {
	Email     string
	Delivered bool
}

// Campaign is one outreach run targeting a fixed recipient list.
//
// Ownership: the scheduler is the sole mutator of progress fields
// (Sent/Failed/Processed/DailyLogs/LastProcessedAt); the creation path is the
// sole writer of Contacts and TotalEmails.
type Campaign struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	Contacts    []Contact `json:"contacts"`
	TotalEmails int       `json:"total_emails"`

	SentEmails   int `json:"sent_emails"`
	FailedEmails int `json:"failed_emails"`
	// ProcessedEmails is the paging offset into Contacts. It is redundant with
	// the daily logs while they are complete, but survives log trimming.
	ProcessedEmails int `json:"processed_emails"`

	DailyLogs []DailyLog `json:"daily_logs"`

	// DelayMs is the configured minimum spacing between sends for this run.
	DelayMs int `json:"delay_ms"`

	CreatedAt       time.Time `json:"created_at"`
	LastProcessedAt time.Time `json:"last_processed_at,omitzero"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
}

// New creates an active campaign over contacts.
func New(contacts []Contact, delayMs int) (*Campaign, error) {
	if len(contacts) == 0 {
		return nil, ErrNoContacts
	}
	cs := make([]Contact, len(contacts))
	copy(cs, contacts)
	return &Campaign{
		ID:          uuid.NewString(),
		Status:      StatusActive,
		Contacts:    cs,
		TotalEmails: len(cs),
		DelayMs:     delayMs,
		CreatedAt:   time.Now(),
	}, nil
}

// Transition moves the campaign to the requested status, rejecting moves the
// state machine forbids.
func (c *Campaign) Transition(to Status) error {
	if !CanTransition(c.Status, to) {
		return &TransitionError{From: c.Status, To: to}
	}
	c.Status = to
	return nil
}

// Remaining reports how many contacts have not been processed yet.
func (c *Campaign) Remaining() int {
	rem := c.TotalEmails - c.ProcessedEmails
	if rem < 0 {
		return 0
	}
	return rem
}

// ProcessedToday returns how many recipients were processed on the given day.
func (c *Campaign) ProcessedToday(date string) int {
	for i := len(c.DailyLogs) - 1; i >= 0; i-- {
		if c.DailyLogs[i].Date == date {
			return len(c.DailyLogs[i].Recipients)
		}
	}
	return 0
}

// NextBatch returns up to n not-yet-processed contacts in stable list order.
// It never mutates state; the offset advances only when ApplyBatch records
// outcomes.
func (c *Campaign) NextBatch(n int) []Contact {
	if n <= 0 {
		return nil
	}
	start := c.ProcessedEmails
	if start >= len(c.Contacts) {
		return nil
	}
	end := start + n
	if end > len(c.Contacts) {
		end = len(c.Contacts)
	}
	out := make([]Contact, end-start)
	copy(out, c.Contacts[start:end])
	return out
}

// ApplyBatch records terminal outcomes for one dispatched batch under the
// given calendar day, advances counters, and auto-completes the campaign when
// every contact has a terminal outcome. It reports whether this call
// completed the campaign.
//
// The invariant SentEmails + FailedEmails <= TotalEmails always holds; excess
// outcomes (which would indicate a paging bug upstream) are dropped.
func (c *Campaign) ApplyBatch(date string, outcomes []Outcome, now time.Time) (completed bool) {
	if len(outcomes) == 0 {
		return false
	}

	entry := c.dayEntry(date)
	for _, o := range outcomes {
		if c.SentEmails+c.FailedEmails >= c.TotalEmails {
			break
		}
		entry.Recipients = append(entry.Recipients, o.Email)
		c.ProcessedEmails++
		if o.Delivered {
			entry.TotalSent++
			c.SentEmails++
		} else {
			entry.TotalFailed++
			c.FailedEmails++
		}
	}
	if c.ProcessedEmails > c.TotalEmails {
		c.ProcessedEmails = c.TotalEmails
	}
	c.LastProcessedAt = now

	if c.Status == StatusActive && c.SentEmails+c.FailedEmails >= c.TotalEmails {
		// CompletedAt is set exactly once.
		if c.CompletedAt.IsZero() {
			c.CompletedAt = now
		}
		c.Status = StatusCompleted
		return true
	}
	return false
}

// dayEntry returns the log entry for date, appending a fresh one if the most
// recent entry is for an earlier day.
func (c *Campaign) dayEntry(date string) *DailyLog {
	if n := len(c.DailyLogs); n > 0 && c.DailyLogs[n-1].Date == date {
		return &c.DailyLogs[n-1]
	}
	c.DailyLogs = append(c.DailyLogs, DailyLog{Date: date})
	return &c.DailyLogs[len(c.DailyLogs)-1]
}

// DurationDays is the number of calendar days the campaign was in flight,
// minimum 1. Meaningful once completed.
func (c *Campaign) DurationDays() int {
	end := c.CompletedAt
	if end.IsZero() {
		end = c.LastProcessedAt
	}
	if end.IsZero() || end.Before(c.CreatedAt) {
		return 1
	}
	days := int(end.Sub(c.CreatedAt).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	return days
}

// TrimLogs drops all but the most recent depth daily log entries. Paging is
// unaffected because ProcessedEmails is tracked independently. Returns how
// many entries were dropped.
func (c *Campaign) TrimLogs(depth int) int {
	if depth <= 0 || len(c.DailyLogs) <= depth {
		return 0
	}
	dropped := len(c.DailyLogs) - depth
	c.DailyLogs = append([]DailyLog(nil), c.DailyLogs[dropped:]...)
	return dropped
}

// Clone returns a deep copy. Store caches hand out clones so callers can
// mutate freely.
func (c *Campaign) Clone() *Campaign {
	cp := *c
	cp.Contacts = append([]Contact(nil), c.Contacts...)
	cp.DailyLogs = make([]DailyLog, len(c.DailyLogs))
	for i, d := range c.DailyLogs {
		d.Recipients = append([]string(nil), d.Recipients...)
		cp.DailyLogs[i] = d
	}
	return &cp
}
