package notify

import "time"

// Event type constants as they appear on the bus.
const (
	TypeCampaignProgress = "campaign.progress"
	TypeEmailSent        = "email.sent"
	TypeEmailError       = "email.error"
	TypeCampaignComplete = "campaign.complete"
	TypeDailyReport      = "daily.report"
	TypeServerLog        = "server.log"
)

// CampaignProgress is emitted after each processed message with cumulative
// counts for the campaign.
type CampaignProgress struct {
	CampaignID   string    `json:"campaign_id"`
	At           time.Time `json:"at"`
	Sent         int       `json:"sent"`
	Total        int       `json:"total"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
}

type EmailSent struct {
	CampaignID        string    `json:"campaign_id"`
	At                time.Time `json:"at"`
	Recipient         string    `json:"recipient"`
	CompanyName       string    `json:"company_name,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
}

// EmailError carries a sanitized error message; credentials are scrubbed
// before the event is published.
type EmailError struct {
	CampaignID   string    `json:"campaign_id"`
	At           time.Time `json:"at"`
	Recipient    string    `json:"recipient"`
	CompanyName  string    `json:"company_name,omitempty"`
	ErrorMessage string    `json:"error_message"`
}

type CampaignComplete struct {
	CampaignID      string    `json:"campaign_id"`
	At              time.Time `json:"at"`
	TotalEmailsSent int       `json:"total_emails_sent"`
	TotalFailed     int       `json:"total_failed"`
	DurationDays    int       `json:"duration_days"`
}

// DailyReport aggregates cross-campaign statistics at the open and close of
// the active sending window.
type DailyReport struct {
	At              time.Time `json:"at"`
	Kind            string    `json:"kind"` // "open" or "close"
	Date            string    `json:"date"` // YYYY-MM-DD
	ActiveCampaigns int       `json:"active_campaigns"`
	PausedCampaigns int       `json:"paused_campaigns"`
	SentToday       int       `json:"sent_today"`
	FailedToday     int       `json:"failed_today"`
	GlobalRemaining int       `json:"global_remaining"`
}

type ServerLog struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}
