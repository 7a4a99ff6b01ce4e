package transport

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"dripsend/internal/campaign"
	logx "dripsend/pkg/logx"
)

// DryRun is a Transport that delivers nowhere: every send succeeds and is
// logged at debug level. It is the default transport of the binary, so the
// engine can run end to end before a provider integration is plugged in.
type DryRun struct {
	log logx.Logger
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Send(ctx context.Context, m Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := uuid.NewString()
	d.log.Debug("dry-run send",
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.Int("body_bytes", len(m.Body)),
		logx.String("message_id", id))
	return Receipt{ProviderMessageID: id}, nil
}

// NewBasicPreparer returns a Preparer that fills in the recipient and passes
// subject/body through untouched. Template rendering stays outside the
// engine; this covers plain-text campaigns and testing.
func NewBasicPreparer(subject, body string) Preparer {
	return PreparerFunc(func(c *campaign.Campaign, contact campaign.Contact) (Message, error) {
		return Message{
			To:      strings.TrimSpace(contact.Email),
			Subject: subject,
			Body:    body,
		}, nil
	})
}
