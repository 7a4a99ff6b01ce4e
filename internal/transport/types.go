package transport

import (
	"context"

	"dripsend/internal/campaign"
)

// Message is one outbound email, fully rendered and ready for the provider.
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Attachment is an inline file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Receipt is the provider acknowledgement for an accepted message.
type Receipt struct {
	ProviderMessageID string
}

// Transport delivers rendered messages through an email provider. Send blocks
// until the provider accepts or rejects the message; callers bound it with a
// context deadline.
type Transport interface {
	Send(ctx context.Context, m Message) (Receipt, error)
}

// Preparer renders the message for one contact of a campaign. Template
// storage and rendering live behind this interface; the dispatch pipeline
// only sees finished messages.
type Preparer interface {
	Prepare(c *campaign.Campaign, contact campaign.Contact) (Message, error)
}

// PreparerFunc adapts a function to the Preparer interface.
type PreparerFunc func(c *campaign.Campaign, contact campaign.Contact) (Message, error)

func (f PreparerFunc) Prepare(c *campaign.Campaign, contact campaign.Contact) (Message, error) {
	return f(c, contact)
}
