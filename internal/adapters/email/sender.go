package email

import (
	"context"
	"errors"
	"time"
)

// Message is one outbound e-mail.
type Message struct {
	To      []string
	From    string // empty uses the sender's default address
	Subject string
	HTML    string
	// Headers are added verbatim, e.g. an idempotency header for the provider.
	Headers map[string]string
}

// Validate checks the fields every provider needs.
func (m Message) Validate() error {
	if len(m.To) == 0 {
		return errors.New("email: at least one recipient is required")
	}
	if m.Subject == "" {
		return errors.New("email: subject is required")
	}
	return nil
}

// Receipt is what the provider returned for an accepted message.
type Receipt struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers e-mail through an external provider.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}
