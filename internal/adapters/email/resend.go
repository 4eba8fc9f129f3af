package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendSender sends e-mail through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

// ResendOption customises a ResendSender.
type ResendOption func(*ResendSender)

// WithBaseURL points the client at another API root (tests, proxies).
func WithBaseURL(u *url.URL) ResendOption {
	return func(s *ResendSender) { s.client.BaseURL = u }
}

// NewResendSender creates a sender for apiKey with a default from address.
// PRE: apiKey is a valid Resend API key; from is a valid sender address
// POST: Returns a ready-to-use sender
func NewResendSender(apiKey, from string, opts ...ResendOption) *ResendSender {
	s := &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send submits one message.
// PRE: msg passes Validate
// POST: Message accepted by Resend; returns its message ID
func (s *ResendSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}
	from := msg.From
	if from == "" {
		from = s.from
	}

	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    from,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Headers: msg.Headers,
	})
	if err != nil {
		slog.Error("resend_send_failed", "error", err, "to", msg.To, "subject", msg.Subject)
		return Receipt{}, fmt.Errorf("resend send: %w", err)
	}

	slog.Info("resend_sent", "message_id", sent.Id, "to", msg.To)
	return Receipt{MessageID: sent.Id, SentAt: time.Now()}, nil
}
