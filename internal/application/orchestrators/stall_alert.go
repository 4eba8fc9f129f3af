package orchestrators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"idemgate/internal/adapters/email"
	domain "idemgate/internal/domain/idempotency"
)

// StallAlerter is told when Acquire moves an exhausted PROCESSING record to
// FAILED with no retry scheduled. Nothing will touch such a record again
// without operator action.
type StallAlerter interface {
	AlertStalled(ctx context.Context, rec domain.Record) error
}

var stallTemplate = template.Must(template.New("stall").Parse(`<p>An idempotency record exhausted its attempts while its lease was expired and is now stalled.</p>
<table>
<tr><th align="left">Scope</th><td>{{.Scope}}</td></tr>
<tr><th align="left">Key</th><td>{{.IdempotencyKey}}</td></tr>
<tr><th align="left">Attempts</th><td>{{.AttemptCount}}</td></tr>
<tr><th align="left">Fingerprint</th><td>{{if .PayloadFingerprint}}{{.PayloadFingerprint}}{{else}}(none){{end}}</td></tr>
<tr><th align="left">Last error</th><td>{{if .LastError}}{{.LastError}}{{else}}(none){{end}}</td></tr>
<tr><th align="left">Stalled at</th><td>{{.UpdatedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
</table>
<p>Inspect it with <code>GET /admin/records/{scope}/{key}</code>.</p>
`))

// EmailStallAlerter sends stall alerts as e-mail.
type EmailStallAlerter struct {
	Sender email.Sender
	From   string
	To     []string
}

// AlertStalled renders and sends one alert.
// PRE: a.Sender is set and a.To is non-empty
// POST: Message handed to the sender, or an error returned
func (a *EmailStallAlerter) AlertStalled(ctx context.Context, rec domain.Record) error {
	if a.Sender == nil || len(a.To) == 0 {
		return errors.New("stall alert: sender and recipients are required")
	}

	var body bytes.Buffer
	if err := stallTemplate.Execute(&body, rec); err != nil {
		return fmt.Errorf("render stall alert: %w", err)
	}

	_, err := a.Sender.Send(ctx, email.Message{
		To:      a.To,
		From:    a.From,
		Subject: fmt.Sprintf("[idemgate] stalled: %s", rec.Key()),
		HTML:    body.String(),
		Headers: map[string]string{
			"X-Entity-Ref-ID": fmt.Sprintf("%s@%d", rec.Key(), rec.UpdatedAt.Unix()),
		},
	})
	if err != nil {
		return fmt.Errorf("send stall alert for %s: %w", rec.Key(), err)
	}
	return nil
}
