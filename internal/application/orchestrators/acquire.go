package orchestrators

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	store "idemgate/internal/adapters/storage/idempotency"
	domain "idemgate/internal/domain/idempotency"
)

// EngineDeps holds the dependencies shared by Acquire and Complete.
type EngineDeps struct {
	Store store.Store
	// Now defaults to domain.Now.
	Now func() time.Time
	// Alerter is told about records this process forced into the stalled
	// state; nil disables alerts.
	Alerter StallAlerter
	Tracer  trace.Tracer
}

// ExecuteAcquire decides whether the caller may run the work behind req.Key.
// PRE: deps.Store is connected
// POST: Returns a decision, or an error when validation or the store fails;
// the record is written atomically with the decision
// INVARIANT: concurrent callers on one key never both receive PROCEED for the
// same lease
func ExecuteAcquire(ctx context.Context, req domain.AcquireRequest, deps EngineDeps) (domain.AcquireOutcome, error) {
	if err := req.Validate(); err != nil {
		return domain.AcquireOutcome{}, err
	}

	ctx, span := tracerOr(deps.Tracer).Start(ctx, "idemgate.acquire",
		trace.WithAttributes(
			attribute.String("idemgate.scope", req.Scope),
			attribute.String("idemgate.key", req.IdempotencyKey),
			attribute.Int("idemgate.max_attempts", req.MaxAttempts),
		),
	)

	var (
		outcome domain.AcquireOutcome
		stalled *domain.Record
	)
	err := deps.Store.Mutate(ctx, req.Key, func(current *domain.Record) (*domain.Record, error) {
		out, next, err := domain.Decide(current, req, nowOr(deps.Now))
		outcome, stalled = out, nil
		if err == nil && out.Stalled {
			stalled = next
		}
		return next, err
	})
	if err != nil {
		err = fmt.Errorf("acquire %s: %w", req.Key, err)
		endSpan(span, err)
		return domain.AcquireOutcome{}, err
	}

	span.SetAttributes(
		attribute.String("idemgate.decision", string(outcome.Decision)),
		attribute.Int("idemgate.attempt_count", outcome.AttemptCount),
	)
	endSpan(span, nil)

	slog.Info("acquire_decision",
		"scope", req.Scope,
		"idempotency_key", req.IdempotencyKey,
		"decision", outcome.Decision,
		"attempt_count", outcome.AttemptCount,
	)

	if stalled != nil {
		slog.Warn("record_stalled", "scope", stalled.Scope, "idempotency_key", stalled.IdempotencyKey,
			"attempt_count", stalled.AttemptCount)
		if deps.Alerter != nil {
			if alertErr := deps.Alerter.AlertStalled(ctx, *stalled); alertErr != nil {
				slog.Error("stall_alert_failed", "scope", stalled.Scope,
					"idempotency_key", stalled.IdempotencyKey, "error", alertErr)
			}
		}
	}
	return outcome, nil
}
