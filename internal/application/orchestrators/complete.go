package orchestrators

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "idemgate/internal/domain/idempotency"
)

// ExecuteComplete records the outcome the caller reports for req.Key.
// PRE: deps.Store is connected
// POST: Returns the updated record; domain.ErrNotFound when the key was
// never acquired, an ErrValidation-wrapped error for bad input
func ExecuteComplete(ctx context.Context, req domain.CompleteRequest, deps EngineDeps) (domain.Record, error) {
	if err := req.Validate(); err != nil {
		return domain.Record{}, err
	}

	ctx, span := tracerOr(deps.Tracer).Start(ctx, "idemgate.complete",
		trace.WithAttributes(
			attribute.String("idemgate.scope", req.Scope),
			attribute.String("idemgate.key", req.IdempotencyKey),
			attribute.String("idemgate.final_status", string(req.FinalStatus)),
		),
	)

	var updated domain.Record
	err := deps.Store.Mutate(ctx, req.Key, func(current *domain.Record) (*domain.Record, error) {
		if current == nil {
			return nil, domain.ErrNotFound
		}
		updated = domain.ApplyCompletion(*current, req, nowOr(deps.Now))
		return &updated, nil
	})
	if err != nil {
		err = fmt.Errorf("complete %s: %w", req.Key, err)
		endSpan(span, err)
		return domain.Record{}, err
	}
	endSpan(span, nil)

	attrs := []any{
		"scope", req.Scope,
		"idempotency_key", req.IdempotencyKey,
		"status", updated.Status,
		"attempt_count", updated.AttemptCount,
	}
	if !updated.NextRetryAt.IsZero() {
		attrs = append(attrs, "next_retry_at", updated.NextRetryAt)
	}
	slog.Info("complete_recorded", attrs...)
	return updated, nil
}
