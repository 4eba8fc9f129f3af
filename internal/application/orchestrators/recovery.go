package orchestrators

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	store "idemgate/internal/adapters/storage/idempotency"
	domain "idemgate/internal/domain/idempotency"
)

// DefaultRecoveryBatch is how many records one tick surfaces at most.
const DefaultRecoveryBatch = 50

// Notifier prompts the caller population to retry one record.
type Notifier interface {
	Notify(ctx context.Context, rec domain.Record) error
}

// RecoveryDeps provides the dependencies for one recovery tick.
type RecoveryDeps struct {
	Store store.Store
	// Notifier is nil when no callback is configured; the tick then only
	// reports what it found.
	Notifier  Notifier
	Now       func() time.Time
	BatchSize int
	// Limiter paces deliveries; nil means unlimited.
	Limiter *rate.Limiter
	Tracer  trace.Tracer
}

// RecoveryReport summarises one tick.
type RecoveryReport struct {
	Found     int `json:"found"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ExecuteRecoveryScan surfaces expired leases and due retries and sends one
// notification per record.
// PRE: deps.Store is connected
// POST: Store unchanged; every found record was delivered, failed or skipped
// INVARIANT: a failed delivery never stops the rest of the batch
func ExecuteRecoveryScan(ctx context.Context, deps RecoveryDeps) (RecoveryReport, error) {
	batch := deps.BatchSize
	if batch <= 0 {
		batch = DefaultRecoveryBatch
	}

	ctx, span := tracerOr(deps.Tracer).Start(ctx, "idemgate.recovery.scan",
		trace.WithAttributes(attribute.Int("idemgate.batch_size", batch)),
	)

	var report RecoveryReport
	records, err := deps.Store.ListRecoverable(ctx, nowOr(deps.Now), batch)
	if err != nil {
		err = fmt.Errorf("list recoverable records: %w", err)
		endSpan(span, err)
		return report, err
	}
	report.Found = len(records)

	if len(records) == 0 {
		slog.Debug("recovery_scan_empty")
		endSpan(span, nil)
		return report, nil
	}

	if deps.Notifier == nil {
		report.Skipped = len(records)
		slog.Warn("recovery_callback_unset", "pending", len(records))
		span.SetAttributes(attribute.Int("idemgate.skipped", report.Skipped))
		endSpan(span, nil)
		return report, nil
	}

	for i, rec := range records {
		if deps.Limiter != nil {
			if err := deps.Limiter.Wait(ctx); err != nil {
				report.Skipped += len(records) - i
				slog.Warn("recovery_scan_interrupted", "error", err, "skipped", report.Skipped)
				break
			}
		}
		if err := deps.Notifier.Notify(ctx, rec); err != nil {
			report.Failed++
			slog.Error("recovery_notify_failed",
				"scope", rec.Scope,
				"idempotency_key", rec.IdempotencyKey,
				"status", rec.Status,
				"error", err,
			)
			continue
		}
		report.Delivered++
	}

	span.SetAttributes(
		attribute.Int("idemgate.found", report.Found),
		attribute.Int("idemgate.delivered", report.Delivered),
		attribute.Int("idemgate.failed", report.Failed),
	)
	endSpan(span, nil)

	slog.Info("recovery_scan_complete",
		"found", report.Found,
		"delivered", report.Delivered,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}
