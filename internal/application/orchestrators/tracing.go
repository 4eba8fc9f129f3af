package orchestrators

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "idemgate/internal/domain/idempotency"
)

// tracerName is the instrumentation scope for engine spans.
const tracerName = "idemgate"

// tracerOr falls back to the global provider, which is a noop unless the
// embedding process installs one.
func tracerOr(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return otel.Tracer(tracerName)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func nowOr(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return domain.Now()
}
