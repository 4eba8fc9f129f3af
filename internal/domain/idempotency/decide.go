package idempotency

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the answer Acquire gives a caller. Only DecisionProceed
// authorizes the caller to run its work.
type Decision string

// Decision constants.
const (
	DecisionProceed             Decision = "PROCEED"
	DecisionAlreadyDone         Decision = "ALREADY_DONE"
	DecisionDuplicateInProgress Decision = "DUPLICATE_IN_PROGRESS"
	DecisionRetryNotDue         Decision = "RETRY_NOT_DUE"
	DecisionMaxAttemptsExceeded Decision = "MAX_ATTEMPTS_EXCEEDED"
	DecisionConflict            Decision = "CONFLICT"
)

// AcquireRequest asks for permission to run the work behind a key.
type AcquireRequest struct {
	Key
	PayloadFingerprint string
	TTL                time.Duration
	MaxAttempts        int
}

// Validate checks the request before any store access.
// PRE: none
// POST: Returns nil if valid, an ErrValidation-wrapped error otherwise
func (r AcquireRequest) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	if len(r.PayloadFingerprint) > MaxFingerprintLength {
		return invalid("payload_fingerprint exceeds %d bytes", MaxFingerprintLength)
	}
	if r.TTL < time.Second || r.TTL > MaxTTLSeconds*time.Second {
		return invalid("ttl_seconds must be between 1 and %d", MaxTTLSeconds)
	}
	if r.MaxAttempts < 1 || r.MaxAttempts > MaxAttemptsLimit {
		return invalid("max_attempts must be between 1 and %d", MaxAttemptsLimit)
	}
	return nil
}

// AcquireOutcome is what Decide concluded for one request.
type AcquireOutcome struct {
	Decision     Decision
	AttemptCount int
	// LockExpiresAt is set only while the record is PROCESSING.
	LockExpiresAt time.Time
	// Stalled is true when this call moved an exhausted PROCESSING record to
	// FAILED with no retry scheduled.
	Stalled bool
}

func outcomeFor(d Decision, r Record) AcquireOutcome {
	out := AcquireOutcome{Decision: d, AttemptCount: r.AttemptCount}
	if r.Status == StatusProcessing {
		out.LockExpiresAt = r.LockExpiresAt
	}
	return out
}

// Decide evaluates the admission table for one key. current is the row read
// with exclusive intent (nil when no row exists).
// PRE: req has been validated; now is the transaction's clock reading
// POST: Returns the decision and the record to persist; a nil record means
// the row must be left untouched
// INVARIANT: at most one PROCEED is possible per live lease
func Decide(current *Record, req AcquireRequest, now time.Time) (AcquireOutcome, *Record, error) {
	if current == nil {
		rec := &Record{
			Scope:              req.Scope,
			IdempotencyKey:     req.IdempotencyKey,
			PayloadFingerprint: req.PayloadFingerprint,
			Status:             StatusProcessing,
			AttemptCount:       1,
			LockExpiresAt:      now.Add(req.TTL),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return outcomeFor(DecisionProceed, *rec), rec, nil
	}

	cur := *current
	if req.PayloadFingerprint != "" && req.PayloadFingerprint != cur.PayloadFingerprint {
		return outcomeFor(DecisionConflict, cur), nil, nil
	}

	switch cur.Status {
	case StatusDone:
		return outcomeFor(DecisionAlreadyDone, cur), nil, nil

	case StatusConflict:
		return outcomeFor(DecisionConflict, cur), nil, nil

	case StatusProcessing:
		if cur.LeaseLive(now) {
			return outcomeFor(DecisionDuplicateInProgress, cur), nil, nil
		}
		next := cur
		next.UpdatedAt = now
		if cur.AttemptCount < req.MaxAttempts {
			next.AttemptCount++
			next.LockExpiresAt = now.Add(req.TTL)
			return outcomeFor(DecisionProceed, next), &next, nil
		}
		next.Status = StatusFailed
		next.LockExpiresAt = time.Time{}
		next.NextRetryAt = time.Time{}
		out := outcomeFor(DecisionMaxAttemptsExceeded, next)
		out.Stalled = true
		return out, &next, nil

	case StatusFailed:
		// A stalled record stays terminal whatever max_attempts the caller
		// sends now. Exhaustion wins over a pending retry time so an
		// exhausted key answers MAX_ATTEMPTS_EXCEEDED from then on.
		if cur.Stalled() || cur.AttemptCount >= req.MaxAttempts {
			return outcomeFor(DecisionMaxAttemptsExceeded, cur), nil, nil
		}
		if cur.NextRetryAt.After(now) {
			return outcomeFor(DecisionRetryNotDue, cur), nil, nil
		}
		next := cur
		next.Status = StatusProcessing
		next.AttemptCount++
		next.LockExpiresAt = now.Add(req.TTL)
		next.NextRetryAt = time.Time{}
		next.UpdatedAt = now
		return outcomeFor(DecisionProceed, next), &next, nil
	}

	return AcquireOutcome{}, nil, fmt.Errorf("record %s has unknown status %q", cur.Key(), cur.Status)
}

// ParseFinalStatus accepts DONE, FAILED or CONFLICT in any letter case.
// PRE: none
// POST: Returns the normalized status or an ErrValidation-wrapped error
func ParseFinalStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusDone, StatusFailed, StatusConflict:
		return st, nil
	}
	return "", invalid("final_status must be one of DONE, FAILED, CONFLICT (got %q)", s)
}

// CompleteRequest reports the outcome of an attempt.
type CompleteRequest struct {
	Key
	FinalStatus  Status
	ErrorMessage string
	// AttemptCount is the caller-reported attempt number seeding the backoff.
	AttemptCount int
	BaseRetry    time.Duration
}

// Validate checks the request before any store access.
// PRE: none
// POST: Returns nil if valid, an ErrValidation-wrapped error otherwise
func (r CompleteRequest) Validate() error {
	if err := r.Key.Validate(); err != nil {
		return err
	}
	switch r.FinalStatus {
	case StatusDone, StatusFailed, StatusConflict:
	default:
		return invalid("final_status must be one of DONE, FAILED, CONFLICT (got %q)", r.FinalStatus)
	}
	if r.AttemptCount < 0 || r.AttemptCount > MaxAttemptsLimit {
		return invalid("attempt_count must be between 0 and %d", MaxAttemptsLimit)
	}
	if r.BaseRetry < 0 || r.BaseRetry > MaxBaseRetrySeconds*time.Second {
		return invalid("base_retry_seconds must be between 0 and %d", MaxBaseRetrySeconds)
	}
	return nil
}

// ApplyCompletion returns current with the reported outcome recorded.
// PRE: req has been validated
// POST: Returned record satisfies CheckInvariants for the new status;
// attempt_count is unchanged
func ApplyCompletion(current Record, req CompleteRequest, now time.Time) Record {
	next := current
	next.Status = req.FinalStatus
	next.LockExpiresAt = time.Time{}
	next.UpdatedAt = now

	switch req.FinalStatus {
	case StatusDone:
		next.NextRetryAt = time.Time{}
		next.LastError = ""
		next.LastErrorAt = time.Time{}
	case StatusFailed:
		next.LastError = TruncateError(req.ErrorMessage)
		next.LastErrorAt = now
		next.NextRetryAt = now.Add(RetryDelay(req.BaseRetry, req.AttemptCount))
	case StatusConflict:
		next.NextRetryAt = time.Time{}
		next.LastError = TruncateError(req.ErrorMessage)
		next.LastErrorAt = now
	}
	return next
}
