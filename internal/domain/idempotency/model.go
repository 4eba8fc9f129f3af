package idempotency

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of an idempotency record.
type Status string

// Status constants for the record lifecycle.
const (
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusConflict   Status = "CONFLICT"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusDone, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// Defaults and limits.
const (
	DefaultTTL         = 900 * time.Second
	DefaultMaxAttempts = 10
	DefaultBaseRetry   = 60 * time.Second

	MaxRetryDelay      = 3600 * time.Second
	MaxBackoffExponent = 6
	MaxErrorLength     = 4000

	MaxScopeLength       = 256
	MaxKeyLength         = 512
	MaxFingerprintLength = 512
	MaxTTLSeconds        = 86400
	MaxAttemptsLimit     = 1000
	MaxBaseRetrySeconds  = 86400
)

// Domain errors.
var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("idempotency record not found")
)

// invalid wraps ErrValidation with a field-specific detail.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Now is the clock reading used for every decision: UTC at microsecond
// precision, the finest resolution every backend stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Key identifies one logical unit of work inside a caller namespace.
type Key struct {
	Scope          string
	IdempotencyKey string
}

// String renders the key as scope/key for logs.
func (k Key) String() string {
	return k.Scope + "/" + k.IdempotencyKey
}

// Validate checks that both parts of the key are present and bounded.
// PRE: none
// POST: Returns nil if valid, an ErrValidation-wrapped error otherwise
func (k Key) Validate() error {
	if k.Scope == "" {
		return invalid("scope is required")
	}
	if k.IdempotencyKey == "" {
		return invalid("idempotency_key is required")
	}
	if len(k.Scope) > MaxScopeLength {
		return invalid("scope exceeds %d bytes", MaxScopeLength)
	}
	if len(k.IdempotencyKey) > MaxKeyLength {
		return invalid("idempotency_key exceeds %d bytes", MaxKeyLength)
	}
	return nil
}

// Record is the persisted state of one (scope, idempotency_key) pair.
// Zero time values stand for NULL columns.
type Record struct {
	Scope              string
	IdempotencyKey     string
	PayloadFingerprint string
	Status             Status
	AttemptCount       int
	LockExpiresAt      time.Time
	NextRetryAt        time.Time
	LastError          string
	LastErrorAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{Scope: r.Scope, IdempotencyKey: r.IdempotencyKey}
}

// LeaseLive reports whether a PROCESSING record is still owned at now.
func (r Record) LeaseLive(now time.Time) bool {
	return r.Status == StatusProcessing && r.LockExpiresAt.After(now)
}

// Stalled reports whether the record is FAILED with no retry scheduled.
func (r Record) Stalled() bool {
	return r.Status == StatusFailed && r.NextRetryAt.IsZero()
}

// Recoverable reports whether the recovery scanner should surface the record:
// an expired PROCESSING lease, or a FAILED record whose retry time has come.
// PRE: none
// POST: Returns false for DONE, CONFLICT and stalled FAILED records
func (r Record) Recoverable(now time.Time) bool {
	switch r.Status {
	case StatusProcessing:
		return !r.LockExpiresAt.IsZero() && !r.LockExpiresAt.After(now)
	case StatusFailed:
		return !r.NextRetryAt.IsZero() && !r.NextRetryAt.After(now)
	}
	return false
}

// DueAt returns the instant from which the record becomes recoverable,
// or the zero time if it never will be without another mutation.
func (r Record) DueAt() time.Time {
	switch r.Status {
	case StatusProcessing:
		return r.LockExpiresAt
	case StatusFailed:
		return r.NextRetryAt
	}
	return time.Time{}
}

// CheckInvariants verifies the per-status column rules of the record.
// PRE: none
// POST: Returns nil when the record is internally consistent
func (r Record) CheckInvariants() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.AttemptCount < 1 {
		return fmt.Errorf("attempt_count %d < 1", r.AttemptCount)
	}
	if utf8.RuneCountInString(r.LastError) > MaxErrorLength {
		return fmt.Errorf("last_error longer than %d characters", MaxErrorLength)
	}
	switch r.Status {
	case StatusProcessing:
		if r.LockExpiresAt.IsZero() || !r.NextRetryAt.IsZero() {
			return errors.New("PROCESSING requires lock_expires_at and no next_retry_at")
		}
	case StatusFailed:
		if !r.LockExpiresAt.IsZero() {
			return errors.New("FAILED must not hold lock_expires_at")
		}
	case StatusDone, StatusConflict:
		if !r.LockExpiresAt.IsZero() || !r.NextRetryAt.IsZero() {
			return fmt.Errorf("%s must not hold lock_expires_at or next_retry_at", r.Status)
		}
	}
	return nil
}

// TruncateError bounds an error message to MaxErrorLength characters.
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}

// RetryDelay is the capped exponential backoff used when a caller reports FAILED:
// min(base * 2^min(attempt, 6), 3600s).
// PRE: base >= 0
// POST: Returns a delay in [0, MaxRetryDelay]
func RetryDelay(base time.Duration, attemptCount int) time.Duration {
	exp := attemptCount
	if exp > MaxBackoffExponent {
		exp = MaxBackoffExponent
	}
	if exp < 0 {
		exp = 0
	}
	delay := base * time.Duration(1<<exp)
	if delay > MaxRetryDelay || delay < 0 {
		return MaxRetryDelay
	}
	return delay
}
