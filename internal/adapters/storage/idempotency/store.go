package idempotency

import (
	"context"
	"errors"
	"time"

	domain "idemgate/internal/domain/idempotency"
)

// MutateFunc receives the current row (nil when the key has never been seen)
// and returns the row to persist. Returning a nil record leaves the store
// untouched; returning an error aborts and rolls back.
//
// A backend may invoke fn more than once for one Mutate call when it loses
// an optimistic race, so fn must derive everything from its argument.
type MutateFunc func(current *domain.Record) (*domain.Record, error)

// ErrContention is returned when an optimistic backend keeps losing the race
// for a key and gives up.
var ErrContention = errors.New("idempotency store: too much contention on key")

// Store defines persistence for idempotency records.
type Store interface {
	// Mutate runs fn with exclusive access to key and persists its result.
	// PRE: key has been validated
	// POST: Either fn's record is committed or nothing changes
	// INVARIANT: two Mutate calls on the same key never observe the same
	// current row and both commit
	Mutate(ctx context.Context, key domain.Key, fn MutateFunc) error

	// Get retrieves one record.
	// PRE: key has been validated
	// POST: Returns the record or domain.ErrNotFound
	Get(ctx context.Context, key domain.Key) (domain.Record, error)

	// ListRecoverable returns records with an expired PROCESSING lease or a
	// due FAILED retry.
	// PRE: limit > 0
	// POST: Returns up to limit records ordered by updated_at ascending; no mutation
	ListRecoverable(ctx context.Context, now time.Time, limit int) ([]domain.Record, error)

	// ListByStatus returns records in one status.
	// PRE: status is valid, limit > 0
	// POST: Returns up to limit records ordered by updated_at ascending
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Record, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
