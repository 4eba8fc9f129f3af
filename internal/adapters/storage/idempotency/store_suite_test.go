package idempotency_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	store "idemgate/internal/adapters/storage/idempotency"
	domain "idemgate/internal/domain/idempotency"
)

// suiteNow is truncated to microseconds so every backend round-trips it exactly.
var suiteNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), domain.Key{Scope: "orders", IdempotencyKey: "missing"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("InsertThenGet", func(t *testing.T) {
		s := newStore(t)
		rec := processing("orders", "k1", suiteNow, 2)
		rec.PayloadFingerprint = "fp1"
		put(t, s, rec)

		got, err := s.Get(context.Background(), rec.Key())
		require.NoError(t, err)
		assertSameRecord(t, rec, got)
	})

	t.Run("UpdateRoundTripsNullableColumns", func(t *testing.T) {
		s := newStore(t)
		rec := processing("orders", "k1", suiteNow, 1)
		put(t, s, rec)

		failed := rec
		failed.Status = domain.StatusFailed
		failed.LockExpiresAt = time.Time{}
		failed.NextRetryAt = suiteNow.Add(2 * time.Minute)
		failed.LastError = "timeout"
		failed.LastErrorAt = suiteNow
		failed.UpdatedAt = suiteNow.Add(time.Second)
		put(t, s, failed)

		got, err := s.Get(context.Background(), rec.Key())
		require.NoError(t, err)
		assertSameRecord(t, failed, got)
		assert.True(t, got.LockExpiresAt.IsZero())
	})

	t.Run("NilResultLeavesStoreUntouched", func(t *testing.T) {
		s := newStore(t)
		key := domain.Key{Scope: "orders", IdempotencyKey: "k1"}
		var seen *domain.Record
		err := s.Mutate(context.Background(), key, func(current *domain.Record) (*domain.Record, error) {
			seen = current
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, seen)

		_, err = s.Get(context.Background(), key)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ErrorRollsBack", func(t *testing.T) {
		s := newStore(t)
		rec := processing("orders", "k1", suiteNow, 1)
		put(t, s, rec)

		boom := errors.New("boom")
		err := s.Mutate(context.Background(), rec.Key(), func(current *domain.Record) (*domain.Record, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.Get(context.Background(), rec.Key())
		require.NoError(t, err)
		assertSameRecord(t, rec, got)
	})

	t.Run("ListRecoverable", func(t *testing.T) {
		s := newStore(t)
		expired := processing("orders", "expired", suiteNow.Add(-time.Minute), 1)
		expired.UpdatedAt = suiteNow.Add(-20 * time.Minute)
		live := processing("orders", "live", suiteNow.Add(time.Minute), 1)
		due := failedAt("orders", "due", suiteNow.Add(-time.Second))
		due.UpdatedAt = suiteNow.Add(-30 * time.Minute)
		notDue := failedAt("orders", "not-due", suiteNow.Add(time.Hour))
		stalled := failedAt("orders", "stalled", time.Time{})
		done := doneRecord("orders", "done")
		for _, r := range []domain.Record{expired, live, due, notDue, stalled, done} {
			put(t, s, r)
		}

		got, err := s.ListRecoverable(context.Background(), suiteNow, 50)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "due", got[0].IdempotencyKey)
		assert.Equal(t, "expired", got[1].IdempotencyKey)
	})

	t.Run("ListRecoverableBoundaryIsInclusive", func(t *testing.T) {
		s := newStore(t)
		put(t, s, processing("orders", "edge", suiteNow, 1))

		got, err := s.ListRecoverable(context.Background(), suiteNow, 50)
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("ListRecoverableHonoursLimit", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			r := failedAt("orders", fmt.Sprintf("k%d", i), suiteNow.Add(-time.Minute))
			r.UpdatedAt = suiteNow.Add(-time.Duration(10-i) * time.Minute)
			put(t, s, r)
		}

		got, err := s.ListRecoverable(context.Background(), suiteNow, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"k0", "k1", "k2"}, keys(got))
	})

	t.Run("ListRecoverableDropsRecordAfterCompletion", func(t *testing.T) {
		s := newStore(t)
		rec := processing("orders", "k1", suiteNow.Add(-time.Minute), 1)
		put(t, s, rec)

		done := rec
		done.Status = domain.StatusDone
		done.LockExpiresAt = time.Time{}
		done.UpdatedAt = suiteNow
		put(t, s, done)

		got, err := s.ListRecoverable(context.Background(), suiteNow, 50)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		s := newStore(t)
		a := failedAt("orders", "a", suiteNow.Add(time.Hour))
		a.UpdatedAt = suiteNow.Add(-time.Minute)
		b := failedAt("orders", "b", time.Time{})
		b.UpdatedAt = suiteNow.Add(-2 * time.Minute)
		put(t, s, a)
		put(t, s, b)
		put(t, s, doneRecord("orders", "c"))

		got, err := s.ListByStatus(context.Background(), domain.StatusFailed, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, keys(got))

		got, err = s.ListByStatus(context.Background(), domain.StatusConflict, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ListByStatusFollowsTransitions", func(t *testing.T) {
		s := newStore(t)
		rec := processing("orders", "k1", suiteNow.Add(time.Minute), 1)
		put(t, s, rec)

		done := rec
		done.Status = domain.StatusDone
		done.LockExpiresAt = time.Time{}
		put(t, s, done)

		got, err := s.ListByStatus(context.Background(), domain.StatusProcessing, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.ListByStatus(context.Background(), domain.StatusDone, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"k1"}, keys(got))
	})

	t.Run("KeysAreIsolatedByScope", func(t *testing.T) {
		s := newStore(t)
		put(t, s, processing("orders", "k1", suiteNow.Add(time.Minute), 1))
		put(t, s, processing("invoices", "k1", suiteNow.Add(time.Minute), 3))

		got, err := s.Get(context.Background(), domain.Key{Scope: "invoices", IdempotencyKey: "k1"})
		require.NoError(t, err)
		assert.Equal(t, 3, got.AttemptCount)
	})

	t.Run("ConcurrentAcquireGrantsOneProceed", func(t *testing.T) {
		s := newStore(t)
		req := domain.AcquireRequest{
			Key:                domain.Key{Scope: "orders", IdempotencyKey: "race"},
			PayloadFingerprint: "fp1",
			TTL:                time.Minute,
			MaxAttempts:        10,
		}

		const callers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			decisions = map[domain.Decision]int{}
			errs      []error
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var out domain.AcquireOutcome
				err := s.Mutate(context.Background(), req.Key, func(current *domain.Record) (*domain.Record, error) {
					o, next, err := domain.Decide(current, req, suiteNow)
					out = o
					return next, err
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				decisions[out.Decision]++
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, decisions[domain.DecisionProceed])
		assert.Equal(t, callers-1, decisions[domain.DecisionDuplicateInProgress])

		got, err := s.Get(context.Background(), req.Key)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

func put(t *testing.T, s store.Store, rec domain.Record) {
	t.Helper()
	err := s.Mutate(context.Background(), rec.Key(), func(*domain.Record) (*domain.Record, error) {
		r := rec
		return &r, nil
	})
	require.NoError(t, err)
}

func processing(scope, key string, lockExpires time.Time, attempts int) domain.Record {
	return domain.Record{
		Scope:          scope,
		IdempotencyKey: key,
		Status:         domain.StatusProcessing,
		AttemptCount:   attempts,
		LockExpiresAt:  lockExpires,
		CreatedAt:      suiteNow.Add(-time.Hour),
		UpdatedAt:      suiteNow.Add(-10 * time.Minute),
	}
}

func failedAt(scope, key string, nextRetry time.Time) domain.Record {
	return domain.Record{
		Scope:          scope,
		IdempotencyKey: key,
		Status:         domain.StatusFailed,
		AttemptCount:   1,
		NextRetryAt:    nextRetry,
		LastError:      "timeout",
		LastErrorAt:    suiteNow.Add(-time.Hour),
		CreatedAt:      suiteNow.Add(-2 * time.Hour),
		UpdatedAt:      suiteNow.Add(-time.Hour),
	}
}

func doneRecord(scope, key string) domain.Record {
	return domain.Record{
		Scope:          scope,
		IdempotencyKey: key,
		Status:         domain.StatusDone,
		AttemptCount:   1,
		CreatedAt:      suiteNow.Add(-time.Hour),
		UpdatedAt:      suiteNow.Add(-5 * time.Minute),
	}
}

func keys(records []domain.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.IdempotencyKey
	}
	return out
}

// assertSameRecord compares records field by field; time.Time locations may
// differ between backends, so instants are compared with Equal.
func assertSameRecord(t *testing.T, want, got domain.Record) {
	t.Helper()
	assert.Equal(t, want.Key(), got.Key())
	assert.Equal(t, want.PayloadFingerprint, got.PayloadFingerprint)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.AttemptCount, got.AttemptCount)
	assert.Equal(t, want.LastError, got.LastError)
	for name, pair := range map[string][2]time.Time{
		"lock_expires_at": {want.LockExpiresAt, got.LockExpiresAt},
		"next_retry_at":   {want.NextRetryAt, got.NextRetryAt},
		"last_error_at":   {want.LastErrorAt, got.LastErrorAt},
		"created_at":      {want.CreatedAt, got.CreatedAt},
		"updated_at":      {want.UpdatedAt, got.UpdatedAt},
	} {
		assert.Truef(t, pair[0].Equal(pair[1]), "%s: want %v, got %v", name, pair[0], pair[1])
	}
}
