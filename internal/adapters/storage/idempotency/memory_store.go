package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "idemgate/internal/domain/idempotency"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps records in a map guarded by one mutex. It is meant for
// tests and single-process deployments that can lose state on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[domain.Key]domain.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[domain.Key]domain.Record)}
}

// Mutate holds the store lock for the whole read-decide-write cycle.
// PRE: key has been validated
// POST: fn's record stored, or nothing changed when fn returns nil or an error
func (s *MemoryStore) Mutate(_ context.Context, key domain.Key, fn MutateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *domain.Record
	if rec, ok := s.records[key]; ok {
		current = &rec
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next != nil {
		s.records[key] = *next
	}
	return nil
}

// Get retrieves one record.
func (s *MemoryStore) Get(_ context.Context, key domain.Key) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return domain.Record{}, domain.ErrNotFound
	}
	return rec, nil
}

// ListRecoverable returns records the recovery scanner should surface.
func (s *MemoryStore) ListRecoverable(_ context.Context, now time.Time, limit int) ([]domain.Record, error) {
	return s.filter(limit, func(r domain.Record) bool { return r.Recoverable(now) }), nil
}

// ListByStatus returns records in one status.
func (s *MemoryStore) ListByStatus(_ context.Context, status domain.Status, limit int) ([]domain.Record, error) {
	return s.filter(limit, func(r domain.Record) bool { return r.Status == status }), nil
}

func (s *MemoryStore) filter(limit int, keep func(domain.Record) bool) []domain.Record {
	s.mu.Lock()
	var out []domain.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sortByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// sortByUpdated orders records oldest update first, with the key as tiebreaker.
func sortByUpdated(records []domain.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.IdempotencyKey < b.IdempotencyKey
	})
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
