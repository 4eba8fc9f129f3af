package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	domain "idemgate/internal/domain/idempotency"
)

var _ Store = (*RedisStore)(nil)

// defaultWatchRetries bounds how often Mutate re-runs after losing a WATCH race.
const defaultWatchRetries = 32

// RedisStore implements Store on Redis. Each record is a hash; a sorted set
// indexes recoverable records by the time they become due, and one sorted
// set per status orders records by updated_at. Mutate uses WATCH/MULTI/EXEC
// on the record hash, re-running fn when another client wins the race.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	retries int
}

// NewRedisStore wraps client; prefix namespaces every key ("idem" when empty).
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix, retries: defaultWatchRetries}
}

// member encodes a key so scope and key may contain the separator.
func member(k domain.Key) string {
	return url.QueryEscape(k.Scope) + ":" + url.QueryEscape(k.IdempotencyKey)
}

func (s *RedisStore) recordKey(k domain.Key) string {
	return s.prefix + ":rec:" + member(k)
}

func (s *RedisStore) recordKeyForMember(m string) string {
	return s.prefix + ":rec:" + m
}

func (s *RedisStore) dueKey() string {
	return s.prefix + ":due"
}

func (s *RedisStore) statusKey(st domain.Status) string {
	return s.prefix + ":status:" + string(st)
}

// Mutate runs fn under WATCH on the record hash and commits with MULTI/EXEC.
// PRE: key has been validated
// POST: fn's record committed atomically with its index entries, or nothing changed
func (s *RedisStore) Mutate(ctx context.Context, key domain.Key, fn MutateFunc) error {
	hk := s.recordKey(key)
	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.load(ctx, tx, hk)
			if err != nil {
				return err
			}
			next, err := fn(current)
			if err != nil || next == nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.write(ctx, pipe, current, *next)
				return nil
			})
			return err
		}, hk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("mutate %s: %w", key, ErrContention)
}

func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, current *domain.Record, next domain.Record) {
	m := member(next.Key())
	pipe.HSet(ctx, s.recordKey(next.Key()), encodeRecord(next))

	if current != nil && current.Status != next.Status {
		pipe.ZRem(ctx, s.statusKey(current.Status), m)
	}
	pipe.ZAdd(ctx, s.statusKey(next.Status), redis.Z{
		Score:  float64(next.UpdatedAt.UnixMicro()),
		Member: m,
	})

	if due := next.DueAt(); !due.IsZero() {
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(due.UnixMilli()), Member: m})
	} else {
		pipe.ZRem(ctx, s.dueKey(), m)
	}
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, hk string) (*domain.Record, error) {
	fields, err := c.HGetAll(ctx, hk).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", hk, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", hk, err)
	}
	return &rec, nil
}

// Get retrieves one record.
func (s *RedisStore) Get(ctx context.Context, key domain.Key) (domain.Record, error) {
	rec, err := s.load(ctx, s.client, s.recordKey(key))
	if err != nil {
		return domain.Record{}, err
	}
	if rec == nil {
		return domain.Record{}, domain.ErrNotFound
	}
	return *rec, nil
}

// recoverPageFactor sizes each due-index page as a multiple of the batch limit.
const recoverPageFactor = 4

// ListRecoverable pages through the due index in due-time order until limit
// recoverable records are collected or the due members run out, so a backlog
// costs pages proportional to limit instead of one read of the whole index.
// The batch is drawn from the earliest-due members and returned oldest
// update first.
func (s *RedisStore) ListRecoverable(ctx context.Context, now time.Time, limit int) ([]domain.Record, error) {
	page := int64(limit) * recoverPageFactor
	if page < 1 {
		page = 1
	}
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)

	var out []domain.Record
	for offset := int64(0); len(out) < limit; offset += page {
		members, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    maxScore,
			Offset: offset,
			Count:  page,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list due members: %w", err)
		}

		records, err := s.loadMembers(ctx, members)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Recoverable(now) {
				out = append(out, r)
			}
		}
		if int64(len(members)) < page {
			break
		}
	}
	sortByUpdated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus returns records in one status, oldest update first.
func (s *RedisStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Record, error) {
	members, err := s.client.ZRange(ctx, s.statusKey(status), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s members: %w", status, err)
	}
	records, err := s.loadMembers(ctx, members)
	if err != nil {
		return nil, err
	}
	sortByUpdated(records)
	return records, nil
}

func (s *RedisStore) loadMembers(ctx context.Context, members []string) ([]domain.Record, error) {
	if len(members) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, s.recordKeyForMember(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	records := make([]domain.Record, 0, len(members))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", members[i], err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func encodeRecord(r domain.Record) map[string]any {
	return map[string]any{
		"scope":               r.Scope,
		"idempotency_key":     r.IdempotencyKey,
		"payload_fingerprint": r.PayloadFingerprint,
		"status":              string(r.Status),
		"attempt_count":       r.AttemptCount,
		"lock_expires_at":     encodeTime(r.LockExpiresAt),
		"next_retry_at":       encodeTime(r.NextRetryAt),
		"last_error":          r.LastError,
		"last_error_at":       encodeTime(r.LastErrorAt),
		"created_at":          encodeTime(r.CreatedAt),
		"updated_at":          encodeTime(r.UpdatedAt),
	}
}

func decodeRecord(f map[string]string) (domain.Record, error) {
	r := domain.Record{
		Scope:              f["scope"],
		IdempotencyKey:     f["idempotency_key"],
		PayloadFingerprint: f["payload_fingerprint"],
		Status:             domain.Status(f["status"]),
		LastError:          f["last_error"],
	}
	n, err := strconv.Atoi(f["attempt_count"])
	if err != nil {
		return domain.Record{}, fmt.Errorf("attempt_count: %w", err)
	}
	r.AttemptCount = n

	var errs []string
	for name, dst := range map[string]*time.Time{
		"lock_expires_at": &r.LockExpiresAt,
		"next_retry_at":   &r.NextRetryAt,
		"last_error_at":   &r.LastErrorAt,
		"created_at":      &r.CreatedAt,
		"updated_at":      &r.UpdatedAt,
	} {
		t, err := decodeTime(f[name])
		if err != nil {
			errs = append(errs, name+": "+err.Error())
			continue
		}
		*dst = t
	}
	if len(errs) > 0 {
		return domain.Record{}, errors.New(strings.Join(errs, "; "))
	}
	return r, nil
}
