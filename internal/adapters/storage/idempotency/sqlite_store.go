package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"idemgate/internal/adapters/storage"
	domain "idemgate/internal/domain/idempotency"
)

// dateLayout is fixed width so text comparison in SQL matches time order.
const dateLayout = "2006-01-02T15:04:05.000000000Z"

const selectColumns = `SELECT scope, idempotency_key, payload_fingerprint, status, attempt_count,
	lock_expires_at, next_retry_at, last_error, last_error_at, created_at, updated_at
	FROM idempotency_record`

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on SQLite. The handle must open transactions
// with BEGIN IMMEDIATE (see storage.SQLiteDSN) so Mutate holds the write
// lock from its first read.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new record store.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Mutate reads, decides and writes inside one immediate transaction.
// PRE: key has been validated; schema migrated
// POST: fn's record committed, or the transaction rolled back
func (s *SQLiteStore) Mutate(ctx context.Context, key domain.Key, fn MutateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	defer tx.Rollback()

	var current *domain.Record
	rec, err := scanRecord(tx.QueryRowContext(ctx,
		selectColumns+` WHERE scope = ? AND idempotency_key = ?`, key.Scope, key.IdempotencyKey))
	switch {
	case err == nil:
		current = &rec
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("load record %s: %w", key, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	if current == nil {
		err = insertRecord(ctx, tx, *next)
	} else {
		err = updateRecord(ctx, tx, *next)
	}
	if err != nil {
		return fmt.Errorf("write record %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record %s: %w", key, err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r domain.Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_record (scope, idempotency_key, payload_fingerprint, status, attempt_count,
			lock_expires_at, next_retry_at, last_error, last_error_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Scope, r.IdempotencyKey, r.PayloadFingerprint, string(r.Status), r.AttemptCount,
		nullTime(r.LockExpiresAt), nullTime(r.NextRetryAt), r.LastError, nullTime(r.LastErrorAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	return err
}

func updateRecord(ctx context.Context, tx *sql.Tx, r domain.Record) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE idempotency_record SET payload_fingerprint = ?, status = ?, attempt_count = ?,
			lock_expires_at = ?, next_retry_at = ?, last_error = ?, last_error_at = ?, updated_at = ?
		 WHERE scope = ? AND idempotency_key = ?`,
		r.PayloadFingerprint, string(r.Status), r.AttemptCount,
		nullTime(r.LockExpiresAt), nullTime(r.NextRetryAt), r.LastError, nullTime(r.LastErrorAt),
		formatTime(r.UpdatedAt), r.Scope, r.IdempotencyKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get retrieves one record.
// PRE: key has been validated
// POST: Returns the record or domain.ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, key domain.Key) (domain.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		selectColumns+` WHERE scope = ? AND idempotency_key = ?`, key.Scope, key.IdempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record %s: %w", key, err)
	}
	return rec, nil
}

// ListRecoverable returns expired leases and due retries, oldest update first.
func (s *SQLiteStore) ListRecoverable(ctx context.Context, now time.Time, limit int) ([]domain.Record, error) {
	ts := formatTime(now)
	rows, err := s.db.QueryContext(ctx,
		selectColumns+`
		 WHERE (status = 'PROCESSING' AND lock_expires_at <= ?)
		    OR (status = 'FAILED' AND next_retry_at <= ?)
		 ORDER BY updated_at ASC, scope ASC, idempotency_key ASC
		 LIMIT ?`, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("list recoverable records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListByStatus returns records in one status, oldest update first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status = ? ORDER BY updated_at ASC, scope ASC, idempotency_key ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", status, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Ping verifies the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the handle when the store owns it.
func (s *SQLiteStore) Close() error {
	if c, ok := s.db.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s.String)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single row into a Record.
func scanRecord(row rowScanner) (domain.Record, error) {
	var r domain.Record
	var status string
	var lock, next, lastErrAt, created, updated sql.NullString
	err := row.Scan(&r.Scope, &r.IdempotencyKey, &r.PayloadFingerprint, &status, &r.AttemptCount,
		&lock, &next, &r.LastError, &lastErrAt, &created, &updated)
	if err != nil {
		return domain.Record{}, err
	}
	r.Status = domain.Status(status)

	for _, f := range []struct {
		dst *time.Time
		src sql.NullString
	}{
		{&r.LockExpiresAt, lock},
		{&r.NextRetryAt, next},
		{&r.LastErrorAt, lastErrAt},
		{&r.CreatedAt, created},
		{&r.UpdatedAt, updated},
	} {
		t, err := parseTime(f.src)
		if err != nil {
			return domain.Record{}, fmt.Errorf("parse timestamp %q: %w", f.src.String, err)
		}
		*f.dst = t
	}
	return r, nil
}

// scanRecords scans multiple rows into a slice of Records.
func scanRecords(rows *sql.Rows) ([]domain.Record, error) {
	var records []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
