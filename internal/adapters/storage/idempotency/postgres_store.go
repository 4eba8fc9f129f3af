package idempotency

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "idemgate/internal/domain/idempotency"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*PostgresStore)(nil)

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	// DSN is a postgres:// URL or keyword/value connection string.
	DSN string
	// Schema is the namespace the record table lives in; it becomes the
	// connection search_path and is created by Migrate.
	Schema   string
	MinConns int32
	MaxConns int32
}

// PostgresStore implements Store on PostgreSQL using pgx/v5. Mutate takes a
// transaction-scoped advisory lock on the key before reading, so the first
// Acquire of a key that has no row yet is serialized as well.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

// NewPostgresStore connects a pool sized and namespaced per cfg.
// PRE: cfg.DSN is non-empty
// POST: Returns a store with a live pool; call Migrate before first use
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("idemgate/postgres: parse config: %w", err)
	}
	if cfg.Schema != "" {
		poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("idemgate/postgres: connect: %w", err)
	}
	return &PostgresStore{pool: pool, schema: cfg.Schema, logger: slog.Default()}, nil
}

// Migrate creates the schema namespace and runs the embedded SQL files in
// filename order, recording each in idemgate_migrations.
// PRE: pool is connected
// POST: All migrations applied exactly once
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.schema != "" {
		if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
			return fmt.Errorf("idemgate/postgres: create schema %s: %w", s.schema, err)
		}
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS idemgate_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("idemgate/postgres: create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("idemgate/postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM idemgate_migrations WHERE filename = $1)`, entry.Name(),
		).Scan(&applied); err != nil {
			return fmt.Errorf("idemgate/postgres: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return fmt.Errorf("idemgate/postgres: read migration %s: %w", entry.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO idemgate_migrations (filename) VALUES ($1)`, entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("idemgate/postgres: apply migration %s: %w", entry.Name(), err)
		}
		s.logger.Info("schema_migrated", "file", entry.Name(), "schema", s.schema)
	}
	return nil
}

const pgSelectColumns = `SELECT scope, idempotency_key, payload_fingerprint, status, attempt_count,
	lock_expires_at, next_retry_at, last_error, last_error_at, created_at, updated_at
	FROM idempotency_record`

// Mutate locks the key, reads the row FOR UPDATE, runs fn and writes its result.
// PRE: key has been validated; schema migrated
// POST: fn's record committed, or the transaction rolled back
func (s *PostgresStore) Mutate(ctx context.Context, key domain.Key, fn MutateFunc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`,
			key.Scope, key.IdempotencyKey); err != nil {
			return fmt.Errorf("idemgate/postgres: lock %s: %w", key, err)
		}

		var current *domain.Record
		rec, err := scanPGRecord(tx.QueryRow(ctx,
			pgSelectColumns+` WHERE scope = $1 AND idempotency_key = $2 FOR UPDATE`,
			key.Scope, key.IdempotencyKey))
		switch {
		case err == nil:
			current = &rec
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("idemgate/postgres: load %s: %w", key, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		if current == nil {
			return s.insert(ctx, tx, *next)
		}
		return s.update(ctx, tx, *next)
	})
}

func (s *PostgresStore) insert(ctx context.Context, tx pgx.Tx, r domain.Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO idempotency_record (
			scope, idempotency_key, payload_fingerprint, status, attempt_count,
			lock_expires_at, next_retry_at, last_error, last_error_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.Scope, r.IdempotencyKey, r.PayloadFingerprint, string(r.Status), r.AttemptCount,
		pgTime(r.LockExpiresAt), pgTime(r.NextRetryAt), r.LastError, pgTime(r.LastErrorAt),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("idemgate/postgres: insert %s: %w", r.Key(), ErrContention)
		}
		return fmt.Errorf("idemgate/postgres: insert %s: %w", r.Key(), err)
	}
	return nil
}

func (s *PostgresStore) update(ctx context.Context, tx pgx.Tx, r domain.Record) error {
	tag, err := tx.Exec(ctx, `
		UPDATE idempotency_record SET
			payload_fingerprint = $3, status = $4, attempt_count = $5,
			lock_expires_at = $6, next_retry_at = $7, last_error = $8, last_error_at = $9,
			updated_at = $10
		WHERE scope = $1 AND idempotency_key = $2`,
		r.Scope, r.IdempotencyKey, r.PayloadFingerprint, string(r.Status), r.AttemptCount,
		pgTime(r.LockExpiresAt), pgTime(r.NextRetryAt), r.LastError, pgTime(r.LastErrorAt),
		r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("idemgate/postgres: update %s: %w", r.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get retrieves one record.
func (s *PostgresStore) Get(ctx context.Context, key domain.Key) (domain.Record, error) {
	rec, err := scanPGRecord(s.pool.QueryRow(ctx,
		pgSelectColumns+` WHERE scope = $1 AND idempotency_key = $2`, key.Scope, key.IdempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("idemgate/postgres: get %s: %w", key, err)
	}
	return rec, nil
}

// ListRecoverable returns expired leases and due retries, oldest update first.
func (s *PostgresStore) ListRecoverable(ctx context.Context, now time.Time, limit int) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx, pgSelectColumns+`
		WHERE (status = 'PROCESSING' AND lock_expires_at <= $1)
		   OR (status = 'FAILED' AND next_retry_at <= $1)
		ORDER BY updated_at ASC, scope ASC, idempotency_key ASC
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("idemgate/postgres: list recoverable: %w", err)
	}
	defer rows.Close()
	return collectPGRecords(rows)
}

// ListByStatus returns records in one status, oldest update first.
func (s *PostgresStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx, pgSelectColumns+`
		WHERE status = $1
		ORDER BY updated_at ASC, scope ASC, idempotency_key ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("idemgate/postgres: list %s: %w", status, err)
	}
	defer rows.Close()
	return collectPGRecords(rows)
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func pgTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromPGTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func scanPGRecord(row pgx.Row) (domain.Record, error) {
	var r domain.Record
	var status string
	var lock, next, lastErrAt *time.Time
	var created, updated time.Time
	err := row.Scan(&r.Scope, &r.IdempotencyKey, &r.PayloadFingerprint, &status, &r.AttemptCount,
		&lock, &next, &r.LastError, &lastErrAt, &created, &updated)
	if err != nil {
		return domain.Record{}, err
	}
	r.Status = domain.Status(status)
	r.LockExpiresAt = fromPGTime(lock)
	r.NextRetryAt = fromPGTime(next)
	r.LastErrorAt = fromPGTime(lastErrAt)
	r.CreatedAt = created.UTC()
	r.UpdatedAt = updated.UTC()
	return r, nil
}

func collectPGRecords(rows pgx.Rows) ([]domain.Record, error) {
	var records []domain.Record
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("idemgate/postgres: scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
