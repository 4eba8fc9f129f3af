package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteOptions tunes the SQLite connection.
type SQLiteOptions struct {
	BusyTimeout time.Duration
}

// SQLiteDSN builds the modernc DSN for path. Transactions take the write
// lock at BEGIN (_txlock=immediate) so a read-decide-write cycle on a key
// cannot interleave with another writer.
func SQLiteDSN(path string, opts SQLiteOptions) string {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(pragmas, "&")
}

// OpenSQLite opens, pings and migrates the database at path.
// PRE: path is a file path or ":memory:"
// POST: Returns a single-connection handle with the latest schema applied
func OpenSQLite(ctx context.Context, path string, opts SQLiteOptions) (*sql.DB, error) {
	db, err := sql.Open("sqlite", SQLiteDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite has one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migration is one forward-only schema step.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create_idempotency_record",
		SQL: `
	CREATE TABLE IF NOT EXISTS idempotency_record (
		scope TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		payload_fingerprint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('PROCESSING', 'DONE', 'FAILED', 'CONFLICT')),
		attempt_count INTEGER NOT NULL DEFAULT 1 CHECK (attempt_count >= 1),
		lock_expires_at TEXT,
		next_retry_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		last_error_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, idempotency_key)
	);`,
	},
	{
		Version: 2,
		Name:    "index_recovery_scan",
		SQL: `
	CREATE INDEX IF NOT EXISTS idx_idempotency_record_lease
		ON idempotency_record (lock_expires_at) WHERE status = 'PROCESSING';
	CREATE INDEX IF NOT EXISTS idx_idempotency_record_retry
		ON idempotency_record (next_retry_at) WHERE status = 'FAILED';
	CREATE INDEX IF NOT EXISTS idx_idempotency_record_status_updated
		ON idempotency_record (status, updated_at);`,
	},
}

// LatestSchemaVersion returns the version the migrations bring a database to.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

// SchemaVersion returns the highest applied migration version (0 when none).
// PRE: db is a valid database connection
// POST: Returns the applied version or an error if the tracking table is unreadable
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// MigrateDB applies every migration newer than the recorded schema version,
// each in its own transaction.
// PRE: db is a valid database connection
// POST: Schema is at LatestSchemaVersion; applied steps are recorded in schema_version
func MigrateDB(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		slog.Info("schema_migrated", "version", m.Version, "name", m.Name)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}
