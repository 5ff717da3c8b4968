package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/tether/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added partial UNIQUE index: one open conflict per (tbl, record_id)
// 2 - Added cache_entries.server_version
const currentSchemaVersion = 2

// Store provides durable storage for cache entries, queued mutations and
// conflicts. Uses SQLite with WAL mode for concurrent read access.
//
// Store satisfies cache.Backend, queue.Backend and conflict.Backend.
type Store struct {
	db       *sql.DB
	maxBytes int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes caps the database size. Writes beyond the cap fail with
// record.ErrStorageFull, which the cache surfaces as QuotaExceededError.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if s.maxBytes > 0 {
		if err := s.applyMaxBytes(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply size cap: %w", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Usage returns the bytes occupied by live database pages.
// Used as the quota source when the host grants the store a byte budget.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	var pageCount, freeCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("usage: page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freeCount); err != nil {
		return 0, fmt.Errorf("usage: freelist_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("usage: page_size: %w", err)
	}
	return (pageCount - freeCount) * pageSize, nil
}

// MaxBytes returns the configured size cap, 0 if uncapped.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func (s *Store) applyMaxBytes() error {
	var pageSize int64
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return fmt.Errorf("get page_size: %w", err)
	}
	pages := s.maxBytes / pageSize
	if pages < 1 {
		pages = 1
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		return fmt.Errorf("set max_page_count: %w", err)
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 enforces at most one unresolved conflict per record.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open
		ON conflicts(tbl, record_id) WHERE resolved = 0
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrateToV2 adds the server-confirmed version to cache entries. Older
// synced entries hold no local edits the schema could tell apart, so their
// version is taken as confirmed.
func migrateToV2(db *sql.DB) error {
	has, err := hasColumn(db, "cache_entries", "server_version")
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec("ALTER TABLE cache_entries ADD COLUMN server_version INTEGER NOT NULL DEFAULT 0"); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if _, err := db.Exec("UPDATE cache_entries SET server_version = version WHERE synced_at IS NOT NULL"); err != nil {
		return fmt.Errorf("migrate to v2: backfill: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// classify maps driver errors onto the record error taxonomy.
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%s: %w: %v", op, record.ErrStorageFull, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
