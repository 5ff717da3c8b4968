package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/tether/internal/record"
)

// SaveEntry upserts a cache entry.
func (s *Store) SaveEntry(ctx context.Context, e record.CachedEntry) error {
	data, codec := encodePayload(e.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, tbl, data, codec, timestamp, expires_at, version, server_version, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tbl = excluded.tbl,
			data = excluded.data,
			codec = excluded.codec,
			timestamp = excluded.timestamp,
			expires_at = excluded.expires_at,
			version = excluded.version,
			server_version = excluded.server_version,
			synced_at = excluded.synced_at
	`, e.Key, e.Table, data, codec,
		encodeTime(e.Timestamp), encodeTime(e.ExpiresAt), e.Version, e.ServerVersion,
		encodeOptionalTime(e.SyncedAt))
	if err != nil {
		return classify("save entry "+e.Key, err)
	}
	return nil
}

// DeleteEntries removes the given keys in one transaction.
// Missing keys are ignored.
func (s *Store) DeleteEntries(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete entries: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM cache_entries WHERE key = ?")
	if err != nil {
		return fmt.Errorf("delete entries: prepare: %w", err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key); err != nil {
			return fmt.Errorf("delete entry %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete entries: commit: %w", err)
	}
	return nil
}

// LoadEntries returns every persisted cache entry ordered by key.
func (s *Store) LoadEntries(ctx context.Context) ([]record.CachedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, tbl, data, codec, timestamp, expires_at, version, server_version, synced_at
		FROM cache_entries
		ORDER BY key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var out []record.CachedEntry
	for rows.Next() {
		var (
			e       record.CachedEntry
			data    []byte
			codec   int
			ts, exp int64
			synced  sql.NullInt64
		)
		if err := rows.Scan(&e.Key, &e.Table, &data, &codec, &ts, &exp, &e.Version, &e.ServerVersion, &synced); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.Data, err = decodePayload(data, codec); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Key, err)
		}
		e.Timestamp = decodeTime(ts)
		e.ExpiresAt = decodeTime(exp)
		e.SyncedAt = decodeOptionalTime(synced)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}
