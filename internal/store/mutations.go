package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/tether/internal/record"
)

const mutationColumns = `id, seq, type, tbl, record_id, data, codec, timestamp,
	retry_count, status, priority, error, base_version, next_attempt_at, claimed_at`

// SaveMutation upserts a queued mutation keyed by ID.
func (s *Store) SaveMutation(ctx context.Context, m record.QueuedMutation) error {
	if err := saveMutation(ctx, s.db, m); err != nil {
		return classify("save mutation "+m.ID, err)
	}
	return nil
}

// DeleteMutation removes a mutation. Missing IDs are ignored so that a
// replayed completion is harmless.
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete mutation %s: %w", id, err)
	}
	return nil
}

// ReplaceMutation atomically swaps oldID for m. Used when a conflict
// resolution supersedes a suspended intent with a new one.
func (s *Store) ReplaceMutation(ctx context.Context, oldID string, m record.QueuedMutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace mutation: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", oldID); err != nil {
		return fmt.Errorf("replace mutation: delete %s: %w", oldID, err)
	}
	if err := saveMutation(ctx, tx, m); err != nil {
		return classify("replace mutation: save "+m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace mutation: commit: %w", err)
	}
	return nil
}

// LoadMutations returns every persisted mutation ordered by seq.
func (s *Store) LoadMutations(ctx context.Context) ([]record.QueuedMutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+`
		FROM mutations
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load mutations: %w", err)
	}
	defer rows.Close()

	var out []record.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return out, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveMutation(ctx context.Context, db execer, m record.QueuedMutation) error {
	data, codec := encodePayload(m.Data)
	_, err := db.ExecContext(ctx, `
		INSERT INTO mutations (`+mutationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			type = excluded.type,
			tbl = excluded.tbl,
			record_id = excluded.record_id,
			data = excluded.data,
			codec = excluded.codec,
			timestamp = excluded.timestamp,
			retry_count = excluded.retry_count,
			status = excluded.status,
			priority = excluded.priority,
			error = excluded.error,
			base_version = excluded.base_version,
			next_attempt_at = excluded.next_attempt_at,
			claimed_at = excluded.claimed_at
	`, m.ID, m.Seq, string(m.Type), m.Table, m.RecordID, data, codec,
		encodeTime(m.Timestamp), m.RetryCount, string(m.Status), string(m.Priority),
		m.Error, m.BaseVersion, encodeTime(m.NextAttemptAt), encodeTime(m.ClaimedAt))
	return err
}

func scanMutation(rows *sql.Rows) (record.QueuedMutation, error) {
	var (
		m                      record.QueuedMutation
		typ, status, priority  string
		data                   []byte
		codec                  int
		ts, nextAttempt, claim int64
	)
	err := rows.Scan(&m.ID, &m.Seq, &typ, &m.Table, &m.RecordID, &data, &codec, &ts,
		&m.RetryCount, &status, &priority, &m.Error, &m.BaseVersion, &nextAttempt, &claim)
	if err != nil {
		return record.QueuedMutation{}, fmt.Errorf("scan mutation: %w", err)
	}
	if m.Data, err = decodePayload(data, codec); err != nil {
		return record.QueuedMutation{}, fmt.Errorf("mutation %s: %w", m.ID, err)
	}
	m.Type = record.MutationType(typ)
	m.Status = record.Status(status)
	m.Priority = record.Priority(priority)
	m.Timestamp = decodeTime(ts)
	m.NextAttemptAt = decodeTime(nextAttempt)
	m.ClaimedAt = decodeTime(claim)
	return m, nil
}
