package store

import (
	"context"
	"fmt"

	"github.com/roach88/tether/internal/record"
)

// SaveConflict upserts a conflict keyed by ID.
//
// At most one unresolved conflict may exist per (table, record). Inserting
// a second open conflict for the same record fails the unique index.
func (s *Store) SaveConflict(ctx context.Context, c record.Conflict) error {
	localData, localCodec := encodePayload(c.LocalVersion.Data)
	remoteData, remoteCodec := encodePayload(c.RemoteVersion.Data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, tbl, record_id, mutation_id,
			local_version, local_data, local_codec,
			remote_version, remote_data, remote_codec,
			timestamp, resolved, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mutation_id = excluded.mutation_id,
			local_version = excluded.local_version,
			local_data = excluded.local_data,
			local_codec = excluded.local_codec,
			remote_version = excluded.remote_version,
			remote_data = excluded.remote_data,
			remote_codec = excluded.remote_codec,
			timestamp = excluded.timestamp,
			resolved = excluded.resolved,
			resolution = excluded.resolution
	`, c.ID, c.Table, c.RecordID, c.MutationID,
		c.LocalVersion.Version, localData, localCodec,
		c.RemoteVersion.Version, remoteData, remoteCodec,
		encodeTime(c.Timestamp), boolToInt(c.Resolved), string(c.Resolution))
	if err != nil {
		return classify("save conflict "+c.ID, err)
	}
	return nil
}

// LoadConflicts returns every persisted conflict, oldest first.
func (s *Store) LoadConflicts(ctx context.Context) ([]record.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tbl, record_id, mutation_id,
			local_version, local_data, local_codec,
			remote_version, remote_data, remote_codec,
			timestamp, resolved, resolution
		FROM conflicts
		ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load conflicts: %w", err)
	}
	defer rows.Close()

	var out []record.Conflict
	for rows.Next() {
		var (
			c                       record.Conflict
			localData, remoteData   []byte
			localCodec, remoteCodec int
			ts                      int64
			resolved                int
			resolution              string
		)
		if err := rows.Scan(&c.ID, &c.Table, &c.RecordID, &c.MutationID,
			&c.LocalVersion.Version, &localData, &localCodec,
			&c.RemoteVersion.Version, &remoteData, &remoteCodec,
			&ts, &resolved, &resolution); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		if c.LocalVersion.Data, err = decodePayload(localData, localCodec); err != nil {
			return nil, fmt.Errorf("conflict %s local: %w", c.ID, err)
		}
		if c.RemoteVersion.Data, err = decodePayload(remoteData, remoteCodec); err != nil {
			return nil, fmt.Errorf("conflict %s remote: %w", c.ID, err)
		}
		c.Timestamp = decodeTime(ts)
		c.Resolved = resolved != 0
		c.Resolution = record.Resolution(resolution)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// PruneResolvedConflicts deletes resolved conflicts and returns how many
// were removed.
func (s *Store) PruneResolvedConflicts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conflicts WHERE resolved = 1")
	if err != nil {
		return 0, fmt.Errorf("prune conflicts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
