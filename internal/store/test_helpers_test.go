package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tether/internal/record"
)

var testEpoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestMutation creates a pending mutation with minimal required fields.
func createTestMutation(id, table, recordID string, seq int64) record.QueuedMutation {
	return record.QueuedMutation{
		ID:        id,
		Type:      record.MutationUpdate,
		Table:     table,
		RecordID:  recordID,
		Data:      record.MustPayload(map[string]any{"id": recordID}),
		Timestamp: testEpoch,
		Status:    record.StatusPending,
		Priority:  record.PriorityNormal,
		Seq:       seq,
	}
}

// createTestEntry creates a cache entry expiring ten minutes after testEpoch.
func createTestEntry(key string, version int64) record.CachedEntry {
	table, _, _ := record.SplitRecordKey(key)
	return record.CachedEntry{
		Key:       key,
		Table:     table,
		Data:      record.MustPayload(map[string]any{"key": key}),
		Timestamp: testEpoch,
		ExpiresAt: testEpoch.Add(10 * time.Minute),
		Version:   version,
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("table_info(%s) failed: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defValue, &pk); err != nil {
			t.Fatalf("scan table_info failed: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(
		"SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?",
		table,
	)
	if err != nil {
		t.Fatalf("index query failed: %v", err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan index failed: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
