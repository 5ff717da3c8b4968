package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/roach88/tether/internal/record"
)

func TestSaveEntry_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	synced := testEpoch.Add(time.Second)
	e := createTestEntry("notes/1", 3)
	e.ServerVersion = 2
	e.SyncedAt = &synced
	if err := s.SaveEntry(ctx, e); err != nil {
		t.Fatalf("SaveEntry() failed: %v", err)
	}

	got, err := s.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("LoadEntries() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d entries, want 1", len(got))
	}
	g := got[0]
	if g.Key != "notes/1" || g.Table != "notes" || g.Version != 3 || g.ServerVersion != 2 {
		t.Errorf("unexpected entry: %+v", g)
	}
	if !g.Timestamp.Equal(testEpoch) || !g.ExpiresAt.Equal(testEpoch.Add(10*time.Minute)) {
		t.Errorf("times: timestamp=%v expires=%v", g.Timestamp, g.ExpiresAt)
	}
	if g.SyncedAt == nil || !g.SyncedAt.Equal(synced) {
		t.Errorf("SyncedAt = %v, want %v", g.SyncedAt, synced)
	}
	if !g.Data.Equal(e.Data) {
		t.Errorf("Data = %s, want %s", g.Data, e.Data)
	}
}

func TestSaveEntry_NeverSyncedIsNull(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.SaveEntry(ctx, createTestEntry("notes/1", 1)); err != nil {
		t.Fatalf("SaveEntry() failed: %v", err)
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cache_entries WHERE synced_at IS NULL").Scan(&n); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if n != 1 {
		t.Errorf("synced_at NULL rows = %d, want 1", n)
	}

	got, _ := s.LoadEntries(ctx)
	if got[0].SyncedAt != nil {
		t.Errorf("SyncedAt = %v, want nil", got[0].SyncedAt)
	}
}

func TestSaveEntry_Upserts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.SaveEntry(ctx, createTestEntry("notes/1", 1)); err != nil {
		t.Fatalf("SaveEntry() failed: %v", err)
	}
	if err := s.SaveEntry(ctx, createTestEntry("notes/1", 2)); err != nil {
		t.Fatalf("second SaveEntry() failed: %v", err)
	}

	got, _ := s.LoadEntries(ctx)
	if len(got) != 1 || got[0].Version != 2 {
		t.Errorf("got %+v, want single entry at version 2", got)
	}
}

func TestSaveEntry_CompressesLargePayloads(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	large := record.Payload(`{"body":"` + strings.Repeat("x", 4*compressThreshold) + `"}`)
	e := createTestEntry("notes/big", 1)
	e.Data = large
	if err := s.SaveEntry(ctx, e); err != nil {
		t.Fatalf("SaveEntry() failed: %v", err)
	}

	var codec, stored int
	if err := s.db.QueryRow("SELECT codec, length(data) FROM cache_entries WHERE key = ?", "notes/big").Scan(&codec, &stored); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if codec != codecSnappy {
		t.Errorf("codec = %d, want %d", codec, codecSnappy)
	}
	if stored >= len(large) {
		t.Errorf("stored %d bytes, want fewer than %d", stored, len(large))
	}

	got, _ := s.LoadEntries(ctx)
	if string(got[0].Data) != string(large) {
		t.Error("large payload did not round-trip")
	}
}

func TestDeleteEntries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"notes/1", "notes/2", "notes/3"} {
		if err := s.SaveEntry(ctx, createTestEntry(key, 1)); err != nil {
			t.Fatalf("SaveEntry(%s) failed: %v", key, err)
		}
	}
	if err := s.DeleteEntries(ctx, "notes/1", "notes/3", "notes/missing"); err != nil {
		t.Fatalf("DeleteEntries() failed: %v", err)
	}

	got, _ := s.LoadEntries(ctx)
	if len(got) != 1 || got[0].Key != "notes/2" {
		t.Errorf("remaining = %+v, want only notes/2", got)
	}

	if err := s.DeleteEntries(ctx); err != nil {
		t.Errorf("DeleteEntries() with no keys: %v", err)
	}
}

func TestLoadEntries_SurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/reopen.db"
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s1.SaveEntry(ctx, createTestEntry("notes/1", 7)); err != nil {
		t.Fatalf("SaveEntry() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("LoadEntries() failed: %v", err)
	}
	if len(got) != 1 || got[0].Version != 7 {
		t.Errorf("got %+v after reopen", got)
	}
}
