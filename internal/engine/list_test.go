package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/record"
)

func TestCacheList(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	rows := record.MustPayload([]map[string]any{{"id": "r1"}, {"id": "r2"}})

	entry, err := f.e.CacheList(ctx, "rfis", record.Payload(`{"status":"open","project":"p1"}`), rows, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "rfis", entry.Table)
	assert.Equal(t, int64(1), entry.Version)
	assert.NotNil(t, entry.SyncedAt)

	// Equivalent filter, different key order.
	got, fresh, err := f.e.CachedList("rfis", record.Payload(`{"project":"p1","status":"open"}`))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, entry.Key, got.Key)
	assert.True(t, got.Data.Equal(rows))

	entry, err = f.e.CacheList(ctx, "rfis", record.Payload(`{"status":"open","project":"p1"}`), record.Payload(`[]`), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version, "a refresh moves the version forward")

	f.clock.Advance(time.Hour)
	got, fresh, err = f.e.CachedList("rfis", record.Payload(`{"status":"open","project":"p1"}`))
	require.NoError(t, err)
	assert.False(t, fresh, "stale list is still served")
	assert.True(t, got.Data.Equal(record.Payload(`[]`)))

	_, _, err = f.e.CachedList("rfis", record.Payload(`{"status":"closed"}`))
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestCacheList_Validation(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	_, err := f.e.CacheList(ctx, "", nil, record.Payload(`[]`), 0)
	assert.True(t, record.IsValidationError(err))
	_, err = f.e.CacheList(ctx, "rfis", nil, record.Payload(`{"id":"r1"}`), 0)
	assert.True(t, record.IsValidationError(err), "rows must be an array")
	_, err = f.e.CacheList(ctx, "rfis", record.Payload(`{bad`), record.Payload(`[]`), 0)
	assert.True(t, record.IsValidationError(err))
}

func TestCacheList_EvictedLikeSyncedEntries(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	entry, err := f.e.CacheList(ctx, "rfis", nil, record.Payload(`[{"id":"r1"}]`), time.Second)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	keys, err := f.cache.Evict(ctx, cache.Criteria{PurgeExpired: true})
	require.NoError(t, err)
	assert.Equal(t, []string{entry.Key}, keys)
}
