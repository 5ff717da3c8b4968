package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/record"
)

// CacheList stores the server's answer to a list query over table. rows
// must be a JSON array; filter is any JSON document describing the query,
// and equivalent filters share one entry. ttl zero uses the cache default.
//
// List entries are server content: they are marked synced and are evicted
// like any other synced entry. Local writes never touch them.
func (e *Engine) CacheList(ctx context.Context, table string, filter, rows record.Payload, ttl time.Duration) (record.CachedEntry, error) {
	if table == "" {
		return record.CachedEntry{}, record.NewValidationError("table", "required")
	}
	if !bytes.HasPrefix(bytes.TrimSpace(rows), []byte("[")) || !rows.Valid() {
		return record.CachedEntry{}, record.NewValidationError("rows", "must be a JSON array")
	}
	key, err := record.ListKey(table, filter)
	if err != nil {
		return record.CachedEntry{}, record.NewValidationError("filter", "%v", err)
	}
	// Lists carry no server version; each refresh counts as the next one.
	version := int64(1)
	if prev, ok := e.cache.Peek(key); ok {
		version = prev.Version + 1
	}
	entry, err := e.cache.Put(ctx, key, table, rows, ttl, cache.FromServer(version))
	if err != nil {
		return record.CachedEntry{}, fmt.Errorf("cache list %s: %w", key, err)
	}
	return entry, nil
}

// CachedList returns the cached answer to a list query. A stale entry is
// still returned, with fresh false, so the host can serve it while it
// refreshes the list.
func (e *Engine) CachedList(table string, filter record.Payload) (entry record.CachedEntry, fresh bool, err error) {
	key, err := record.ListKey(table, filter)
	if err != nil {
		return record.CachedEntry{}, false, record.NewValidationError("filter", "%v", err)
	}
	if entry, ok := e.cache.Get(key); ok {
		return entry, true, nil
	}
	if entry, ok := e.cache.Peek(key); ok {
		return entry, false, nil
	}
	return record.CachedEntry{}, false, ErrNotCached
}
