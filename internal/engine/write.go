package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/transport"
)

// WriteOption configures an optimistic write.
type WriteOption func(*writeConfig)

type writeConfig struct {
	priority record.Priority
	ttl      time.Duration
}

// WithPriority sets the drain priority of the queued mutation.
func WithPriority(p record.Priority) WriteOption {
	return func(c *writeConfig) {
		c.priority = p
	}
}

// WithTTL sets the TTL of the optimistic cache entry. Zero uses the
// cache's default TTL.
func WithTTL(ttl time.Duration) WriteOption {
	return func(c *writeConfig) {
		c.ttl = ttl
	}
}

func writeOptions(opts []WriteOption) writeConfig {
	var c writeConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Create writes data to the cache optimistically and queues a create.
// With an empty recordID the server assigns the id, and the record is
// cached only once the server acknowledges it.
func (e *Engine) Create(ctx context.Context, table, recordID string, data record.Payload, opts ...WriteOption) (record.QueuedMutation, error) {
	cfg := writeOptions(opts)
	req := queue.Request{
		Type:     record.MutationCreate,
		Table:    table,
		RecordID: recordID,
		Data:     data,
		Priority: cfg.priority,
	}
	if err := req.Validate(); err != nil {
		return record.QueuedMutation{}, err
	}
	if recordID != "" {
		if _, err := e.cache.Put(ctx, record.RecordKey(table, recordID), table, data, cfg.ttl); err != nil {
			return record.QueuedMutation{}, fmt.Errorf("create %s/%s: %w", table, recordID, err)
		}
	}
	return e.queue.Enqueue(ctx, req)
}

// Update writes data to the cache optimistically and queues an update
// based on the server version the edit was made against.
func (e *Engine) Update(ctx context.Context, table, recordID string, data record.Payload, opts ...WriteOption) (record.QueuedMutation, error) {
	cfg := writeOptions(opts)
	key := record.RecordKey(table, recordID)
	req := queue.Request{
		Type:        record.MutationUpdate,
		Table:       table,
		RecordID:    recordID,
		Data:        data,
		Priority:    cfg.priority,
		BaseVersion: e.baseVersion(key),
	}
	if err := req.Validate(); err != nil {
		return record.QueuedMutation{}, err
	}
	if _, err := e.cache.Put(ctx, key, table, data, cfg.ttl); err != nil {
		return record.QueuedMutation{}, fmt.Errorf("update %s: %w", key, err)
	}
	return e.queue.Enqueue(ctx, req)
}

// Delete removes the record from the cache optimistically and queues a
// delete.
func (e *Engine) Delete(ctx context.Context, table, recordID string, opts ...WriteOption) (record.QueuedMutation, error) {
	cfg := writeOptions(opts)
	key := record.RecordKey(table, recordID)
	req := queue.Request{
		Type:        record.MutationDelete,
		Table:       table,
		RecordID:    recordID,
		Priority:    cfg.priority,
		BaseVersion: e.baseVersion(key),
	}
	if err := req.Validate(); err != nil {
		return record.QueuedMutation{}, err
	}
	if err := e.cache.Remove(ctx, key); err != nil {
		return record.QueuedMutation{}, fmt.Errorf("delete %s: %w", key, err)
	}
	return e.queue.Enqueue(ctx, req)
}

// baseVersion is the server version a new edit to key is made against.
// An edit chained behind a queued one shares its base, so an
// acknowledgment rebases the whole chain and a conflict resolved in favor
// of the server leaves the chain to conflict again.
func (e *Engine) baseVersion(key string) int64 {
	if m, ok := e.queue.LastLive(key); ok {
		return m.BaseVersion
	}
	if entry, ok := e.cache.Peek(key); ok {
		return entry.ServerVersion
	}
	return 0
}

// Fetch reads a record through the cache.
//
// A fresh cache hit is returned directly. Otherwise the record is fetched
// when the transport implements transport.Fetcher and the engine is online.
// The fetched record is not cached while local writes to it are queued,
// since the cache holds their optimistic result. If fetching is impossible
// or fails, a stale entry is served when one exists.
func (e *Engine) Fetch(ctx context.Context, table, recordID string) (record.CachedEntry, error) {
	key := record.RecordKey(table, recordID)
	if entry, ok := e.cache.Get(key); ok {
		return entry, nil
	}
	stale, haveStale := e.cache.Peek(key)

	fetcher, ok := e.transport.(transport.Fetcher)
	if !ok || !e.Online() {
		if haveStale {
			return stale, nil
		}
		if !ok {
			return record.CachedEntry{}, ErrNotCached
		}
		return record.CachedEntry{}, ErrOffline
	}

	if e.queue.HasLive(table, recordID) {
		if haveStale {
			return stale, nil
		}
		return record.CachedEntry{}, ErrNotCached
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	rec, err := fetcher.Fetch(sendCtx, table, recordID)
	cancel()
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return record.CachedEntry{}, fmt.Errorf("fetch %s: %w", key, err)
		}
		if haveStale {
			slog.Warn("fetch failed, serving stale entry", "key", key, "error", err)
			return stale, nil
		}
		return record.CachedEntry{}, fmt.Errorf("fetch %s: %w", key, err)
	}

	entry, err := e.cache.Put(ctx, key, table, rec.Data, 0, cache.FromServer(rec.Version))
	if err != nil {
		return record.CachedEntry{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	return entry, nil
}
