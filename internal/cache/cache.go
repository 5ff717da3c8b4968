// Package cache implements the TTL-bounded, versioned store of opaque
// server-record snapshots that every other component reads and writes
// through.
//
// Staleness is advisory: Get treats an expired entry as a miss, but the
// entry stays until eviction so callers can serve stale-while-revalidate
// via Peek.
//
// The store exclusively owns CachedEntry records. It is write-through: an
// entry is persisted to the Backend before the in-memory index changes, so
// a failed write leaves both views untouched.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/quota"
	"github.com/roach88/tether/internal/record"
)

// DefaultTTL applies when Put is called with a non-positive ttl.
const DefaultTTL = 10 * time.Minute

// Backend is the durable storage behind the cache.
// Implemented by store.Store.
type Backend interface {
	SaveEntry(ctx context.Context, e record.CachedEntry) error
	DeleteEntries(ctx context.Context, keys ...string) error
	LoadEntries(ctx context.Context) ([]record.CachedEntry, error)
}

// Store is the cache store.
//
// Thread-safety: all methods are safe for concurrent use. The internal lock
// covers local storage I/O only; nothing here waits on the network.
type Store struct {
	mu      sync.Mutex
	entries map[string]record.CachedEntry

	backend    Backend
	monitor    *quota.Monitor
	bus        *events.Bus
	pinned     func(key string) bool
	now        func() time.Time
	defaultTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithBackend makes the cache durable.
func WithBackend(b Backend) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// WithMonitor consults m before every Put and evicts under pressure.
func WithMonitor(m *quota.Monitor) Option {
	return func(s *Store) {
		s.monitor = m
	}
}

// WithBus publishes cache:evicted events.
func WithBus(b *events.Bus) Option {
	return func(s *Store) {
		s.bus = b
	}
}

// WithPinned protects entries from eviction while pinned(key) is true.
// The engine pins records that still have a live queued mutation, so an
// unacknowledged optimistic write is never evicted. pinned is called with
// the store lock held and must not call back into the cache.
func WithPinned(pinned func(key string) bool) Option {
	return func(s *Store) {
		s.pinned = pinned
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithDefaultTTL sets the TTL used when Put receives ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// New creates an empty in-memory cache. Use Open to load a durable one.
func New(opts ...Option) *Store {
	s := &Store{
		entries:    make(map[string]record.CachedEntry),
		now:        time.Now,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a cache and loads every persisted entry from the backend.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	s := New(opts...)
	if s.backend == nil {
		return s, nil
	}

	loaded, err := s.backend.LoadEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	for _, e := range loaded {
		s.entries[e.Key] = e
	}
	slog.Debug("cache loaded", "entries", len(loaded))
	return s, nil
}

// PutOption modifies a single Put.
type PutOption func(*putConfig)

type putConfig struct {
	fromServer    bool
	serverVersion int64
}

// FromServer marks the write as originating from a confirmed server
// response carrying version. SyncedAt is set to now, ServerVersion becomes
// exactly version and the local version becomes max(current, version).
func FromServer(version int64) PutOption {
	return func(c *putConfig) {
		c.fromServer = true
		c.serverVersion = version
	}
}

// Put writes or overwrites an entry.
//
// A local write bumps the version by one and leaves SyncedAt and
// ServerVersion unchanged. A FromServer write records the server version,
// raises the local version to it (never lowering it) and sets SyncedAt.
// Timestamp is now and ExpiresAt is now+ttl.
//
// The only failure is QuotaExceededError, when the backend itself rejects
// the write. Warning/critical quota signals never block a write; they
// trigger eviction first.
func (s *Store) Put(ctx context.Context, key, table string, data record.Payload, ttl time.Duration, opts ...PutOption) (record.CachedEntry, error) {
	var cfg putConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if s.monitor != nil {
		q := s.monitor.Check(ctx)
		if q.Warning || q.Critical {
			if _, err := s.Evict(ctx, Criteria{Quota: q, NeedBytes: bytesToRelieve(q, int64(len(data)))}); err != nil {
				slog.Warn("eviction before put failed", "key", key, "error", err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev, exists := s.entries[key]

	entry := record.CachedEntry{
		Key:       key,
		Table:     table,
		Data:      data.Clone(),
		Timestamp: now,
		ExpiresAt: now.Add(ttl),
		Version:   prev.Version + 1,
	}
	if exists {
		entry.SyncedAt = prev.SyncedAt
		entry.ServerVersion = prev.ServerVersion
	}
	if cfg.fromServer {
		entry.Version = max(prev.Version, cfg.serverVersion, 1)
		entry.ServerVersion = cfg.serverVersion
		synced := now
		entry.SyncedAt = &synced
	}

	if err := s.persist(ctx, entry); err != nil {
		return record.CachedEntry{}, err
	}
	s.entries[key] = entry

	slog.Debug("cache put",
		"key", key,
		"version", entry.Version,
		"from_server", cfg.fromServer,
	)
	return entry.Clone(), nil
}

// Get returns the entry for key. Absent and expired entries are misses;
// expired entries are not deleted.
func (s *Store) Get(key string) (record.CachedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.Expired(s.now()) {
		return record.CachedEntry{}, false
	}
	return e.Clone(), true
}

// Peek returns the entry for key even if it has expired.
func (s *Store) Peek(key string) (record.CachedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return record.CachedEntry{}, false
	}
	return e.Clone(), true
}

// BumpVersion increments the version of key and marks it synced now.
// Used after the server acknowledges a write without returning a body; the
// server applied exactly that write, so ServerVersion moves by one too.
// A missing key is a silent no-op.
func (s *Store) BumpVersion(ctx context.Context, key string) error {
	return s.update(ctx, key, func(e *record.CachedEntry) {
		e.Version++
		e.ServerVersion++
	})
}

// MarkSynced records that the server confirmed version for key without
// replacing the cached data, which still holds later optimistic writes.
// A missing key is a silent no-op.
func (s *Store) MarkSynced(ctx context.Context, key string, version int64) error {
	return s.update(ctx, key, func(e *record.CachedEntry) {
		e.Version = max(e.Version, version)
		e.ServerVersion = version
	})
}

// update applies fn to an existing entry and stamps it synced now.
func (s *Store) update(ctx context.Context, key string, fn func(*record.CachedEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	now := s.now()
	fn(&e)
	e.Timestamp = now
	e.SyncedAt = &now

	if err := s.persist(ctx, e); err != nil {
		return err
	}
	s.entries[key] = e
	return nil
}

// Remove deletes key. Removing a missing key is a no-op.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	if s.backend != nil {
		if err := s.backend.DeleteEntries(ctx, key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	delete(s.entries, key)
	return nil
}

// Len returns the number of entries, stale ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns a copy of every entry ordered by key.
func (s *Store) Entries() []record.CachedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]record.CachedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b record.CachedEntry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// persist must be called with s.mu held.
func (s *Store) persist(ctx context.Context, e record.CachedEntry) error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.SaveEntry(ctx, e); err != nil {
		if errors.Is(err, record.ErrStorageFull) {
			return &QuotaExceededError{Key: e.Key, Err: err}
		}
		return fmt.Errorf("persist %s: %w", e.Key, err)
	}
	return nil
}

// bytesToRelieve computes how much to free so that, after writing size
// bytes, available space is back above the warning threshold.
func bytesToRelieve(q record.StorageQuota, size int64) int64 {
	if q.Total <= 0 {
		return size
	}
	target := int64(math.Ceil(float64(q.Total) * record.QuotaWarningRatio))
	need := target - q.Available + size
	if need < size {
		need = size
	}
	return need
}
