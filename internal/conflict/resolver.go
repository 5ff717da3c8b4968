// Package conflict detects divergence between a local unsynced write and the
// server's current record, and applies the caller's chosen resolution.
//
// A conflict exists when the server's version is strictly greater than the
// version the local mutation was based on AND the two payloads differ by
// canonical fingerprint. A newer server version carrying the same payload is
// the server echoing the client's own earlier write, not a conflict.
//
// At most one unresolved conflict exists per (table, recordId). Detecting
// again before resolution refreshes both sides, the mutation and the
// timestamp in place.
// Once resolved a conflict is immutable.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
)

// Backend is the durable storage behind the resolver.
// Implemented by store.Store.
type Backend interface {
	SaveConflict(ctx context.Context, c record.Conflict) error
	LoadConflicts(ctx context.Context) ([]record.Conflict, error)
	PruneResolvedConflicts(ctx context.Context) (int64, error)
}

// Resolver owns conflicts until they are resolved.
//
// Thread-safety: all methods are safe for concurrent use. Cache and queue
// side effects of Resolve run outside the resolver lock.
type Resolver struct {
	mu        sync.Mutex
	conflicts map[string]record.Conflict
	open      map[string]string // record key → unresolved conflict id

	cache   *cache.Store
	queue   *queue.Queue
	backend Backend
	bus     *events.Bus
	ids     record.IDGenerator
	now     func() time.Time
	policy  Policy
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBackend makes conflicts durable.
func WithBackend(b Backend) Option {
	return func(r *Resolver) {
		r.backend = b
	}
}

// WithBus publishes conflict:detected and conflict:resolved.
func WithBus(b *events.Bus) Option {
	return func(r *Resolver) {
		r.bus = b
	}
}

// WithIDGenerator overrides conflict id assignment.
func WithIDGenerator(g record.IDGenerator) Option {
	return func(r *Resolver) {
		r.ids = g
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithPolicy resolves new conflicts automatically during reconciliation.
// Without a policy conflicts wait for an explicit Resolve.
func WithPolicy(p Policy) Option {
	return func(r *Resolver) {
		r.policy = p
	}
}

// New creates a resolver writing resolutions through c and q.
func New(c *cache.Store, q *queue.Queue, opts ...Option) *Resolver {
	r := &Resolver{
		conflicts: make(map[string]record.Conflict),
		open:      make(map[string]string),
		cache:     c,
		queue:     q,
		ids:       record.UUIDv7Generator{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a resolver and loads persisted conflicts.
func Open(ctx context.Context, c *cache.Store, q *queue.Queue, opts ...Option) (*Resolver, error) {
	r := New(c, q, opts...)
	if r.backend == nil {
		return r, nil
	}

	loaded, err := r.backend.LoadConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("open resolver: %w", err)
	}
	for _, cf := range loaded {
		r.conflicts[cf.ID] = cf
		if !cf.Resolved {
			r.open[cf.RecordKey()] = cf.ID
		}
	}
	slog.Debug("conflicts loaded", "total", len(loaded), "open", len(r.open))
	return r, nil
}

// Detect compares the local side of mutation m with the server's current
// record. It returns the (new or refreshed) conflict and true, or false when
// the versions and payloads do not diverge.
func (r *Resolver) Detect(ctx context.Context, m record.QueuedMutation, local, remote record.Snapshot) (record.Conflict, bool, error) {
	if !Diverged(m.BaseVersion, local, remote) {
		return record.Conflict{}, false, nil
	}

	r.mu.Lock()
	key := record.RecordKey(m.Table, m.RecordID)
	now := r.now()

	var c record.Conflict
	if id, ok := r.open[key]; ok {
		c = r.conflicts[id]
		c.LocalVersion = snapshotClone(local)
		c.RemoteVersion = snapshotClone(remote)
		c.Timestamp = now
		c.MutationID = m.ID
	} else {
		c = record.Conflict{
			ID:            r.ids.Generate(),
			Table:         m.Table,
			RecordID:      m.RecordID,
			MutationID:    m.ID,
			LocalVersion:  snapshotClone(local),
			RemoteVersion: snapshotClone(remote),
			Timestamp:     now,
		}
	}
	if err := r.save(ctx, c); err != nil {
		r.mu.Unlock()
		return record.Conflict{}, false, err
	}
	r.conflicts[c.ID] = c
	r.open[key] = c.ID
	r.mu.Unlock()

	slog.Warn("conflict detected",
		"id", c.ID,
		"table", c.Table,
		"record_id", c.RecordID,
		"mutation_id", c.MutationID,
		"base_version", m.BaseVersion,
		"remote_version", remote.Version,
	)
	r.publish(events.ConflictDetected, c)
	return c.Clone(), true, nil
}

// Diverged reports whether remote conflicts with a local write based on
// baseVersion.
func Diverged(baseVersion int64, local, remote record.Snapshot) bool {
	if remote.Version <= baseVersion {
		return false
	}
	return !local.Data.Equal(remote.Data)
}

// Resolve settles conflict id with strategy.
//
//	local   re-sends the local payload based on the remote version, taking
//	        the suspended mutation's queue position
//	remote  accepts the server payload into the cache and discards the
//	        suspended mutation
//	manual  writes merged to the cache and sends it based on the remote
//	        version, taking the suspended mutation's queue position
//
// Edits queued after the suspended mutation follow the resolution. Keeping
// local rebases them onto the remote version. Under remote and manual they
// keep their base, so they conflict again against the state the resolution
// accepted, and the cache keeps their optimistic data meanwhile.
//
// merged is required for manual and ignored otherwise.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy record.Resolution, merged record.Payload) (record.Conflict, error) {
	if !strategy.Valid() {
		return record.Conflict{}, record.NewValidationError("strategy", "unknown strategy %q", strategy)
	}
	if strategy == record.ResolutionManual && (merged.IsZero() || !merged.Valid()) {
		return record.Conflict{}, record.NewValidationError("merged", "manual resolution requires a valid merged payload")
	}

	r.mu.Lock()
	c, ok := r.conflicts[id]
	r.mu.Unlock()
	if !ok {
		return record.Conflict{}, &NotFoundError{ID: id}
	}
	if c.Resolved {
		return record.Conflict{}, &AlreadyResolvedError{ID: id, Resolution: c.Resolution}
	}

	var err error
	switch strategy {
	case record.ResolutionLocal:
		err = r.keepLocal(ctx, c)
	case record.ResolutionRemote:
		err = r.keepRemote(ctx, c)
	case record.ResolutionManual:
		err = r.applyMerged(ctx, c, merged)
	}
	if err != nil {
		return record.Conflict{}, fmt.Errorf("resolve %s: %w", id, err)
	}

	r.mu.Lock()
	// A concurrent Resolve may have won while side effects ran.
	if cur := r.conflicts[id]; cur.Resolved {
		r.mu.Unlock()
		return record.Conflict{}, &AlreadyResolvedError{ID: id, Resolution: cur.Resolution}
	}
	c.Resolved = true
	c.Resolution = strategy
	if err := r.save(ctx, c); err != nil {
		r.mu.Unlock()
		return record.Conflict{}, err
	}
	r.conflicts[id] = c
	if r.open[c.RecordKey()] == id {
		delete(r.open, c.RecordKey())
	}
	r.mu.Unlock()

	slog.Info("conflict resolved",
		"id", id,
		"table", c.Table,
		"record_id", c.RecordID,
		"resolution", strategy,
	)
	r.publish(events.ConflictResolved, c)
	return c.Clone(), nil
}

func (r *Resolver) keepLocal(ctx context.Context, c record.Conflict) error {
	typ := record.MutationUpdate
	data := c.LocalVersion.Data
	orig, ok := r.queue.Get(c.MutationID)
	if ok {
		typ = orig.Type
		if orig.Type != record.MutationDelete {
			data = orig.Data
		}
		if err := r.queue.Rebase(ctx, orig, c.RemoteVersion.Version); err != nil {
			return err
		}
	}
	if data.IsZero() {
		typ = record.MutationDelete
	}
	req := queue.Request{
		Type:        typ,
		Table:       c.Table,
		RecordID:    c.RecordID,
		Data:        data,
		BaseVersion: c.RemoteVersion.Version,
	}
	// Re-creating over a live remote record would conflict again.
	if req.Type == record.MutationCreate && !c.RemoteVersion.Data.IsZero() {
		req.Type = record.MutationUpdate
	}
	return r.requeue(ctx, c, req)
}

func (r *Resolver) keepRemote(ctx context.Context, c record.Conflict) error {
	if !r.hasLaterEdits(c) {
		key := c.RecordKey()
		if c.RemoteVersion.Data.IsZero() {
			if err := r.cache.Remove(ctx, key); err != nil {
				return err
			}
		} else {
			if _, err := r.cache.Put(ctx, key, c.Table, c.RemoteVersion.Data, 0, cache.FromServer(c.RemoteVersion.Version)); err != nil {
				return err
			}
		}
	}
	if err := r.queue.Discard(ctx, c.MutationID); err != nil && !queue.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *Resolver) applyMerged(ctx context.Context, c record.Conflict, merged record.Payload) error {
	if !r.hasLaterEdits(c) {
		if _, err := r.cache.Put(ctx, c.RecordKey(), c.Table, merged, 0); err != nil {
			return err
		}
	}
	return r.requeue(ctx, c, queue.Request{
		Type:        record.MutationUpdate,
		Table:       c.Table,
		RecordID:    c.RecordID,
		Data:        merged,
		BaseVersion: c.RemoteVersion.Version,
	})
}

// hasLaterEdits reports whether edits to the record were queued after the
// suspended mutation of c.
func (r *Resolver) hasLaterEdits(c record.Conflict) bool {
	orig, ok := r.queue.Get(c.MutationID)
	return ok && r.queue.HasLater(orig)
}

// requeue replaces the suspended mutation with req, or enqueues req if the
// suspended mutation is gone (e.g. discarded by an operator).
func (r *Resolver) requeue(ctx context.Context, c record.Conflict, req queue.Request) error {
	if req.Type == record.MutationDelete {
		req.Data = nil
	}
	if orig, ok := r.queue.Get(c.MutationID); ok {
		req.Priority = orig.Priority
		_, err := r.queue.Replace(ctx, c.MutationID, req)
		return err
	}
	_, err := r.queue.Enqueue(ctx, req)
	return err
}

// Reconcile applies the configured policy to the given conflicts and
// returns how many it resolved. Without a policy it does nothing.
func (r *Resolver) Reconcile(ctx context.Context, ids []string) (int, error) {
	if r.policy == nil {
		return 0, nil
	}
	resolved := 0
	for _, id := range ids {
		c, ok := r.Get(id)
		if !ok || c.Resolved {
			continue
		}
		strategy, merged, ok := r.policy(c)
		if !ok {
			continue
		}
		if _, err := r.Resolve(ctx, id, strategy, merged); err != nil {
			if IsAlreadyResolved(err) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// Get returns conflict id.
func (r *Resolver) Get(id string) (record.Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return record.Conflict{}, false
	}
	return c.Clone(), true
}

// OpenFor returns the unresolved conflict on (table, recordID), if any.
func (r *Resolver) OpenFor(table, recordID string) (record.Conflict, bool) {
	r.mu.Lock()
	id, ok := r.open[record.RecordKey(table, recordID)]
	r.mu.Unlock()
	if !ok {
		return record.Conflict{}, false
	}
	return r.Get(id)
}

// List returns conflicts oldest first. With unresolvedOnly only open
// conflicts are returned.
func (r *Resolver) List(unresolvedOnly bool) []record.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]record.Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b record.Conflict) int {
		if cmp := a.Timestamp.Compare(b.Timestamp); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// OpenCount returns the number of unresolved conflicts.
func (r *Resolver) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// Prune forgets resolved conflicts and returns how many were dropped.
func (r *Resolver) Prune(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend != nil {
		if _, err := r.backend.PruneResolvedConflicts(ctx); err != nil {
			return 0, err
		}
	}
	n := 0
	for id, c := range r.conflicts {
		if c.Resolved {
			delete(r.conflicts, id)
			n++
		}
	}
	return n, nil
}

// save must be called with r.mu held.
func (r *Resolver) save(ctx context.Context, c record.Conflict) error {
	if r.backend == nil {
		return nil
	}
	if err := r.backend.SaveConflict(ctx, c); err != nil {
		return fmt.Errorf("persist conflict %s: %w", c.ID, err)
	}
	return nil
}

func (r *Resolver) publish(t events.Type, c record.Conflict) {
	snapshot := c.Clone()
	r.bus.Publish(events.Event{Type: t, Conflict: &snapshot})
}

func snapshotClone(s record.Snapshot) record.Snapshot {
	return record.Snapshot{Version: s.Version, Data: s.Data.Clone()}
}
