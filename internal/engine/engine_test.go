package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/testutil"
	"github.com/roach88/tether/internal/transport"
	"github.com/roach88/tether/internal/transport/memserver"
)

type setup struct {
	// transport wraps the memserver; nil uses it directly.
	transport func(*memserver.Server) transport.Transport
	engine    []Option
	resolver  []conflict.Option
}

type fixture struct {
	e        *Engine
	server   *memserver.Server
	cache    *cache.Store
	queue    *queue.Queue
	resolver *conflict.Resolver
	clock    *testutil.ManualClock
	rec      *events.Recorder
}

func newFixture(t *testing.T, s setup) fixture {
	t.Helper()
	clock := testutil.NewManualClock(time.Time{})
	bus := events.NewBus(events.WithClock(clock.Now))
	rec := events.NewRecorder(bus)
	t.Cleanup(rec.Close)

	q := queue.New(
		queue.WithClock(clock.Now),
		queue.WithBus(bus),
		queue.WithIDGenerator(record.NewFixedGenerator("m")),
	)
	c := cache.New(cache.WithClock(clock.Now), cache.WithBus(bus), cache.WithPinned(q.HasLiveKey))
	r := conflict.New(c, q, append([]conflict.Option{
		conflict.WithClock(clock.Now),
		conflict.WithBus(bus),
		conflict.WithIDGenerator(record.NewFixedGenerator("c")),
	}, s.resolver...)...)

	server := memserver.New()
	var tr transport.Transport = server
	if s.transport != nil {
		tr = s.transport(server)
	}

	e := New(c, q, r, tr, append([]Option{
		WithClock(clock.Now),
		WithBus(bus),
	}, s.engine...)...)

	return fixture{e: e, server: server, cache: c, queue: q, resolver: r, clock: clock, rec: rec}
}

func title(s string) record.Payload {
	return record.MustPayload(map[string]any{"title": s})
}

func syncTypes(rec *events.Recorder) []events.Type {
	var out []events.Type
	for _, t := range rec.Types() {
		switch t {
		case events.SyncStarted, events.SyncCompleted, events.SyncInterrupted:
			out = append(out, t)
		}
	}
	return out
}

func TestSync_DrainsQueue(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.Seed("rfis", "r1", 1, title("v1"))

	fetched, err := f.e.Fetch(ctx, "rfis", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetched.Version)

	upd, err := f.e.Update(ctx, "rfis", "r1", title("v2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), upd.BaseVersion, "based on the version the edit was made against")

	_, err = f.e.Create(ctx, "rfis", "r2", title("new"), WithPriority(record.PriorityHigh))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, res.Completed)
	assert.Zero(t, f.queue.Len())

	received := f.server.Received()
	require.Len(t, received, 2)
	assert.Equal(t, "r2", received[0].RecordID, "high priority first")

	srv, ok := f.server.Record("rfis", "r1")
	require.True(t, ok)
	assert.Equal(t, int64(2), srv.Version)
	assert.True(t, srv.Data.Equal(title("v2")))

	entry, ok := f.cache.Get("rfis/r1")
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.Version)
	require.NotNil(t, entry.SyncedAt)
	assert.Equal(t, f.clock.Now(), *entry.SyncedAt)

	created, ok := f.cache.Get("rfis/r2")
	require.True(t, ok)
	assert.Equal(t, int64(1), created.Version)
	assert.NotNil(t, created.SyncedAt)

	assert.Equal(t, []events.Type{events.SyncStarted, events.SyncCompleted}, syncTypes(f.rec))
	assert.Equal(t, StateIdle, f.e.State())
	require.NotNil(t, f.e.Status().LastPass)
	assert.Equal(t, 2, f.e.Status().LastPass.Completed)
}

func TestSync_CreateWithoutIDCachesServerRecord(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	_, err := f.e.Create(ctx, "rfis", "", title("draft"))
	require.NoError(t, err)
	assert.Zero(t, f.cache.Len(), "nothing to key the entry by yet")

	_, err = f.e.Sync(ctx)
	require.NoError(t, err)

	entry, ok := f.cache.Get("rfis/srv-1")
	require.True(t, ok)
	assert.True(t, entry.Data.Equal(title("draft")))
}

func TestSync_Delete(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.Seed("rfis", "r1", 1, title("v1"))
	_, err := f.e.Fetch(ctx, "rfis", "r1")
	require.NoError(t, err)

	m, err := f.e.Delete(ctx, "rfis", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.BaseVersion)
	_, ok := f.cache.Peek("rfis/r1")
	assert.False(t, ok, "removed optimistically")

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	srv, _ := f.server.Record("rfis", "r1")
	assert.True(t, srv.Deleted)
	assert.Zero(t, f.cache.Len())
}

func TestSync_ChainedEditsAreRebased(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.Seed("rfis", "r1", 1, title("v1"))
	_, err := f.e.Fetch(ctx, "rfis", "r1")
	require.NoError(t, err)

	for _, s := range []string{"a", "b", "c"} {
		_, err := f.e.Update(ctx, "rfis", "r1", title(s))
		require.NoError(t, err)
	}

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Completed)
	assert.Zero(t, res.Conflicts)

	srv, _ := f.server.Record("rfis", "r1")
	assert.Equal(t, int64(4), srv.Version)
	assert.True(t, srv.Data.Equal(title("c")))

	entry, _ := f.cache.Get("rfis/r1")
	assert.Equal(t, int64(4), entry.Version)
	assert.True(t, entry.Data.Equal(title("c")), "later optimistic data never overwritten")
}

// The cache holds version 3, the server answers with version 4 and a
// different payload.
func TestSync_VersionConflictCreatesConflict(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	_, err := f.cache.Put(ctx, "rfis/r1", "rfis", title("base"), 0, cache.FromServer(3))
	require.NoError(t, err)
	f.server.Seed("rfis", "r1", 4, title("remote"))

	m, err := f.e.Update(ctx, "rfis", "r1", title("mine"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.BaseVersion)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Completed)
	assert.Equal(t, 1, res.Conflicts)
	require.Len(t, res.ConflictIDs, 1)

	suspended, ok := f.queue.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, record.StatusSuspended, suspended.Status)

	c, ok := f.resolver.OpenFor("rfis", "r1")
	require.True(t, ok)
	assert.Equal(t, res.ConflictIDs[0], c.ID)
	assert.Equal(t, int64(4), c.RemoteVersion.Version)
	assert.True(t, c.RemoteVersion.Data.Equal(title("remote")))
	assert.True(t, c.LocalVersion.Data.Equal(title("mine")))
	assert.Equal(t, 1, f.rec.Count(events.ConflictDetected))

	srv, _ := f.server.Record("rfis", "r1")
	assert.True(t, srv.Data.Equal(title("remote")), "server untouched")

	// Keep local.
	_, err = f.resolver.Resolve(ctx, c.ID, record.ResolutionLocal, nil)
	require.NoError(t, err)

	list := f.queue.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Data.Equal(title("mine")))
	assert.Equal(t, int64(4), list[0].BaseVersion)

	res, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, res.Conflicts)

	srv, _ = f.server.Record("rfis", "r1")
	assert.Equal(t, int64(5), srv.Version)
	assert.True(t, srv.Data.Equal(title("mine")))
	assert.Len(t, f.resolver.List(false), 1, "no duplicate conflict")
	assert.Equal(t, 1, f.rec.Count(events.ConflictDetected))
}

func TestSync_ConflictBlocksLaterWritesUntilResolved(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.Seed("rfis", "r1", 1, title("v1"))
	_, err := f.e.Fetch(ctx, "rfis", "r1")
	require.NoError(t, err)
	f.server.Seed("rfis", "r1", 2, title("theirs"))

	_, err = f.e.Update(ctx, "rfis", "r1", title("a"))
	require.NoError(t, err)
	_, err = f.e.Update(ctx, "rfis", "r1", title("b"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent, "the second edit waits behind the conflict")
	assert.Equal(t, 1, res.Conflicts)

	_, err = f.resolver.Resolve(ctx, res.ConflictIDs[0], record.ResolutionLocal, nil)
	require.NoError(t, err)

	res, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)

	srv, _ := f.server.Record("rfis", "r1")
	assert.Equal(t, int64(4), srv.Version)
	assert.True(t, srv.Data.Equal(title("b")))
}

// conflictedChain fetches rfis/r1 at v1, lets the server move to v2, and
// queues two offline edits that both collide with it.
func conflictedChain(t *testing.T, f fixture) (first, second record.QueuedMutation, conflictID string) {
	t.Helper()
	ctx := context.Background()
	f.server.Seed("rfis", "r1", 1, title("v1"))
	_, err := f.e.Fetch(ctx, "rfis", "r1")
	require.NoError(t, err)
	f.server.Seed("rfis", "r1", 2, title("theirs"))

	first, err = f.e.Update(ctx, "rfis", "r1", title("a"))
	require.NoError(t, err)
	second, err = f.e.Update(ctx, "rfis", "r1", title("b"))
	require.NoError(t, err)
	assert.Equal(t, first.BaseVersion, second.BaseVersion, "chained edits share the server base")

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.ConflictIDs, 1)
	return first, second, res.ConflictIDs[0]
}

func TestSync_KeepRemoteWithLaterEditConflictsAgain(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	_, second, id := conflictedChain(t, f)

	_, err := f.resolver.Resolve(ctx, id, record.ResolutionRemote, nil)
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Completed)
	assert.Equal(t, 1, res.Conflicts, "the later edit must not overwrite the accepted remote state")

	srv, _ := f.server.Record("rfis", "r1")
	assert.Equal(t, int64(2), srv.Version)
	assert.True(t, srv.Data.Equal(title("theirs")))

	c, ok := f.resolver.OpenFor("rfis", "r1")
	require.True(t, ok)
	assert.NotEqual(t, id, c.ID)
	assert.Equal(t, second.ID, c.MutationID)
	assert.True(t, c.LocalVersion.Data.Equal(title("b")))
	assert.Equal(t, int64(2), c.RemoteVersion.Version)

	// Accepting the server again settles the cache on its exact version.
	_, err = f.resolver.Resolve(ctx, c.ID, record.ResolutionRemote, nil)
	require.NoError(t, err)
	entry, ok := f.cache.Peek("rfis/r1")
	require.True(t, ok)
	assert.True(t, entry.Data.Equal(title("theirs")))
	assert.Equal(t, int64(2), entry.ServerVersion)
	assert.GreaterOrEqual(t, entry.Version, int64(3), "local version never decreases")

	m, err := f.e.Update(ctx, "rfis", "r1", title("c"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.BaseVersion)

	res, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	srv, _ = f.server.Record("rfis", "r1")
	assert.Equal(t, int64(3), srv.Version)
	assert.True(t, srv.Data.Equal(title("c")))
}

func TestSync_ManualResolutionWithLaterEditConflictsAgain(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	_, second, id := conflictedChain(t, f)

	_, err := f.resolver.Resolve(ctx, id, record.ResolutionManual, title("a + theirs"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Conflicts)

	srv, _ := f.server.Record("rfis", "r1")
	assert.Equal(t, int64(3), srv.Version)
	assert.True(t, srv.Data.Equal(title("a + theirs")))

	c, ok := f.resolver.OpenFor("rfis", "r1")
	require.True(t, ok)
	assert.Equal(t, second.ID, c.MutationID)
	assert.Equal(t, int64(3), c.RemoteVersion.Version)
	assert.True(t, c.RemoteVersion.Data.Equal(title("a + theirs")))

	entry, ok := f.cache.Peek("rfis/r1")
	require.True(t, ok)
	assert.True(t, entry.Data.Equal(title("b")))
	assert.Equal(t, int64(3), entry.ServerVersion)
}

func TestSync_KeepLocalAfterRefreshSendsLatestEdit(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.Seed("rfis", "r1", 1, title("v1"))
	_, err := f.e.Fetch(ctx, "rfis", "r1")
	require.NoError(t, err)
	f.server.Seed("rfis", "r1", 2, title("theirs"))

	first, err := f.e.Update(ctx, "rfis", "r1", title("a"))
	require.NoError(t, err)
	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, res.ConflictIDs, 1)
	id := res.ConflictIDs[0]

	// The first edit is dropped by hand and a newer one takes over the
	// still open conflict.
	require.NoError(t, f.queue.Discard(ctx, first.ID))
	newer, err := f.e.Update(ctx, "rfis", "r1", title("c"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), newer.BaseVersion)

	res, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.ConflictIDs, "the open conflict is refreshed")

	c, ok := f.resolver.Get(id)
	require.True(t, ok)
	assert.Equal(t, newer.ID, c.MutationID)
	assert.True(t, c.LocalVersion.Data.Equal(title("c")))

	_, err = f.resolver.Resolve(ctx, id, record.ResolutionLocal, nil)
	require.NoError(t, err)
	res, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	srv, _ := f.server.Record("rfis", "r1")
	assert.Equal(t, int64(3), srv.Version)
	assert.True(t, srv.Data.Equal(title("c")))
}

func TestSync_EchoedPayloadIsNotAConflict(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	_, err := f.cache.Put(ctx, "rfis/r1", "rfis", title("old"), 0, cache.FromServer(1))
	require.NoError(t, err)
	f.server.Seed("rfis", "r1", 2, title("mine"))

	_, err = f.e.Update(ctx, "rfis", "r1", title("mine"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, res.Conflicts)
	assert.Zero(t, f.resolver.OpenCount())

	entry, _ := f.cache.Get("rfis/r1")
	assert.Equal(t, int64(2), entry.Version)
	assert.NotNil(t, entry.SyncedAt)
}

func TestSync_ReconcileAppliesPolicy(t *testing.T) {
	f := newFixture(t, setup{resolver: []conflict.Option{conflict.WithPolicy(conflict.KeepRemote())}})
	ctx := context.Background()

	_, err := f.cache.Put(ctx, "rfis/r1", "rfis", title("base"), 0, cache.FromServer(1))
	require.NoError(t, err)
	f.server.Seed("rfis", "r1", 2, title("remote"))
	_, err = f.e.Update(ctx, "rfis", "r1", title("mine"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Resolved)
	assert.Zero(t, f.queue.Len())

	entry, _ := f.cache.Get("rfis/r1")
	assert.True(t, entry.Data.Equal(title("remote")))
}

// Transient failures through the engine stop at the retry ceiling.
func TestSync_TransientFailuresReachCeiling(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.FailNext(5, http.StatusServiceUnavailable, "unavailable")

	m, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	next, ok := f.queue.NextAttempt()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(time.Second), next)

	res, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent, "still backing off")

	for i := 2; i <= 5; i++ {
		f.clock.Advance(time.Minute)
		res, err = f.e.Sync(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Sent, "attempt %d", i)
	}
	assert.Equal(t, 1, res.Failed)

	failed := f.queue.ListFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, m.ID, failed[0].ID)
	assert.Equal(t, 5, failed[0].RetryCount)
	assert.Equal(t, 1, f.rec.Count(events.SyncFailed))
	assert.Equal(t, 4, f.rec.Count(events.MutationRetrying))
}

func TestSync_RejectedRequestFailsPermanently(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.FailNext(1, http.StatusBadRequest, "title too long")

	_, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	failed := f.queue.ListFailed()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].RetryCount)
	assert.Contains(t, failed[0].Error, "title too long")
}

func TestSync_NetworkUnreachableLeavesQueueUntouched(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.server.SetOffline(true)

	m, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)
	_, err = f.e.Create(ctx, "rfis", "r2", title("y"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrNetworkUnreachable))
	assert.True(t, IsPassError(err))
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Sent, "the pass stops at the first unreachable send")

	got, _ := f.queue.Get(m.ID)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.True(t, got.NextAttemptAt.IsZero())
	assert.Equal(t, 2, f.queue.Stats().Pending)

	assert.Equal(t, []events.Type{events.SyncStarted, events.SyncInterrupted}, syncTypes(f.rec))
	assert.Equal(t, StateIdle, f.e.State())

	f.server.SetOffline(false)
	res, err = f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
}

func TestSync_Offline(t *testing.T) {
	f := newFixture(t, setup{engine: []Option{WithOnline(false)}})
	ctx := context.Background()

	_, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)

	_, err = f.e.Sync(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, f.server.Received())
	assert.Empty(t, syncTypes(f.rec))

	f.e.SetOnline(true)
	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

// stallTransport blocks until the send context ends.
type stallTransport struct{}

func (stallTransport) Send(ctx context.Context, _ record.QueuedMutation) (transport.ServerRecord, error) {
	<-ctx.Done()
	return transport.ServerRecord{}, ctx.Err()
}

func TestSync_SendTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, setup{
		transport: func(*memserver.Server) transport.Transport { return stallTransport{} },
		engine:    []Option{WithSendTimeout(10 * time.Millisecond)},
	})
	ctx := context.Background()

	m, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	got, _ := f.queue.Get(m.ID)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

// hookTransport runs before on every send, then delegates.
type hookTransport struct {
	inner  transport.Transport
	before func(record.QueuedMutation)
}

func (h hookTransport) Send(ctx context.Context, m record.QueuedMutation) (transport.ServerRecord, error) {
	h.before(m)
	return h.inner.Send(ctx, m)
}

func TestSync_CancelledBetweenTransmissions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, setup{
		transport: func(s *memserver.Server) transport.Transport {
			return hookTransport{inner: s, before: func(record.QueuedMutation) { cancel() }}
		},
	})
	_, err := f.e.Create(context.Background(), "rfis", "r1", title("x"))
	require.NoError(t, err)
	_, err = f.e.Create(context.Background(), "rfis", "r2", title("y"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Completed, "the in-flight send finishes")

	st := f.queue.Stats()
	assert.Equal(t, 1, st.Pending)
	assert.Zero(t, st.Processing, "cancellation leaves nothing processing")
	assert.Len(t, f.server.Received(), 1)
}

// gateTransport holds every send until release is closed.
type gateTransport struct {
	inner   transport.Transport
	entered chan struct{}
	release chan struct{}
}

func (g *gateTransport) Send(ctx context.Context, m record.QueuedMutation) (transport.ServerRecord, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.inner.Send(ctx, m)
}

func TestSync_CoalescesConcurrentCallers(t *testing.T) {
	gate := &gateTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFixture(t, setup{
		transport: func(s *memserver.Server) transport.Transport {
			gate.inner = s
			return gate
		},
	})
	ctx := context.Background()
	_, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)

	results := make([]PassResult, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.e.Sync(ctx)
	}()
	<-gate.entered
	assert.Equal(t, StateDraining, f.e.State())

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = f.e.Sync(ctx)
	}()
	// Give the second caller time to join the in-flight pass.
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	assert.Equal(t, 1, f.rec.Count(events.SyncStarted), "one pass for both callers")
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 1, results[1].Completed)
}

// trackingTransport records how many sends overlap, overall and per record.
type trackingTransport struct {
	inner transport.Transport
	want  int

	mu        sync.Mutex
	inflight  int
	maxSeen   int
	perRecord map[string]int
	overlap   bool
	arrived   chan struct{}
}

func (tt *trackingTransport) Send(ctx context.Context, m record.QueuedMutation) (transport.ServerRecord, error) {
	tt.mu.Lock()
	tt.inflight++
	tt.maxSeen = max(tt.maxSeen, tt.inflight)
	tt.perRecord[m.RecordKey()]++
	if tt.perRecord[m.RecordKey()] > 1 {
		tt.overlap = true
	}
	if tt.inflight == tt.want {
		close(tt.arrived)
	}
	tt.mu.Unlock()

	select {
	case <-tt.arrived:
	case <-time.After(time.Second):
	}

	rec, err := tt.inner.Send(ctx, m)

	tt.mu.Lock()
	tt.inflight--
	tt.perRecord[m.RecordKey()]--
	tt.mu.Unlock()
	return rec, err
}

func TestSync_ConcurrentAcrossRecordsSerialWithin(t *testing.T) {
	tracker := &trackingTransport{want: 3, perRecord: make(map[string]int), arrived: make(chan struct{})}
	f := newFixture(t, setup{
		transport: func(s *memserver.Server) transport.Transport {
			tracker.inner = s
			return tracker
		},
		engine: []Option{WithConcurrency(3)},
	})
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := f.e.Create(ctx, "rfis", id, title(id))
		require.NoError(t, err)
	}
	_, err := f.e.Update(ctx, "rfis", "r1", title("r1 again"))
	require.NoError(t, err)

	res, err := f.e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 3, tracker.maxSeen)
	assert.False(t, tracker.overlap, "same-record sends never overlap")

	srv, _ := f.server.Record("rfis", "r1")
	assert.Equal(t, int64(2), srv.Version)
	assert.True(t, srv.Data.Equal(title("r1 again")))
}

// sendOnly hides the memserver's Fetch method.
type sendOnly struct {
	transport.Transport
}

func TestFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh hit skips the server", func(t *testing.T) {
		f := newFixture(t, setup{})
		_, err := f.cache.Put(ctx, "rfis/r1", "rfis", title("cached"), time.Minute, cache.FromServer(1))
		require.NoError(t, err)

		got, err := f.e.Fetch(ctx, "rfis", "r1")
		require.NoError(t, err)
		assert.True(t, got.Data.Equal(title("cached")))
	})

	t.Run("miss fetches and caches", func(t *testing.T) {
		f := newFixture(t, setup{})
		f.server.Seed("rfis", "r1", 7, title("server"))

		got, err := f.e.Fetch(ctx, "rfis", "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.Version)
		assert.NotNil(t, got.SyncedAt)
		assert.Equal(t, 1, f.cache.Len())
	})

	t.Run("stale entry refreshed", func(t *testing.T) {
		f := newFixture(t, setup{})
		_, err := f.cache.Put(ctx, "rfis/r1", "rfis", title("old"), time.Minute, cache.FromServer(1))
		require.NoError(t, err)
		f.server.Seed("rfis", "r1", 2, title("new"))
		f.clock.Advance(2 * time.Minute)

		got, err := f.e.Fetch(ctx, "rfis", "r1")
		require.NoError(t, err)
		assert.True(t, got.Data.Equal(title("new")))
	})

	t.Run("stale served when unreachable", func(t *testing.T) {
		f := newFixture(t, setup{})
		_, err := f.cache.Put(ctx, "rfis/r1", "rfis", title("old"), time.Minute, cache.FromServer(1))
		require.NoError(t, err)
		f.clock.Advance(2 * time.Minute)
		f.server.SetOffline(true)

		got, err := f.e.Fetch(ctx, "rfis", "r1")
		require.NoError(t, err)
		assert.True(t, got.Data.Equal(title("old")))
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t, setup{})
		_, err := f.e.Fetch(ctx, "rfis", "missing")
		assert.ErrorIs(t, err, transport.ErrNotFound)
	})

	t.Run("queued local write wins", func(t *testing.T) {
		f := newFixture(t, setup{})
		f.server.Seed("rfis", "r1", 1, title("server"))
		_, err := f.e.Create(ctx, "rfis", "r1", title("local"), WithTTL(time.Second))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)

		got, err := f.e.Fetch(ctx, "rfis", "r1")
		require.NoError(t, err)
		assert.True(t, got.Data.Equal(title("local")))
		assert.Empty(t, f.server.Received())
	})

	t.Run("no fetcher", func(t *testing.T) {
		f := newFixture(t, setup{
			transport: func(s *memserver.Server) transport.Transport { return sendOnly{s} },
		})
		_, err := f.e.Fetch(ctx, "rfis", "r1")
		assert.ErrorIs(t, err, ErrNotCached)
	})

	t.Run("offline without cache", func(t *testing.T) {
		f := newFixture(t, setup{engine: []Option{WithOnline(false)}})
		_, err := f.e.Fetch(ctx, "rfis", "r1")
		assert.ErrorIs(t, err, ErrOffline)
	})
}

func TestWrites_Validation(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	_, err := f.e.Update(ctx, "rfis", "", title("x"))
	assert.True(t, record.IsValidationError(err))

	_, err = f.e.Create(ctx, "rfis", "r1", nil)
	assert.True(t, record.IsValidationError(err))

	_, err = f.e.Create(ctx, "rfis", "r1", title("x"), WithPriority("urgent"))
	assert.True(t, record.IsValidationError(err))

	assert.Zero(t, f.cache.Len(), "rejected writes never reach the cache")
	assert.Zero(t, f.queue.Len())
}

func TestReclaim(t *testing.T) {
	f := newFixture(t, setup{engine: []Option{WithStuckAfter(time.Minute)}})
	ctx := context.Background()

	m, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)
	_, _, err = f.queue.DequeueNext(ctx)
	require.NoError(t, err)

	ids, err := f.e.Reclaim(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	f.clock.Advance(2 * time.Minute)
	ids, err = f.e.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, ids)

	got, _ := f.queue.Get(m.ID)
	assert.Equal(t, record.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestRun_DrainsOnTriggers(t *testing.T) {
	f := newFixture(t, setup{engine: []Option{WithSyncInterval(time.Hour)}})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.e.Run(ctx) }()

	_, err := f.e.Create(context.Background(), "rfis", "r1", title("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.server.Received()) == 1 }, time.Second, 5*time.Millisecond)

	f.e.SetOnline(false)
	_, err = f.e.Create(context.Background(), "rfis", "r2", title("y"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.server.Received(), 1, "offline writes wait")

	f.e.SetOnline(true)
	require.Eventually(t, func() bool { return len(f.server.Received()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, setup{engine: []Option{WithOnline(false)}})
	ctx := context.Background()
	_, err := f.e.Create(ctx, "rfis", "r1", title("x"))
	require.NoError(t, err)

	st := f.e.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Queue.Pending)
	assert.Equal(t, 1, st.CacheEntries)
	assert.Nil(t, st.LastPass)
}
