package engine

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/transport"
)

// State is the sync pass state.
type State string

const (
	StateIdle        State = "idle"
	StateDraining    State = "draining"
	StateReconciling State = "reconciling"
	StateFailed      State = "failed"
)

// Defaults for engine options.
const (
	DefaultConcurrency  = 1
	DefaultSendTimeout  = 30 * time.Second
	DefaultSyncInterval = 30 * time.Second
	DefaultStuckAfter   = 2 * time.Minute
)

// PassResult summarizes one sync pass.
type PassResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Sent      int `json:"sent"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Conflicts int `json:"conflicts"`
	Resolved  int `json:"resolved"`

	// ConflictIDs lists conflicts detected during the pass.
	ConflictIDs []string `json:"conflict_ids,omitempty"`

	// Interrupted is set when the pass ended in Failed.
	Interrupted bool   `json:"interrupted,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	State         State       `json:"state"`
	Online        bool        `json:"online"`
	Queue         queue.Stats `json:"queue"`
	OpenConflicts int         `json:"open_conflicts"`
	CacheEntries  int         `json:"cache_entries"`
	LastPass      *PassResult `json:"last_pass,omitempty"`
}

// Engine drains the mutation queue against a transport.
//
// Thread-safety model:
//   - Sync(): safe from any goroutine; concurrent calls are coalesced
//   - Create/Update/Delete/Fetch(): safe from any goroutine, never wait on
//     a pass
//   - Run(): call from one goroutine
type Engine struct {
	cache     *cache.Store
	queue     *queue.Queue
	resolver  *conflict.Resolver
	transport transport.Transport
	bus       *events.Bus
	now       func() time.Time

	concurrency int
	sendTimeout time.Duration
	interval    time.Duration
	stuckAfter  time.Duration

	passes singleflight.Group

	mu       sync.Mutex
	state    State
	online   bool
	lastPass *PassResult

	onlineSignal chan struct{} // Signals an offline → online transition (buffered, size 1)
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus publishes sync:started, sync:completed and sync:interrupted.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithConcurrency transmits up to n mutations on distinct records at once.
//
// Default: 1 (sequential), which keeps server-side version checks simple.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithSendTimeout bounds each transmission. A timed-out send is a
// transient failure.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

// WithSyncInterval sets how often Run starts a pass without a trigger.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithStuckAfter sets how long a mutation may stay processing before the
// watchdog reclaims it.
func WithStuckAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stuckAfter = d
		}
	}
}

// WithOnline sets the initial connectivity. Default: online.
func WithOnline(online bool) Option {
	return func(e *Engine) {
		e.online = online
	}
}

// New creates an engine over its collaborators.
func New(c *cache.Store, q *queue.Queue, r *conflict.Resolver, t transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		cache:        c,
		queue:        q,
		resolver:     r,
		transport:    t,
		now:          time.Now,
		concurrency:  DefaultConcurrency,
		sendTimeout:  DefaultSendTimeout,
		interval:     DefaultSyncInterval,
		stuckAfter:   DefaultStuckAfter,
		state:        StateIdle,
		online:       true,
		onlineSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current pass state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		slog.Debug("sync state", "from", prev, "to", s)
	}
}

// Online reports the engine's view of connectivity.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records a connectivity change. Going online wakes Run so the
// queue drains promptly.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("connectivity changed", "online", online)
	if online {
		select {
		case e.onlineSignal <- struct{}{}:
		default:
		}
	}
}

// Status reports the engine state together with queue and conflict counts.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{State: e.state, Online: e.online}
	if e.lastPass != nil {
		last := *e.lastPass
		st.LastPass = &last
	}
	e.mu.Unlock()

	st.Queue = e.queue.Stats()
	st.OpenConflicts = e.resolver.OpenCount()
	st.CacheEntries = e.cache.Len()
	return st
}
