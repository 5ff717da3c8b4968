package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/engine"
	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/store"
	"github.com/roach88/tether/internal/testutil"
	"github.com/roach88/tether/internal/transport/memserver"
)

// Harness is one scenario execution environment.
type Harness struct {
	store    *store.Store
	server   *memserver.Server
	cache    *cache.Store
	queue    *queue.Queue
	resolver *conflict.Resolver
	engine   *engine.Engine
	clock    *testutil.ManualClock
	rec      *events.Recorder
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Create the store, server and engine with deterministic clock and ids
//  2. Seed server records and synced cache entries
//  3. Execute steps in order
//  4. Evaluate assertions against the trace and final state
//
// A step that fails returns an error. An interrupted sync pass is not a
// step failure; it shows up in the trace as sync:interrupted.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, st, scenario.Settings)
	if err != nil {
		return nil, err
	}
	defer h.rec.Close()

	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.kind(), err)
		}
		h.logger.Info("step completed", "step", i, "action", step.kind())
	}

	result := NewResult()
	result.Trace = traceOf(h.rec.Events())

	actx := &AssertionContext{
		Ctx:      ctx,
		Server:   h.server,
		Cache:    h.cache,
		Queue:    h.queue,
		Resolver: h.resolver,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, st *store.Store, s Settings) (*Harness, error) {
	clock := testutil.NewManualClock(time.Time{})
	bus := events.NewBus(events.WithClock(clock.Now))

	policy := queue.DefaultRetryPolicy()
	if s.MaxRetries > 0 {
		policy.MaxRetries = s.MaxRetries
	}
	q, err := queue.Open(ctx,
		queue.WithBackend(st),
		queue.WithClock(clock.Now),
		queue.WithBus(bus),
		queue.WithIDGenerator(record.NewFixedGenerator("m")),
		queue.WithRetryPolicy(policy),
	)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	c, err := cache.Open(ctx,
		cache.WithBackend(st),
		cache.WithClock(clock.Now),
		cache.WithBus(bus),
		cache.WithPinned(q.HasLiveKey),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	conflictPolicy, err := conflict.ByName(s.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	r, err := conflict.Open(ctx, c, q,
		conflict.WithBackend(st),
		conflict.WithClock(clock.Now),
		conflict.WithBus(bus),
		conflict.WithIDGenerator(record.NewFixedGenerator("c")),
		conflict.WithPolicy(conflictPolicy),
	)
	if err != nil {
		return nil, fmt.Errorf("open resolver: %w", err)
	}

	server := memserver.New()
	opts := []engine.Option{engine.WithClock(clock.Now), engine.WithBus(bus)}
	if s.Concurrency > 0 {
		opts = append(opts, engine.WithConcurrency(s.Concurrency))
	}

	return &Harness{
		store:    st,
		server:   server,
		cache:    c,
		queue:    q,
		resolver: r,
		engine:   engine.New(c, q, r, server, opts...),
		clock:    clock,
		rec:      events.NewRecorder(bus),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// seed installs server records and synced cache entries. Neither
// publishes events.
func (h *Harness) seed(ctx context.Context, s *Scenario) error {
	for _, r := range s.Server {
		data, err := payloadOf(r.Data)
		if err != nil {
			return err
		}
		h.server.Seed(r.Table, r.ID, r.Version, data)
	}
	for _, r := range s.Cache {
		data, err := payloadOf(r.Data)
		if err != nil {
			return err
		}
		var ttl time.Duration
		if r.TTL != "" {
			ttl, _ = time.ParseDuration(r.TTL)
		}
		key := record.RecordKey(r.Table, r.ID)
		if _, err := h.cache.Put(ctx, key, r.Table, data, ttl, cache.FromServer(r.Version)); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one step.
func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.kind() {
	case "create":
		w := step.Create
		data, err := payloadOf(w.Data)
		if err != nil {
			return err
		}
		_, err = h.engine.Create(ctx, w.Table, w.ID, data, writeOpts(w)...)
		return err

	case "update":
		w := step.Update
		data, err := payloadOf(w.Data)
		if err != nil {
			return err
		}
		_, err = h.engine.Update(ctx, w.Table, w.ID, data, writeOpts(w)...)
		return err

	case "delete":
		w := step.Delete
		_, err := h.engine.Delete(ctx, w.Table, w.ID, writeOpts(w)...)
		return err

	case "remote":
		r := step.Remote
		data, err := payloadOf(r.Data)
		if err != nil {
			return err
		}
		h.server.Seed(r.Table, r.ID, r.Version, data)

	case "fail":
		h.server.FailNext(step.Fail.Count, step.Fail.Status, step.Fail.Message)

	case "network":
		h.server.SetOffline(step.Network == "down")

	case "sync":
		_, err := h.engine.Sync(ctx)
		if err != nil && !engine.IsPassError(err) {
			return err
		}

	case "advance":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)

	case "resolve":
		r := step.Resolve
		var merged record.Payload
		if r.Data != nil {
			p, err := payloadOf(r.Data)
			if err != nil {
				return err
			}
			merged = p
		}
		_, err := h.resolver.Resolve(ctx, r.Conflict, record.Resolution(r.Strategy), merged)
		return err

	case "resubmit":
		_, err := h.queue.Resubmit(ctx, step.Resubmit)
		return err

	default:
		return fmt.Errorf("step sets no single action: %v", step.kinds())
	}
	return nil
}

func writeOpts(w *Write) []engine.WriteOption {
	if w.Priority == "" {
		return nil
	}
	return []engine.WriteOption{engine.WithPriority(record.Priority(w.Priority))}
}

// payloadOf converts YAML-decoded data to a payload. nil stays absent.
func payloadOf(data map[string]any) (record.Payload, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return record.Payload(raw), nil
}
