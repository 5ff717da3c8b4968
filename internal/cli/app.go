package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/roach88/tether/internal/cache"
	"github.com/roach88/tether/internal/config"
	"github.com/roach88/tether/internal/conflict"
	"github.com/roach88/tether/internal/engine"
	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/queue"
	"github.com/roach88/tether/internal/quota"
	"github.com/roach88/tether/internal/store"
	"github.com/roach88/tether/internal/transport"
)

// app is the wired engine behind every command that touches local state.
type app struct {
	cfg       config.Config
	store     *store.Store
	bus       *events.Bus
	monitor   *quota.Monitor
	cache     *cache.Store
	queue     *queue.Queue
	resolver  *conflict.Resolver
	transport transport.Transport
	engine    *engine.Engine
}

// loadConfig reads the --config file, or the defaults when none is given.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openApp opens the database and builds cache, queue, resolver, transport
// and engine from cfg. The caller must Close it.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	slog.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path, store.WithMaxBytes(cfg.Database.MaxBytes))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{cfg: cfg, store: st, bus: events.NewBus()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	src, err := quotaSource(a.cfg, a.store)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid quota source", err)
	}
	a.monitor = quota.NewMonitor(src, quota.WithBus(a.bus))

	a.queue, err = queue.Open(ctx,
		queue.WithBackend(a.store),
		queue.WithBus(a.bus),
		queue.WithRetryPolicy(a.cfg.RetryPolicy()),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load queue", err)
	}

	a.cache, err = cache.Open(ctx,
		cache.WithBackend(a.store),
		cache.WithBus(a.bus),
		cache.WithMonitor(a.monitor),
		cache.WithDefaultTTL(a.cfg.Cache.DefaultTTL),
		cache.WithPinned(a.queue.HasLiveKey),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load cache", err)
	}

	policy, err := conflict.ByName(a.cfg.Engine.ConflictPolicy)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid conflict policy", err)
	}
	a.resolver, err = conflict.Open(ctx, a.cache, a.queue,
		conflict.WithBackend(a.store),
		conflict.WithBus(a.bus),
		conflict.WithPolicy(policy),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load conflicts", err)
	}

	a.transport, err = newTransport(a.cfg.Server)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server config", err)
	}

	a.engine = engine.New(a.cache, a.queue, a.resolver, a.transport,
		engine.WithBus(a.bus),
		engine.WithConcurrency(a.cfg.Engine.Concurrency),
		engine.WithSendTimeout(a.cfg.Engine.SendTimeout),
		engine.WithSyncInterval(a.cfg.Engine.SyncInterval),
		engine.WithStuckAfter(a.cfg.Engine.StuckAfter),
	)
	return nil
}

// Close releases the transport connection and the database.
func (a *app) Close() {
	if c, ok := a.transport.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			slog.Warn("error closing transport", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func quotaSource(cfg config.Config, st *store.Store) (quota.Source, error) {
	switch cfg.Quota.Source {
	case "", "none":
		return nil, nil
	case "budget":
		return quota.Budget{Limit: cfg.Quota.BudgetBytes, Used: st.Usage}, nil
	case "disk":
		return quota.Disk{Path: filepath.Dir(cfg.Database.Path)}, nil
	default:
		return nil, fmt.Errorf("unknown quota source %q", cfg.Quota.Source)
	}
}

// newTransport builds the client named by srv.Transport. A ws transport
// accepts an http(s) URL and dials the matching ws(s) endpoint.
func newTransport(srv config.ServerConfig) (transport.Transport, error) {
	switch srv.Transport {
	case "", "http":
		return transport.NewHTTPClient(srv.URL)
	case "ws":
		url := strings.TrimSuffix(srv.URL, "/")
		switch {
		case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
			url = "ws" + strings.TrimPrefix(url, "http")
		case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		default:
			return nil, errors.New("ws transport needs a ws://, wss://, http:// or https:// url")
		}
		if !strings.HasSuffix(url, transport.WSPath) {
			url += transport.WSPath
		}
		return transport.NewWSClient(url, nil), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", srv.Transport)
	}
}
