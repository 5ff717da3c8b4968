// Package quota implements the storage quota monitor.
//
// The monitor is a stateless computation over host-reported storage usage.
// It never blocks writes: when usage cannot be determined it reports no
// pressure (fail-open), and the cache store only uses its signals to
// prioritize eviction.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/record"
)

// ErrUnavailable is returned by sources that cannot report usage on the
// current host.
var ErrUnavailable = errors.New("storage usage unavailable")

// Source reports total and used persistent storage in bytes.
type Source interface {
	Usage(ctx context.Context) (total, used int64, err error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (total, used int64, err error)

// Usage implements Source.
func (f SourceFunc) Usage(ctx context.Context) (int64, int64, error) {
	return f(ctx)
}

// Static reports fixed figures. Used in tests and for hosts that pass
// usage in from outside.
type Static struct {
	Total int64
	Used  int64
}

// Usage implements Source.
func (s Static) Usage(context.Context) (int64, int64, error) {
	return s.Total, s.Used, nil
}

// Budget measures usage against a configured byte budget, e.g. the size of
// the local database versus the space the host allows it.
type Budget struct {
	Limit int64
	Used  func(ctx context.Context) (int64, error)
}

// Usage implements Source.
func (b Budget) Usage(ctx context.Context) (int64, int64, error) {
	if b.Limit <= 0 || b.Used == nil {
		return 0, 0, ErrUnavailable
	}
	used, err := b.Used(ctx)
	if err != nil {
		return 0, 0, err
	}
	return b.Limit, used, nil
}

type level int

const (
	levelOK level = iota
	levelWarning
	levelCritical
)

func levelOf(q record.StorageQuota) level {
	switch {
	case q.Critical:
		return levelCritical
	case q.Warning:
		return levelWarning
	default:
		return levelOK
	}
}

// Monitor computes StorageQuota snapshots from a Source.
//
// Thread-safety: safe for concurrent use.
type Monitor struct {
	source Source
	bus    *events.Bus

	mu    sync.Mutex
	last  record.StorageQuota
	level level
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBus publishes quota:warning / quota:critical on level transitions.
func WithBus(b *events.Bus) Option {
	return func(m *Monitor) {
		m.bus = b
	}
}

// NewMonitor creates a monitor over src. A nil src always reports no
// pressure.
func NewMonitor(src Source, opts ...Option) *Monitor {
	m := &Monitor{source: src}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check queries the source and returns a fresh snapshot.
// If the source fails, the snapshot reports warning=false, critical=false.
func (m *Monitor) Check(ctx context.Context) record.StorageQuota {
	if m == nil || m.source == nil {
		return record.StorageQuota{}
	}

	q := record.StorageQuota{}
	total, used, err := m.source.Usage(ctx)
	if err != nil {
		slog.Debug("storage usage unavailable, failing open", "error", err)
	} else {
		q = record.NewStorageQuota(total, used)
	}

	m.mu.Lock()
	prev := m.level
	m.last = q
	m.level = levelOf(q)
	cur := m.level
	m.mu.Unlock()

	if cur > prev {
		m.announce(cur, q)
	}
	return q
}

// Last returns the most recent snapshot without querying the source.
func (m *Monitor) Last() record.StorageQuota {
	if m == nil {
		return record.StorageQuota{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run polls the source every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) announce(l level, q record.StorageQuota) {
	snapshot := q
	switch l {
	case levelCritical:
		slog.Warn("storage quota critical",
			"total", q.Total,
			"used", q.Used,
			"available", q.Available,
		)
		m.bus.Publish(events.Event{Type: events.QuotaCritical, Quota: &snapshot})
	case levelWarning:
		slog.Warn("storage quota warning",
			"total", q.Total,
			"used", q.Used,
			"available", q.Available,
		)
		m.bus.Publish(events.Event{Type: events.QuotaWarning, Quota: &snapshot})
	}
}
