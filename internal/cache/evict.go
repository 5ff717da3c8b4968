package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/tether/internal/events"
	"github.com/roach88/tether/internal/record"
)

// Criteria describes an eviction request.
type Criteria struct {
	// Quota is the pressure snapshot driving the eviction.
	Quota record.StorageQuota

	// NeedBytes is how much space to free. Under warning, eviction stops
	// once this much is freed. Under critical, every expired entry goes
	// first regardless, then live entries until this much is freed.
	NeedBytes int64

	// PurgeExpired removes every expired entry even without quota
	// pressure.
	PurgeExpired bool
}

// Evict removes entries according to c and returns the evicted keys.
//
// Expired entries are always the first candidates. Among live entries the
// oldest SyncedAt goes first: their content is presumed current on the
// server and cheap to re-fetch. A live entry that was never synced and is
// not pinned belongs to a write the queue gave up on, so it goes before any
// synced one. Pinned entries are never evicted, expired or not.
func (s *Store) Evict(ctx context.Context, c Criteria) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired, live []record.CachedEntry
	for _, e := range s.entries {
		switch {
		case s.pinned != nil && s.pinned(e.Key):
			continue
		case e.Expired(now):
			expired = append(expired, e)
		default:
			live = append(live, e)
		}
	}
	slices.SortFunc(expired, func(a, b record.CachedEntry) int {
		if cmp := a.ExpiresAt.Compare(b.ExpiresAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.Key, b.Key)
	})
	slices.SortFunc(live, func(a, b record.CachedEntry) int {
		if cmp := compareSynced(a.SyncedAt, b.SyncedAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.Key, b.Key)
	})

	var victims []string
	var freed int64
	take := func(e record.CachedEntry) {
		victims = append(victims, e.Key)
		freed += e.Size()
	}

	switch {
	case c.Quota.Critical:
		for _, e := range expired {
			take(e)
		}
		for _, e := range live {
			if freed >= c.NeedBytes {
				break
			}
			take(e)
		}
	case c.Quota.Warning:
		if c.NeedBytes <= 0 {
			for _, e := range expired {
				take(e)
			}
			break
		}
		for _, e := range append(expired, live...) {
			if freed >= c.NeedBytes {
				break
			}
			take(e)
		}
	case c.PurgeExpired:
		for _, e := range expired {
			take(e)
		}
	}

	if len(victims) == 0 {
		return nil, nil
	}

	if s.backend != nil {
		if err := s.backend.DeleteEntries(ctx, victims...); err != nil {
			return nil, fmt.Errorf("evict: %w", err)
		}
	}
	for _, key := range victims {
		delete(s.entries, key)
	}

	slog.Info("cache evicted",
		"entries", len(victims),
		"bytes", freed,
		"critical", c.Quota.Critical,
	)
	s.bus.Publish(events.Event{Type: events.CacheEvicted, Keys: slices.Clone(victims)})

	return victims, nil
}

// compareSynced orders never-synced before synced, then oldest first.
func compareSynced(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}
