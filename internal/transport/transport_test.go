package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/transport"
	"github.com/roach88/tether/internal/transport/memserver"
)

// clients returns an HTTP and a WebSocket client against the same server.
func clients(t *testing.T) (*memserver.Server, map[string]interface {
	transport.Transport
	transport.Fetcher
}) {
	t.Helper()
	srv := memserver.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	httpClient, err := transport.NewHTTPClient(ts.URL)
	require.NoError(t, err)

	wsClient := transport.NewWSClient("ws"+strings.TrimPrefix(ts.URL, "http")+transport.WSPath, nil)
	t.Cleanup(func() { wsClient.Close() })

	return srv, map[string]interface {
		transport.Transport
		transport.Fetcher
	}{
		"http": httpClient,
		"ws":   wsClient,
	}
}

func mutation(id string, typ record.MutationType, recordID string, base int64, data any) record.QueuedMutation {
	m := record.QueuedMutation{
		ID:          id,
		Type:        typ,
		Table:       "rfis",
		RecordID:    recordID,
		BaseVersion: base,
	}
	if data != nil {
		m.Data = record.MustPayload(data)
	}
	return m
}

func TestClients_CreateUpdateDelete(t *testing.T) {
	for _, name := range []string{"http", "ws"} {
		t.Run(name, func(t *testing.T) {
			srv, cs := clients(t)
			c := cs[name]
			ctx := context.Background()

			rec, err := c.Send(ctx, mutation("m1", record.MutationCreate, "", 0, map[string]any{"title": "a"}))
			require.NoError(t, err)
			assert.Equal(t, "srv-1", rec.RecordID)
			assert.Equal(t, int64(1), rec.Version)
			assert.True(t, rec.Data.Equal(record.MustPayload(map[string]any{"title": "a"})))

			rec, err = c.Send(ctx, mutation("m2", record.MutationUpdate, "srv-1", 1, map[string]any{"title": "b"}))
			require.NoError(t, err)
			assert.Equal(t, int64(2), rec.Version)

			got, err := c.Fetch(ctx, "rfis", "srv-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Version)

			rec, err = c.Send(ctx, mutation("m3", record.MutationDelete, "srv-1", 2, nil))
			require.NoError(t, err)
			assert.True(t, rec.Deleted)

			_, err = c.Fetch(ctx, "rfis", "srv-1")
			assert.ErrorIs(t, err, transport.ErrNotFound)

			assert.Len(t, srv.Received(), 3)
		})
	}
}

func TestClients_VersionConflict(t *testing.T) {
	for _, name := range []string{"http", "ws"} {
		t.Run(name, func(t *testing.T) {
			srv, cs := clients(t)
			srv.Seed("rfis", "r1", 4, record.MustPayload(map[string]any{"title": "remote"}))

			_, err := cs[name].Send(context.Background(), mutation("m1", record.MutationUpdate, "r1", 3, map[string]any{"title": "local"}))
			require.Error(t, err)

			vc, ok := transport.AsVersionConflict(err)
			require.True(t, ok, "want VersionConflictError, got %v", err)
			assert.Equal(t, int64(4), vc.Current.Version)
			assert.Equal(t, "r1", vc.Current.RecordID)
			assert.True(t, vc.Current.Data.Equal(record.MustPayload(map[string]any{"title": "remote"})))
			assert.False(t, transport.IsRetryable(err))
		})
	}
}

func TestClients_StatusClassification(t *testing.T) {
	for _, name := range []string{"http", "ws"} {
		t.Run(name, func(t *testing.T) {
			srv, cs := clients(t)
			c := cs[name]
			ctx := context.Background()

			srv.FailNext(1, http.StatusServiceUnavailable, "overloaded")
			_, err := c.Send(ctx, mutation("m1", record.MutationCreate, "", 0, map[string]any{"a": 1}))
			require.Error(t, err)
			assert.True(t, transport.IsRetryable(err))

			var te *transport.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)

			srv.FailNext(1, http.StatusBadRequest, "malformed")
			_, err = c.Send(ctx, mutation("m2", record.MutationCreate, "", 0, map[string]any{"a": 1}))
			require.Error(t, err)
			assert.False(t, transport.IsRetryable(err))
			assert.Contains(t, err.Error(), "malformed")
		})
	}
}

func TestClients_ReplayIsIdempotent(t *testing.T) {
	srv, cs := clients(t)
	ctx := context.Background()

	m := mutation("m1", record.MutationCreate, "r1", 0, map[string]any{"a": 1})
	first, err := cs["http"].Send(ctx, m)
	require.NoError(t, err)

	second, err := cs["ws"].Send(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	rec, ok := srv.Record("rfis", "r1")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Version)
}

func TestHTTPClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, err := transport.NewHTTPClient(url)
	require.NoError(t, err)

	_, err = c.Send(context.Background(), mutation("m1", record.MutationCreate, "", 0, map[string]any{"a": 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNetworkUnreachable)
}

func TestWSClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + transport.WSPath
	ts.Close()

	c := transport.NewWSClient(url, nil)
	_, err := c.Send(context.Background(), mutation("m1", record.MutationCreate, "", 0, map[string]any{"a": 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNetworkUnreachable)
}

func TestWSClient_EndedContextWritesNothing(t *testing.T) {
	srv, cs := clients(t)
	ws := cs["ws"]

	_, err := ws.Send(context.Background(), mutation("m1", record.MutationCreate, "r1", 0, map[string]any{"a": 1}))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ws.Send(cancelled, mutation("m2", record.MutationUpdate, "r1", 1, map[string]any{"a": 2}))
	require.ErrorIs(t, err, context.Canceled)

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = ws.Send(expired, mutation("m3", record.MutationUpdate, "r1", 1, map[string]any{"a": 3}))
	require.Error(t, err)
	assert.True(t, transport.IsRetryable(err))

	assert.Len(t, srv.Received(), 1, "no frame written for an ended context")

	// The connection stays usable.
	rec, err := ws.Send(context.Background(), mutation("m4", record.MutationUpdate, "r1", 1, map[string]any{"a": 4}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
}

func TestHTTPClient_TimeoutIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)

	c, err := transport.NewHTTPClient(ts.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Send(ctx, mutation("m1", record.MutationCreate, "", 0, map[string]any{"a": 1}))
	require.Error(t, err)
	assert.True(t, transport.IsRetryable(err))
	assert.False(t, errors.Is(err, transport.ErrNetworkUnreachable))
}

func TestNewHTTPClient_RejectsBadScheme(t *testing.T) {
	_, err := transport.NewHTTPClient("ftp://example.com")
	assert.Error(t, err)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := transport.StatusError("send", tt.status, "")
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.retryable, transport.IsRetryable(err))
		})
	}
}
