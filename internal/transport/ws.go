package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tether/internal/record"
)

// WSPath is the WebSocket endpoint served by a sync server.
const WSPath = "/v1/ws"

// Frame types exchanged over the WebSocket.
const (
	FrameMutation = "mutation"
	FrameFetch    = "fetch"
	FrameResult   = "result"
)

// Frame is one JSON message on the WebSocket. Requests carry a correlation
// ID that the server echoes on its result frame.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// Requests.
	Mutation *MutationRequest `json:"mutation,omitempty"`
	Table    string           `json:"table,omitempty"`
	RecordID string           `json:"record_id,omitempty"`

	// Results. Status uses HTTP status codes.
	Status  int           `json:"status,omitempty"`
	Record  *ServerRecord `json:"record,omitempty"`
	Error   string        `json:"error,omitempty"`
	Current *ServerRecord `json:"current,omitempty"`
}

// defaultWSTimeout bounds a round trip when ctx has no deadline.
const defaultWSTimeout = 30 * time.Second

// WSClient sends mutations over a single persistent WebSocket connection.
// The connection is dialed lazily and redialed after any failure.
//
// Thread-safety: safe for concurrent use; round trips are serialized.
type WSClient struct {
	url    string
	dialer *websocket.Dialer
	header http.Header

	mu   sync.Mutex
	conn *websocket.Conn
	next int64
}

// NewWSClient creates a client for the WebSocket endpoint at url
// (ws:// or wss://).
func NewWSClient(url string, header http.Header) *WSClient {
	return &WSClient{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		header: header,
	}
}

// Send implements Transport.
func (c *WSClient) Send(ctx context.Context, m record.QueuedMutation) (ServerRecord, error) {
	req := NewMutationRequest(m)
	resp, err := c.roundTrip(ctx, "send", Frame{Type: FrameMutation, Mutation: &req})
	if err != nil {
		return ServerRecord{}, err
	}
	return resultOf("send", resp)
}

// Fetch implements Fetcher.
func (c *WSClient) Fetch(ctx context.Context, table, recordID string) (ServerRecord, error) {
	resp, err := c.roundTrip(ctx, "fetch", Frame{Type: FrameFetch, Table: table, RecordID: recordID})
	if err != nil {
		return ServerRecord{}, err
	}
	if resp.Status == http.StatusNotFound {
		return ServerRecord{}, ErrNotFound
	}
	return resultOf("fetch", resp)
}

// Close closes the connection if one is open.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *WSClient) roundTrip(ctx context.Context, op string, req Frame) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// ctx may have ended while waiting for the lock; nothing must be written then.
	if err := ctx.Err(); err != nil {
		return Frame{}, c.ioError(ctx, op, err)
	}

	if c.conn == nil {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
				return Frame{}, StatusError(op, resp.StatusCode, "websocket handshake failed")
			}
			return Frame{}, classifyNetError(op, err)
		}
		c.conn = conn
		slog.Debug("websocket connected", "url", c.url)
	}
	conn := c.conn

	c.next++
	req.ID = strconv.FormatInt(c.next, 10)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWSTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	// Unblock a pending read if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		c.drop()
		return Frame{}, c.ioError(ctx, op, err)
	}
	for {
		var resp Frame
		if err := conn.ReadJSON(&resp); err != nil {
			c.drop()
			return Frame{}, c.ioError(ctx, op, err)
		}
		if resp.Type == FrameResult && resp.ID == req.ID {
			return resp, nil
		}
		slog.Debug("websocket skipped frame", "type", resp.Type, "id", resp.ID, "want", req.ID)
	}
}

// drop must be called with c.mu held.
func (c *WSClient) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *WSClient) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &Error{Op: op, Retryable: true, Err: ctxErr}
		}
		return ctxErr
	}
	return classifyNetError(op, err)
}

func resultOf(op string, f Frame) (ServerRecord, error) {
	switch {
	case f.Status >= 200 && f.Status < 300:
		if f.Record == nil {
			return ServerRecord{}, nil
		}
		return *f.Record, nil
	case f.Status == http.StatusConflict:
		if f.Current == nil {
			return ServerRecord{}, StatusError(op, f.Status, "conflict without current record")
		}
		return ServerRecord{}, &VersionConflictError{Current: *f.Current}
	case f.Status == 0:
		return ServerRecord{}, &Error{Op: op, Retryable: true, Err: errors.New("result frame without status")}
	default:
		return ServerRecord{}, StatusError(op, f.Status, f.Error)
	}
}
