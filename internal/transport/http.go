package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/tether/internal/record"
)

// API paths served by a sync server.
const (
	MutationsPath = "/v1/mutations"
	RecordsPath   = "/v1/records/"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// HTTPClient sends mutations as JSON over HTTP.
//
//	POST {base}/v1/mutations            MutationRequest → ServerRecord
//	GET  {base}/v1/records/{table}/{id} → ServerRecord
//
// 409 responses carry an ErrorResponse with the server's current record.
type HTTPClient struct {
	base   string
	client *http.Client
	header http.Header
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithHeader adds a header to every request (e.g. Authorization).
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPClient) {
		h.header.Add(key, value)
	}
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}

	h := &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Send implements Transport.
func (h *HTTPClient) Send(ctx context.Context, m record.QueuedMutation) (ServerRecord, error) {
	body, err := json.Marshal(NewMutationRequest(m))
	if err != nil {
		return ServerRecord{}, &Error{Op: "send", Err: fmt.Errorf("encode mutation: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+MutationsPath, bytes.NewReader(body))
	if err != nil {
		return ServerRecord{}, &Error{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)

	slog.Debug("http send", "id", m.ID, "type", m.Type, "table", m.Table, "record_id", m.RecordID)
	return h.do(req, "send")
}

// Fetch implements Fetcher.
func (h *HTTPClient) Fetch(ctx context.Context, table, recordID string) (ServerRecord, error) {
	u := h.base + RecordsPath + url.PathEscape(table) + "/" + url.PathEscape(recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ServerRecord{}, &Error{Op: "fetch", Err: err}
	}
	return h.do(req, "fetch")
}

func (h *HTTPClient) do(req *http.Request, op string) (ServerRecord, error) {
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return ServerRecord{}, classifyNetError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ServerRecord{}, classifyNetError(op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var rec ServerRecord
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &rec); err != nil {
				return ServerRecord{}, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		return rec, nil

	case resp.StatusCode == http.StatusConflict:
		var er ErrorResponse
		if err := json.Unmarshal(data, &er); err != nil || er.Current == nil {
			return ServerRecord{}, StatusError(op, resp.StatusCode, "conflict without current record")
		}
		return ServerRecord{}, &VersionConflictError{Current: *er.Current}

	case resp.StatusCode == http.StatusNotFound && op == "fetch":
		return ServerRecord{}, ErrNotFound

	default:
		var er ErrorResponse
		_ = json.Unmarshal(data, &er)
		return ServerRecord{}, StatusError(op, resp.StatusCode, er.Error)
	}
}
