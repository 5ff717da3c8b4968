// Package transport defines the collaborator that carries queued mutations
// to the server of record, and ships HTTP and WebSocket clients for it.
//
// The core never interprets payloads; it only inspects the returned version
// and the classification of failures:
//
//	nil error              → acknowledged, ServerRecord carries the new state
//	*VersionConflictError  → the server holds a newer version (Current)
//	*Error{Retryable:true} → transient (timeout, 5xx); retry with backoff
//	*Error{Retryable:false}→ the server rejected the request; do not retry
//	ErrNetworkUnreachable  → nothing was sent; leave the queue untouched
package transport

import (
	"context"

	"github.com/roach88/tether/internal/record"
)

// ServerRecord is the server's view of one record after a write or read.
type ServerRecord struct {
	Table    string         `json:"table"`
	RecordID string         `json:"record_id"`
	Version  int64          `json:"version"`
	Data     record.Payload `json:"data,omitempty"`
	Deleted  bool           `json:"deleted,omitempty"`
}

// Key returns the cache key of the record.
func (r ServerRecord) Key() string {
	return record.RecordKey(r.Table, r.RecordID)
}

// Snapshot returns the record as a conflict side. Deleted records have no
// payload.
func (r ServerRecord) Snapshot() record.Snapshot {
	if r.Deleted {
		return record.Snapshot{Version: r.Version}
	}
	return record.Snapshot{Version: r.Version, Data: r.Data.Clone()}
}

// Transport sends one mutation and reports the server's resulting state.
type Transport interface {
	Send(ctx context.Context, m record.QueuedMutation) (ServerRecord, error)
}

// Fetcher is implemented by transports that can read records for
// read-through caching.
type Fetcher interface {
	Fetch(ctx context.Context, table, recordID string) (ServerRecord, error)
}

// MutationRequest is the wire form of a queued mutation.
type MutationRequest struct {
	ID          string              `json:"id"`
	Type        record.MutationType `json:"type"`
	Table       string              `json:"table"`
	RecordID    string              `json:"record_id,omitempty"`
	Data        record.Payload      `json:"data,omitempty"`
	BaseVersion int64               `json:"base_version"`
}

// NewMutationRequest converts a queued mutation to its wire form.
func NewMutationRequest(m record.QueuedMutation) MutationRequest {
	return MutationRequest{
		ID:          m.ID,
		Type:        m.Type,
		Table:       m.Table,
		RecordID:    m.RecordID,
		Data:        m.Data,
		BaseVersion: m.BaseVersion,
	}
}

// ErrorResponse is the wire form of a rejected request. Current is set on
// version conflicts.
type ErrorResponse struct {
	Error   string        `json:"error"`
	Current *ServerRecord `json:"current,omitempty"`
}
