// Package memserver is an in-memory server of record that speaks the sync
// protocol. It serves the HTTP and WebSocket APIs for `tether serve` and
// doubles as an in-process Transport for tests.
//
// Writes are version-checked: a mutation whose base version is older than
// the record's current version is rejected with 409 and the current record.
// Replaying an already-applied mutation id returns the original result, so
// at-least-once delivery from clients is safe.
package memserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/tether/internal/record"
	"github.com/roach88/tether/internal/transport"
)

// Fault is a canned failure returned instead of applying a request.
type Fault struct {
	Status  int
	Message string
}

// Server holds versioned records in memory.
//
// Thread-safety: all methods are safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	records  map[string]transport.ServerRecord
	applied  map[string]transport.ServerRecord
	received []transport.MutationRequest
	faults   []Fault
	offline  bool
	nextID   int
}

// New creates an empty server.
func New() *Server {
	return &Server{
		records: make(map[string]transport.ServerRecord),
		applied: make(map[string]transport.ServerRecord),
	}
}

// Seed installs a record directly, bypassing version checks.
func (s *Server) Seed(table, recordID string, version int64, data record.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := transport.ServerRecord{Table: table, RecordID: recordID, Version: version, Data: data.Clone()}
	s.records[rec.Key()] = rec
}

// Record returns the current server copy, tombstones included.
func (s *Server) Record(table, recordID string) (transport.ServerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[record.RecordKey(table, recordID)]
	return rec, ok
}

// Records returns every live record ordered by key.
func (s *Server) Records() []transport.ServerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.ServerRecord, 0, len(s.records))
	for _, rec := range s.records {
		if !rec.Deleted {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b transport.ServerRecord) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}

// Received returns every mutation request seen, in arrival order.
func (s *Server) Received() []transport.MutationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// FailNext queues n failures with the given status, returned before any
// further request is applied.
func (s *Server) FailNext(n, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, Fault{Status: status, Message: message})
	}
}

// SetOffline makes the in-process Transport report ErrNetworkUnreachable.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Apply runs one mutation request and returns the HTTP status with either
// the resulting record or an error response.
func (s *Server) Apply(req transport.MutationRequest) (int, transport.ServerRecord, transport.ErrorResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, req)

	if len(s.faults) > 0 {
		f := s.faults[0]
		s.faults = s.faults[1:]
		return f.Status, transport.ServerRecord{}, transport.ErrorResponse{Error: f.Message}
	}

	if prev, ok := s.applied[req.ID]; ok && req.ID != "" {
		slog.Debug("memserver replayed mutation", "id", req.ID)
		return http.StatusOK, prev, transport.ErrorResponse{}
	}

	if req.Table == "" {
		return http.StatusBadRequest, transport.ServerRecord{}, transport.ErrorResponse{Error: "table is required"}
	}

	var (
		status int
		rec    transport.ServerRecord
		er     transport.ErrorResponse
	)
	switch req.Type {
	case record.MutationCreate:
		status, rec, er = s.create(req)
	case record.MutationUpdate:
		status, rec, er = s.update(req)
	case record.MutationDelete:
		status, rec, er = s.delete(req)
	default:
		return http.StatusBadRequest, transport.ServerRecord{}, transport.ErrorResponse{
			Error: fmt.Sprintf("unknown mutation type %q", req.Type),
		}
	}

	if status < 300 && req.ID != "" {
		s.applied[req.ID] = rec
	}
	return status, rec, er
}

// create must be called with s.mu held.
func (s *Server) create(req transport.MutationRequest) (int, transport.ServerRecord, transport.ErrorResponse) {
	id := req.RecordID
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("srv-%d", s.nextID)
	}
	key := record.RecordKey(req.Table, id)

	var version int64 = 1
	if cur, ok := s.records[key]; ok {
		if !cur.Deleted {
			return conflict(cur)
		}
		version = cur.Version + 1
	}
	rec := transport.ServerRecord{Table: req.Table, RecordID: id, Version: version, Data: req.Data.Clone()}
	s.records[key] = rec
	return http.StatusCreated, rec, transport.ErrorResponse{}
}

// update must be called with s.mu held.
func (s *Server) update(req transport.MutationRequest) (int, transport.ServerRecord, transport.ErrorResponse) {
	key := record.RecordKey(req.Table, req.RecordID)
	cur, ok := s.records[key]
	if !ok || cur.Deleted {
		return http.StatusNotFound, transport.ServerRecord{}, transport.ErrorResponse{Error: "record not found"}
	}
	if cur.Version > req.BaseVersion {
		return conflict(cur)
	}
	cur.Version++
	cur.Data = req.Data.Clone()
	s.records[key] = cur
	return http.StatusOK, cur, transport.ErrorResponse{}
}

// delete must be called with s.mu held.
func (s *Server) delete(req transport.MutationRequest) (int, transport.ServerRecord, transport.ErrorResponse) {
	key := record.RecordKey(req.Table, req.RecordID)
	cur, ok := s.records[key]
	if !ok || cur.Deleted {
		// Deleting something already gone is success.
		return http.StatusOK, transport.ServerRecord{Table: req.Table, RecordID: req.RecordID, Version: cur.Version, Deleted: true}, transport.ErrorResponse{}
	}
	if cur.Version > req.BaseVersion {
		return conflict(cur)
	}
	tomb := transport.ServerRecord{Table: req.Table, RecordID: req.RecordID, Version: cur.Version + 1, Deleted: true}
	s.records[key] = tomb
	return http.StatusOK, tomb, transport.ErrorResponse{}
}

func conflict(cur transport.ServerRecord) (int, transport.ServerRecord, transport.ErrorResponse) {
	current := cur
	current.Data = cur.Data.Clone()
	return http.StatusConflict, transport.ServerRecord{}, transport.ErrorResponse{
		Error:   "version conflict",
		Current: &current,
	}
}

// Lookup returns the live record or a 404 status.
func (s *Server) Lookup(table, recordID string) (int, transport.ServerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[record.RecordKey(table, recordID)]
	if !ok || rec.Deleted {
		return http.StatusNotFound, transport.ServerRecord{}
	}
	rec.Data = rec.Data.Clone()
	return http.StatusOK, rec
}

// Send implements transport.Transport in-process.
func (s *Server) Send(ctx context.Context, m record.QueuedMutation) (transport.ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return transport.ServerRecord{}, err
	}
	if s.isOffline() {
		return transport.ServerRecord{}, transport.ErrNetworkUnreachable
	}

	status, rec, er := s.Apply(transport.NewMutationRequest(m))
	switch {
	case status < 300:
		return rec, nil
	case status == http.StatusConflict:
		return transport.ServerRecord{}, &transport.VersionConflictError{Current: *er.Current}
	default:
		return transport.ServerRecord{}, transport.StatusError("send", status, er.Error)
	}
}

// Fetch implements transport.Fetcher in-process.
func (s *Server) Fetch(ctx context.Context, table, recordID string) (transport.ServerRecord, error) {
	if err := ctx.Err(); err != nil {
		return transport.ServerRecord{}, err
	}
	if s.isOffline() {
		return transport.ServerRecord{}, transport.ErrNetworkUnreachable
	}
	status, rec := s.Lookup(table, recordID)
	if status == http.StatusNotFound {
		return transport.ServerRecord{}, transport.ErrNotFound
	}
	return rec, nil
}

func (s *Server) isOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}
