package memserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/roach88/tether/internal/transport"
)

// maxRequestBytes bounds a request body.
const maxRequestBytes = 16 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns the HTTP API:
//
//	POST /v1/mutations
//	GET  /v1/records/{table}/{id}
//	GET  /v1/ws   (WebSocket upgrade)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+transport.MutationsPath, s.handleMutation)
	mux.HandleFunc("GET "+transport.RecordsPath+"{table}/{id}", s.handleRecord)
	mux.HandleFunc("GET "+transport.WSPath, s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var req transport.MutationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: "invalid mutation: " + err.Error()})
		return
	}

	status, rec, er := s.Apply(req)
	slog.Debug("memserver mutation",
		"id", req.ID,
		"type", req.Type,
		"table", req.Table,
		"record_id", rec.RecordID,
		"status", status,
	)
	if status >= 300 {
		writeJSON(w, status, er)
		return
	}
	writeJSON(w, status, rec)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	status, rec := s.Lookup(r.PathValue("table"), r.PathValue("id"))
	if status == http.StatusNotFound {
		writeJSON(w, status, transport.ErrorResponse{Error: "record not found"})
		return
	}
	writeJSON(w, status, rec)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	for {
		var f transport.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if err := conn.WriteJSON(s.answer(f)); err != nil {
			return
		}
	}
}

func (s *Server) answer(f transport.Frame) transport.Frame {
	out := transport.Frame{Type: transport.FrameResult, ID: f.ID}
	switch f.Type {
	case transport.FrameMutation:
		if f.Mutation == nil {
			out.Status = http.StatusBadRequest
			out.Error = "mutation frame without mutation"
			return out
		}
		status, rec, er := s.Apply(*f.Mutation)
		out.Status = status
		if status >= 300 {
			out.Error = er.Error
			out.Current = er.Current
		} else {
			out.Record = &rec
		}
	case transport.FrameFetch:
		status, rec := s.Lookup(f.Table, f.RecordID)
		out.Status = status
		if status == http.StatusOK {
			out.Record = &rec
		}
	default:
		out.Status = http.StatusBadRequest
		out.Error = "unknown frame type: " + f.Type
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}
