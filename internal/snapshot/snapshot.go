// Package snapshot exports the engine's durable state (queued mutations,
// conflicts and cache entries) for operators. A snapshot is JSON in the
// snappy framing format, written to a local directory or an S3 bucket.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/tether/internal/record"
)

// FormatVersion is bumped on incompatible snapshot layout changes.
const FormatVersion = 1

// Extension is the file suffix of encoded snapshots.
const Extension = ".json.sz"

// Snapshot is a point-in-time copy of durable engine state.
type Snapshot struct {
	Format    int                     `json:"format"`
	CreatedAt time.Time               `json:"created_at"`
	Mutations []record.QueuedMutation `json:"mutations"`
	Conflicts []record.Conflict       `json:"conflicts"`
	Entries   []record.CachedEntry    `json:"entries"`
}

// MutationLister is implemented by queue.Queue.
type MutationLister interface {
	List() []record.QueuedMutation
}

// ConflictLister is implemented by conflict.Resolver.
type ConflictLister interface {
	List(unresolvedOnly bool) []record.Conflict
}

// EntryLister is implemented by cache.Store.
type EntryLister interface {
	Entries() []record.CachedEntry
}

// Capture copies the current state of the queue, resolver and cache.
func Capture(now time.Time, q MutationLister, r ConflictLister, c EntryLister) Snapshot {
	return Snapshot{
		Format:    FormatVersion,
		CreatedAt: now.UTC(),
		Mutations: q.List(),
		Conflicts: r.List(false),
		Entries:   c.Entries(),
	}
}

// Name returns the object name the snapshot is stored under.
func (s Snapshot) Name() string {
	return "tether-" + s.CreatedAt.UTC().Format("20060102T150405.000Z") + Extension
}

// Encode writes s to w as snappy-framed JSON.
func Encode(w io.Writer, s Snapshot) error {
	sw := snappy.NewBufferedWriter(w)
	if err := json.NewEncoder(sw).Encode(s); err != nil {
		sw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Decode reads a snapshot written by Encode.
func Decode(r io.Reader) (Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(snappy.NewReader(r)).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Format != FormatVersion {
		return Snapshot{}, fmt.Errorf("decode snapshot: unsupported format %d", s.Format)
	}
	return s, nil
}

// Sink stores encoded snapshots by name.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// Export encodes s and stores it in sink, returning the stored name.
func Export(ctx context.Context, sink Sink, s Snapshot) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s); err != nil {
		return "", err
	}
	name := s.Name()
	if err := sink.Put(ctx, name, buf.Bytes()); err != nil {
		return "", fmt.Errorf("export snapshot %s: %w", name, err)
	}
	return name, nil
}

// Import loads snapshot name from sink.
func Import(ctx context.Context, sink Sink, name string) (Snapshot, error) {
	data, err := sink.Get(ctx, name)
	if err != nil {
		return Snapshot{}, fmt.Errorf("import snapshot %s: %w", name, err)
	}
	return Decode(bytes.NewReader(data))
}
