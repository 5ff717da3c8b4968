package record

import "time"

// MutationType is the kind of write a QueuedMutation records.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Valid reports whether t is one of the known mutation types.
func (t MutationType) Valid() bool {
	switch t {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a QueuedMutation.
//
//	pending → processing → completed (removed from the log)
//	processing → pending (retry) → ... → failed (terminal)
//	processing → suspended (parked behind an unresolved conflict)
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSuspended  Status = "suspended"
)

// Priority determines drain order across records.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns a sortable weight; higher drains first.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Resolution names how a conflict was settled.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionManual Resolution = "manual"
)

// Valid reports whether r is one of the known resolutions.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionLocal, ResolutionRemote, ResolutionManual:
		return true
	}
	return false
}

// CachedEntry is one locally cached snapshot of server state.
//
// Data holds either a single record or a JSON array of records (list
// caches keyed by a filter hash). SyncedAt is nil until the first
// confirmed server acknowledgment.
//
// Version is the local counter, bumped by every write and never lowered.
// ServerVersion is the version the server last confirmed for the record,
// 0 until then; new edits are based on it.
type CachedEntry struct {
	Key           string     `json:"key"`
	Table         string     `json:"table"`
	Data          Payload    `json:"data"`
	Timestamp     time.Time  `json:"timestamp"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Version       int64      `json:"version"`
	ServerVersion int64      `json:"server_version,omitempty"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
}

// Expired reports whether the entry's TTL has passed at now.
func (e CachedEntry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// Size approximates the persistent footprint of the entry in bytes.
func (e CachedEntry) Size() int64 {
	return int64(len(e.Key) + len(e.Table) + len(e.Data))
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (e CachedEntry) Clone() CachedEntry {
	out := e
	out.Data = e.Data.Clone()
	if e.SyncedAt != nil {
		t := *e.SyncedAt
		out.SyncedAt = &t
	}
	return out
}

// QueuedMutation is a durable record of local write intent.
type QueuedMutation struct {
	ID         string       `json:"id"`
	Type       MutationType `json:"type"`
	Table      string       `json:"table"`
	Data       Payload      `json:"data,omitempty"`
	RecordID   string       `json:"record_id,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	RetryCount int          `json:"retry_count"`
	Status     Status       `json:"status"`
	Priority   Priority     `json:"priority"`
	Error      string       `json:"error,omitempty"`

	// Seq is the logical enqueue position. Same-record mutations transmit
	// in Seq order.
	Seq int64 `json:"seq"`

	// BaseVersion is the cached version the intent was based on. A server
	// version greater than BaseVersion signals a concurrent remote write.
	BaseVersion int64 `json:"base_version"`

	// NextAttemptAt gates retries while backing off. Zero means eligible now.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// ClaimedAt is set when the mutation enters processing and is used by
	// the watchdog to reclaim stuck claims.
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
}

// RecordKey returns the serialization key for same-record ordering.
// Creates without a server-assigned id have no record key and never block
// one another.
func (m QueuedMutation) RecordKey() string {
	if m.RecordID == "" {
		return ""
	}
	return RecordKey(m.Table, m.RecordID)
}

// Clone returns a deep copy.
func (m QueuedMutation) Clone() QueuedMutation {
	out := m
	out.Data = m.Data.Clone()
	return out
}

// Snapshot is one side of a conflict: a record payload at a version.
type Snapshot struct {
	Version int64   `json:"version"`
	Data    Payload `json:"data,omitempty"`
}

// Conflict is a detected divergence between the local unsynced copy of a
// record and the server's current copy.
type Conflict struct {
	ID            string     `json:"id"`
	Table         string     `json:"table"`
	RecordID      string     `json:"record_id"`
	MutationID    string     `json:"mutation_id,omitempty"`
	LocalVersion  Snapshot   `json:"local_version"`
	RemoteVersion Snapshot   `json:"remote_version"`
	Timestamp     time.Time  `json:"timestamp"`
	Resolved      bool       `json:"resolved"`
	Resolution    Resolution `json:"resolution,omitempty"`
}

// RecordKey returns the (table, recordId) key of the conflicted record.
func (c Conflict) RecordKey() string {
	return RecordKey(c.Table, c.RecordID)
}

// Clone returns a deep copy.
func (c Conflict) Clone() Conflict {
	out := c
	out.LocalVersion.Data = c.LocalVersion.Data.Clone()
	out.RemoteVersion.Data = c.RemoteVersion.Data.Clone()
	return out
}

// Warning and critical thresholds for available/total storage.
const (
	QuotaWarningRatio  = 0.10
	QuotaCriticalRatio = 0.05
)

// StorageQuota is a point-in-time view of persistent storage usage.
// Recomputed on demand, never persisted.
type StorageQuota struct {
	Total     int64 `json:"total"`
	Used      int64 `json:"used"`
	Available int64 `json:"available"`
	Warning   bool  `json:"warning"`
	Critical  bool  `json:"critical"`
}

// NewStorageQuota derives availability and thresholds from total and used.
// An unknown total (<= 0) reports no pressure.
func NewStorageQuota(total, used int64) StorageQuota {
	q := StorageQuota{Total: total, Used: used, Available: total - used}
	if q.Available < 0 {
		q.Available = 0
	}
	if total <= 0 {
		q.Available = 0
		return q
	}
	ratio := float64(q.Available) / float64(total)
	q.Warning = ratio < QuotaWarningRatio
	q.Critical = ratio < QuotaCriticalRatio
	return q
}
