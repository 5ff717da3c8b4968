package queue

import "sync/atomic"

// Sequence is a monotonic logical clock for enqueue positions.
//
// Every mutation is stamped with a strictly increasing seq. Same-record
// ordering is decided by seq alone, never by wall-clock timestamps, so two
// writes in the same instant still drain in the order they were made.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence resuming after start.
// Used on load to continue from the highest persisted seq.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next sequence number and increments the clock.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
