package record

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator assigns identifiers to mutations and conflicts.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time, which keeps operator listings readable.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predictable ids for deterministic tests.
// Tokens are returned in order; once exhausted it falls back to
// "<prefix>-<n>".
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	prefix string
	tokens []string
	n      int
}

// NewFixedGenerator creates a generator yielding tokens, then prefix-N.
func NewFixedGenerator(prefix string, tokens ...string) *FixedGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &FixedGenerator{prefix: prefix, tokens: tokens}
}

// Generate returns the next predetermined id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.n++
	if g.n <= len(g.tokens) {
		return g.tokens[g.n-1]
	}
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
