package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is an opaque JSON document: one record, a list of records, or a
// partial record for create/update mutations. The engine never looks inside;
// it only compares payloads by canonical fingerprint.
type Payload []byte

// NewPayload marshals v into a Payload.
func NewPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("new payload: %w", err)
	}
	return Payload(data), nil
}

// MustPayload is like NewPayload but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the payload is absent.
func (p Payload) IsZero() bool {
	return len(bytes.TrimSpace(p)) == 0
}

// Valid reports whether the payload is well-formed JSON.
func (p Payload) Valid() bool {
	return json.Valid(p)
}

// Clone returns an independent copy.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	copy(out, p)
	return out
}

// Canonical returns the RFC 8785 canonical form of the payload.
func (p Payload) Canonical() ([]byte, error) {
	if p.IsZero() {
		return nil, nil
	}
	return CanonicalizeJSON(p)
}

// Fingerprint returns a domain-separated SHA-256 over the canonical form.
// Payloads that differ only in key order or Unicode normalization share a
// fingerprint. The absent payload has the empty fingerprint.
func (p Payload) Fingerprint() (string, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	if canonical == nil {
		return "", nil
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

// Equal reports whether two payloads are semantically identical JSON.
// Malformed payloads fall back to byte comparison.
func (p Payload) Equal(other Payload) bool {
	a, errA := p.Fingerprint()
	b, errB := other.Fingerprint()
	if errA != nil || errB != nil {
		return bytes.Equal(p, other)
	}
	return a == b
}

// MarshalJSON embeds the payload verbatim. The absent payload encodes as null.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	if !p.Valid() {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return []byte(p), nil
}

// UnmarshalJSON stores the raw document. null decodes to the absent payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

// String returns the payload text for logging.
func (p Payload) String() string {
	return string(p)
}
