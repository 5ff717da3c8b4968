package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/roach88/tether/internal/record"
)

// Payload codecs recorded in the codec columns.
const (
	codecRaw    = 0
	codecSnappy = 1
)

// compressThreshold is the payload size above which rows are stored
// snappy-compressed.
const compressThreshold = 1024

// encodePayload returns the stored form of p and its codec.
// An absent payload is stored as NULL.
func encodePayload(p record.Payload) ([]byte, int) {
	if p.IsZero() {
		return nil, codecRaw
	}
	if len(p) > compressThreshold {
		return snappy.Encode(nil, p), codecSnappy
	}
	return []byte(p), codecRaw
}

// decodePayload reverses encodePayload.
func decodePayload(data []byte, codec int) (record.Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch codec {
	case codecRaw:
		return record.Payload(data).Clone(), nil
	case codecSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decode snappy payload: %w", err)
		}
		return record.Payload(out), nil
	default:
		return nil, fmt.Errorf("unknown payload codec %d", codec)
	}
}

// encodeTime stores t as unix nanoseconds; the zero time is 0.
func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// decodeTime reverses encodeTime. Times come back in UTC.
func decodeTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// encodeOptionalTime maps a nil pointer to SQL NULL.
func encodeOptionalTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: encodeTime(*t), Valid: true}
}

func decodeOptionalTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := decodeTime(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
