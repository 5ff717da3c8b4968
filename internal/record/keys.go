package record

import (
	"fmt"
	"strings"
)

// RecordKey is the cache key and ordering key for a single record.
// Format: "table/recordId".
func RecordKey(table, recordID string) string {
	return table + "/" + recordID
}

// ListKey is the cache key for a list query over a table. The filter is
// any JSON document describing the query; equivalent filters (same fields,
// different key order) map to the same key.
// Format: "table?filterHash".
func ListKey(table string, filter Payload) (string, error) {
	canonical, err := filter.Canonical()
	if err != nil {
		return "", fmt.Errorf("list key: %w", err)
	}
	return table + "?" + hashWithDomain(DomainFilter, canonical)[:16], nil
}

// SplitRecordKey is the inverse of RecordKey. ok is false for list keys.
func SplitRecordKey(key string) (table, recordID string, ok bool) {
	if strings.Contains(key, "?") {
		return "", "", false
	}
	table, recordID, ok = strings.Cut(key, "/")
	if !ok || table == "" || recordID == "" {
		return "", "", false
	}
	return table, recordID, true
}
