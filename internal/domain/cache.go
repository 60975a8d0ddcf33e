package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
)

// CacheEntry is one persisted slice of a query result: the rows for one
// result key under one month prefix. MonthPrefix is empty for queries
// that are not month-partitioned.
type CacheEntry struct {
	QueryID     string
	MonthPrefix string
	ResultKey   string
	Rows        []Row
	UpdatedAt   time.Time
}

// FreshnessMarker is the stored change marker for a query. Value is opaque
// JSON: a single timestamp-like scalar, or an object keyed by month prefix.
// Markers are compared for equality, never interpreted.
type FreshnessMarker struct {
	QueryID   string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// MarkersEqual reports whether two marker values encode the same JSON
// value, ignoring formatting and object key order.
func MarkersEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// CacheStats summarizes cache contents for health reporting.
type CacheStats struct {
	Queries int64
	Entries int64
	Rows    int64
}
