package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Row is a single record in a query result. Values are JSON-compatible by
// contract: the pipeline copies rows across goroutine boundaries by
// marshalling, never by sharing references.
type Row map[string]any

// PipelineResult holds query rows keyed by top-level selection name.
type PipelineResult map[string][]Row

// Clone returns a deep copy made through a JSON round trip.
func (r PipelineResult) Clone() (PipelineResult, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("clone result: %w", err)
	}
	var out PipelineResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone result: %w", err)
	}
	return out, nil
}

// Merge appends rows from other, key by key. Row order within a key is
// preserved: r's rows first, then other's.
func (r PipelineResult) Merge(other PipelineResult) {
	for key, rows := range other {
		r[key] = append(r[key], rows...)
	}
}

// Keys returns the result keys in sorted order.
func (r PipelineResult) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RowCount returns the total number of rows across all keys.
func (r PipelineResult) RowCount() int64 {
	var n int64
	for _, rows := range r {
		n += int64(len(rows))
	}
	return n
}

// SoleKey returns the only result key when exactly one exists.
func (r PipelineResult) SoleKey() (string, bool) {
	if len(r) != 1 {
		return "", false
	}
	for k := range r {
		return k, true
	}
	return "", false
}
