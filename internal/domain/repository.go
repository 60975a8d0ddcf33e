package domain

import (
	"context"
	"encoding/json"
)

// CacheRepository persists month-partitioned query results and freshness
// markers. Read failures surface as *CacheError so callers can fall back
// to a remote fetch.
type CacheRepository interface {
	// CachedPrefixes reports which of the candidate prefixes have at
	// least one entry for the query, in candidate order.
	CachedPrefixes(ctx context.Context, queryID string, candidates []string) ([]string, error)
	// Reconstruct merges cached entries across the given prefixes in
	// ascending prefix order. Nil prefixes loads the single
	// non-partitioned snapshot. A non-nil resultKeys filters the keys.
	Reconstruct(ctx context.Context, queryID string, resultKeys, prefixes []string) (PipelineResult, error)
	// Save replaces every entry under (queryID, monthPrefix) with the
	// given result in one transaction.
	Save(ctx context.Context, queryID, monthPrefix string, result PipelineResult) error
	// DeleteQuery drops all cached entries and the marker for a query.
	DeleteQuery(ctx context.Context, queryID string) error
	// LoadFreshnessMarker returns the stored marker, or NotFoundError.
	LoadFreshnessMarker(ctx context.Context, queryID string) (*FreshnessMarker, error)
	// SaveFreshnessMarker stores value and reports whether it differed
	// from the previous marker. Saving an equal value is a no-op.
	SaveFreshnessMarker(ctx context.Context, queryID string, value json.RawMessage) (bool, error)
	// Stats summarizes cache contents.
	Stats(ctx context.Context) (CacheStats, error)
}

// RunRepository records pipeline execution history.
type RunRepository interface {
	Insert(ctx context.Context, run *PipelineRun) error
	List(ctx context.Context, filter RunFilter) ([]PipelineRun, error)
}
