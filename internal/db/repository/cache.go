package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

var _ domain.CacheRepository = (*CacheRepo)(nil)

// CacheRepo persists month-partitioned query results in SQLite. Writes go
// through the single-connection write pool; reads use the read pool.
type CacheRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewCacheRepo creates a new CacheRepo over a write/read pool pair.
func NewCacheRepo(write, read *sql.DB) *CacheRepo {
	return &CacheRepo{write: write, read: read}
}

// CachedPrefixes reports which of the candidate prefixes have at least one
// entry for the query, in candidate order.
func (r *CacheRepo) CachedPrefixes(ctx context.Context, queryID string, candidates []string) ([]string, error) {
	rows, err := r.read.QueryContext(ctx, `
		SELECT DISTINCT month_prefix FROM cache_entries WHERE query_id = ?
	`, queryID)
	if err != nil {
		return nil, domain.ErrCache("list cached prefixes for %q: %v", queryID, err)
	}
	defer rows.Close() //nolint:errcheck

	stored := make(map[string]bool)
	for rows.Next() {
		var prefix string
		if err := rows.Scan(&prefix); err != nil {
			return nil, domain.ErrCache("scan cached prefix for %q: %v", queryID, err)
		}
		stored[prefix] = true
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrCache("list cached prefixes for %q: %v", queryID, err)
	}

	var out []string
	for _, c := range candidates {
		if stored[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Reconstruct merges cached entries for the given prefixes into a single
// result. "YYYY-MM" sorts lexicographically in chronological order, so the
// merge happens oldest month first regardless of insertion order. Nil
// prefixes loads the single non-partitioned snapshot.
func (r *CacheRepo) Reconstruct(ctx context.Context, queryID string, resultKeys, prefixes []string) (domain.PipelineResult, error) {
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	wantPrefix := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		wantPrefix[p] = true
	}
	var wantKey map[string]bool
	if resultKeys != nil {
		wantKey = make(map[string]bool, len(resultKeys))
		for _, k := range resultKeys {
			wantKey[k] = true
		}
	}

	rows, err := r.read.QueryContext(ctx, `
		SELECT month_prefix, result_key, rows_json
		FROM cache_entries
		WHERE query_id = ?
		ORDER BY month_prefix ASC, result_key ASC
	`, queryID)
	if err != nil {
		return nil, domain.ErrCache("reconstruct %q: %v", queryID, err)
	}
	defer rows.Close() //nolint:errcheck

	result := make(domain.PipelineResult)
	for rows.Next() {
		var prefix, key, rowsJSON string
		if err := rows.Scan(&prefix, &key, &rowsJSON); err != nil {
			return nil, domain.ErrCache("reconstruct %q: scan: %v", queryID, err)
		}
		if !wantPrefix[prefix] {
			continue
		}
		if wantKey != nil && !wantKey[key] {
			continue
		}
		var entryRows []domain.Row
		if err := json.Unmarshal([]byte(rowsJSON), &entryRows); err != nil {
			return nil, domain.ErrCache("reconstruct %q: decode rows for key %q: %v", queryID, key, err)
		}
		result[key] = append(result[key], entryRows...)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.ErrCache("reconstruct %q: %v", queryID, err)
	}
	return result, nil
}

// Save replaces every entry under (queryID, monthPrefix) with the given
// result in one transaction. Re-saving the same result is idempotent.
func (r *CacheRepo) Save(ctx context.Context, queryID, monthPrefix string, result domain.PipelineResult) error {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrCache("save %q/%s: begin tx: %v", queryID, monthPrefix, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE query_id = ? AND month_prefix = ?
	`, queryID, monthPrefix); err != nil {
		return domain.ErrCache("save %q/%s: clear: %v", queryID, monthPrefix, err)
	}

	for _, key := range result.Keys() {
		rowsJSON, err := json.Marshal(result[key])
		if err != nil {
			return domain.ErrCache("save %q/%s: encode rows for key %q: %v", queryID, monthPrefix, key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (query_id, month_prefix, result_key, rows_json, row_count, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		`, queryID, monthPrefix, key, string(rowsJSON), len(result[key])); err != nil {
			return domain.ErrCache("save %q/%s: insert key %q: %v", queryID, monthPrefix, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.ErrCache("save %q/%s: commit: %v", queryID, monthPrefix, err)
	}
	return nil
}

// DeleteQuery drops all cached entries and the marker for a query.
func (r *CacheRepo) DeleteQuery(ctx context.Context, queryID string) error {
	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrCache("delete %q: begin tx: %v", queryID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE query_id = ?`, queryID); err != nil {
		return domain.ErrCache("delete %q: entries: %v", queryID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM freshness_markers WHERE query_id = ?`, queryID); err != nil {
		return domain.ErrCache("delete %q: marker: %v", queryID, err)
	}

	if err := tx.Commit(); err != nil {
		return domain.ErrCache("delete %q: commit: %v", queryID, err)
	}
	return nil
}

// LoadFreshnessMarker returns the stored marker for a query.
func (r *CacheRepo) LoadFreshnessMarker(ctx context.Context, queryID string) (*domain.FreshnessMarker, error) {
	var (
		markerJSON string
		updatedAt  time.Time
	)
	err := r.read.QueryRowContext(ctx, `
		SELECT marker_json, updated_at FROM freshness_markers WHERE query_id = ?
	`, queryID).Scan(&markerJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("freshness marker for %q not found", queryID)
	}
	if err != nil {
		return nil, domain.ErrCache("load freshness marker for %q: %v", queryID, err)
	}
	return &domain.FreshnessMarker{
		QueryID:   queryID,
		Value:     json.RawMessage(markerJSON),
		UpdatedAt: updatedAt,
	}, nil
}

// SaveFreshnessMarker stores value and reports whether it differed from
// the previous marker. Saving an equal value leaves the row untouched and
// returns false; downstream refresh scheduling keys off that result.
func (r *CacheRepo) SaveFreshnessMarker(ctx context.Context, queryID string, value json.RawMessage) (bool, error) {
	if len(value) == 0 {
		return false, domain.ErrValidation("freshness marker value is required")
	}

	tx, err := r.write.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.ErrCache("save freshness marker for %q: begin tx: %v", queryID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var stored sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT marker_json FROM freshness_markers WHERE query_id = ?
	`, queryID).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrCache("save freshness marker for %q: read previous: %v", queryID, err)
	}
	if stored.Valid && domain.MarkersEqual(json.RawMessage(stored.String), value) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO freshness_markers (query_id, marker_json, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (query_id) DO UPDATE SET
			marker_json = excluded.marker_json,
			updated_at = excluded.updated_at
	`, queryID, string(value)); err != nil {
		return false, domain.ErrCache("save freshness marker for %q: upsert: %v", queryID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, domain.ErrCache("save freshness marker for %q: commit: %v", queryID, err)
	}
	return true, nil
}

// Stats summarizes cache contents.
func (r *CacheRepo) Stats(ctx context.Context) (domain.CacheStats, error) {
	var stats domain.CacheStats
	err := r.read.QueryRowContext(ctx, `
		SELECT count(DISTINCT query_id), count(*), COALESCE(sum(row_count), 0)
		FROM cache_entries
	`).Scan(&stats.Queries, &stats.Entries, &stats.Rows)
	if err != nil {
		return domain.CacheStats{}, domain.ErrCache("cache stats: %v", err)
	}
	return stats, nil
}
