package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

var _ domain.RunRepository = (*RunRepo)(nil)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
)

// RunRepo stores pipeline execution history in SQLite.
type RunRepo struct {
	write *sql.DB
	read  *sql.DB
}

// NewRunRepo creates a new RunRepo over a write/read pool pair.
func NewRunRepo(write, read *sql.DB) *RunRepo {
	return &RunRepo{write: write, read: read}
}

// Insert records one pipeline run.
func (r *RunRepo) Insert(ctx context.Context, run *domain.PipelineRun) error {
	if run == nil {
		return domain.ErrValidation("pipeline run is required")
	}
	if run.ID == "" {
		run.ID = domain.NewID()
	}

	_, err := r.write.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, query_id, trigger_type, window_key, status, row_count, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.QueryID, run.Trigger, run.WindowKey, run.Status, run.RowCount, run.DurationMs, nullStr(run.ErrorMessage))
	return mapDBError(err)
}

// List returns the most recent runs matching the filter, newest first.
func (r *RunRepo) List(ctx context.Context, filter domain.RunFilter) ([]domain.PipelineRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}

	query := `
		SELECT id, query_id, trigger_type, window_key, status, row_count, duration_ms, error_message, created_at
		FROM pipeline_runs
		WHERE 1=1`
	args := []interface{}{}
	if filter.QueryID != nil {
		query += ` AND query_id = ?`
		args = append(args, *filter.QueryID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.PipelineRun
	for rows.Next() {
		var (
			run     domain.PipelineRun
			errMsg  sql.NullString
			created time.Time
		)
		if err := rows.Scan(&run.ID, &run.QueryID, &run.Trigger, &run.WindowKey, &run.Status,
			&run.RowCount, &run.DurationMs, &errMsg, &created); err != nil {
			return nil, mapDBError(err)
		}
		run.ErrorMessage = ptrStr(errMsg)
		run.CreatedAt = created
		out = append(out, run)
	}
	return out, rows.Err()
}
