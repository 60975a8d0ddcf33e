package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	internaldb "github.com/elbrit-dev/queryflow/internal/db"
	"github.com/elbrit-dev/queryflow/internal/domain"
)

func setupCacheRepo(t *testing.T) *CacheRepo {
	t.Helper()
	writeDB, readDB := internaldb.OpenTestSQLite(t)
	return NewCacheRepo(writeDB, readDB)
}

func monthRows(prefix string, n int) []domain.Row {
	rows := make([]domain.Row, n)
	for i := range rows {
		rows[i] = domain.Row{"month": prefix, "seq": float64(i)}
	}
	return rows
}

func TestCacheRepo_SaveAndReconstruct(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	saved := domain.PipelineResult{
		"sales":   monthRows("2025-01", 2),
		"returns": monthRows("2025-01", 1),
	}
	require.NoError(t, repo.Save(ctx, "sales", "2025-01", saved))

	got, err := repo.Reconstruct(ctx, "sales", nil, []string{"2025-01"})
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestCacheRepo_ReconstructMergesAscending(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	// Insert out of chronological order: reconstruction must still come
	// back oldest month first.
	require.NoError(t, repo.Save(ctx, "sales", "2025-03", domain.PipelineResult{"sales": monthRows("2025-03", 1)}))
	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{"sales": monthRows("2025-01", 2)}))
	require.NoError(t, repo.Save(ctx, "sales", "2025-02", domain.PipelineResult{"sales": monthRows("2025-02", 1)}))

	got, err := repo.Reconstruct(ctx, "sales", nil, []string{"2025-01", "2025-02", "2025-03"})
	require.NoError(t, err)

	require.Len(t, got["sales"], 4)
	assert.Equal(t, "2025-01", got["sales"][0]["month"])
	assert.Equal(t, "2025-01", got["sales"][1]["month"])
	assert.Equal(t, "2025-02", got["sales"][2]["month"])
	assert.Equal(t, "2025-03", got["sales"][3]["month"])
}

func TestCacheRepo_ReconstructIsIdempotent(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{"sales": monthRows("2025-01", 3)}))
	require.NoError(t, repo.Save(ctx, "sales", "2025-02", domain.PipelineResult{"sales": monthRows("2025-02", 2)}))

	first, err := repo.Reconstruct(ctx, "sales", nil, []string{"2025-01", "2025-02"})
	require.NoError(t, err)
	second, err := repo.Reconstruct(ctx, "sales", nil, []string{"2025-01", "2025-02"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(5), first.RowCount())
}

func TestCacheRepo_ReconstructFilters(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{
		"sales":   monthRows("2025-01", 2),
		"returns": monthRows("2025-01", 1),
	}))
	require.NoError(t, repo.Save(ctx, "sales", "2025-02", domain.PipelineResult{
		"sales": monthRows("2025-02", 1),
	}))

	t.Run("prefix subset", func(t *testing.T) {
		got, err := repo.Reconstruct(ctx, "sales", nil, []string{"2025-01"})
		require.NoError(t, err)
		assert.Len(t, got["sales"], 2)
		assert.Len(t, got["returns"], 1)
	})

	t.Run("result key subset", func(t *testing.T) {
		got, err := repo.Reconstruct(ctx, "sales", []string{"returns"}, []string{"2025-01", "2025-02"})
		require.NoError(t, err)
		assert.NotContains(t, got, "sales")
		assert.Len(t, got["returns"], 1)
	})

	t.Run("unknown query is empty", func(t *testing.T) {
		got, err := repo.Reconstruct(ctx, "nope", nil, []string{"2025-01"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestCacheRepo_SaveReplacesPrefix(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{
		"sales": monthRows("2025-01", 5),
		"stale": monthRows("2025-01", 1),
	}))
	require.NoError(t, repo.Save(ctx, "sales", "2025-02", domain.PipelineResult{
		"sales": monthRows("2025-02", 1),
	}))

	// Second save for January drops the old entries, including keys the
	// new result no longer has.
	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{
		"sales": monthRows("2025-01", 2),
	}))

	got, err := repo.Reconstruct(ctx, "sales", nil, []string{"2025-01", "2025-02"})
	require.NoError(t, err)
	assert.Len(t, got["sales"], 3)
	assert.NotContains(t, got, "stale")
}

func TestCacheRepo_CachedPrefixes(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{"sales": monthRows("2025-01", 1)}))
	require.NoError(t, repo.Save(ctx, "sales", "2025-03", domain.PipelineResult{"sales": monthRows("2025-03", 1)}))
	require.NoError(t, repo.Save(ctx, "other", "2025-02", domain.PipelineResult{"other": monthRows("2025-02", 1)}))

	got, err := repo.CachedPrefixes(ctx, "sales", []string{"2025-01", "2025-02", "2025-03"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01", "2025-03"}, got)

	got, err = repo.CachedPrefixes(ctx, "sales", []string{"2024-12"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCacheRepo_NonPartitionedSnapshot(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	saved := domain.PipelineResult{"inventory": monthRows("", 3)}
	require.NoError(t, repo.Save(ctx, "inventory", "", saved))

	cached, err := repo.CachedPrefixes(ctx, "inventory", []string{""})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, cached)

	got, err := repo.Reconstruct(ctx, "inventory", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, saved, got)
}

func TestCacheRepo_EmptyRowsStillCached(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "sales", "2025-02", domain.PipelineResult{"sales": {}}))

	cached, err := repo.CachedPrefixes(ctx, "sales", []string{"2025-02"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-02"}, cached, "a month with zero rows is still a cached month")

	got, err := repo.Reconstruct(ctx, "sales", nil, []string{"2025-02"})
	require.NoError(t, err)
	require.Contains(t, got, "sales")
	assert.Empty(t, got["sales"])
}

func TestCacheRepo_FreshnessMarker(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	t.Run("missing marker", func(t *testing.T) {
		_, err := repo.LoadFreshnessMarker(ctx, "sales")
		require.Error(t, err)
		var notFound *domain.NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("first save reports change", func(t *testing.T) {
		changed, err := repo.SaveFreshnessMarker(ctx, "sales", json.RawMessage(`{"2025-01":"a","2025-02":"b"}`))
		require.NoError(t, err)
		assert.True(t, changed)

		marker, err := repo.LoadFreshnessMarker(ctx, "sales")
		require.NoError(t, err)
		assert.Equal(t, "sales", marker.QueryID)
		assert.True(t, domain.MarkersEqual(marker.Value, json.RawMessage(`{"2025-01":"a","2025-02":"b"}`)))
	})

	t.Run("equal value is a no-op", func(t *testing.T) {
		before, err := repo.LoadFreshnessMarker(ctx, "sales")
		require.NoError(t, err)

		// Same JSON value with reordered keys must not count as a change.
		changed, err := repo.SaveFreshnessMarker(ctx, "sales", json.RawMessage(`{"2025-02":"b","2025-01":"a"}`))
		require.NoError(t, err)
		assert.False(t, changed)

		after, err := repo.LoadFreshnessMarker(ctx, "sales")
		require.NoError(t, err)
		assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
		assert.Equal(t, string(before.Value), string(after.Value))
	})

	t.Run("different value reports change", func(t *testing.T) {
		changed, err := repo.SaveFreshnessMarker(ctx, "sales", json.RawMessage(`{"2025-01":"a","2025-02":"c"}`))
		require.NoError(t, err)
		assert.True(t, changed)
	})

	t.Run("empty value rejected", func(t *testing.T) {
		_, err := repo.SaveFreshnessMarker(ctx, "sales", nil)
		require.Error(t, err)
		var valErr *domain.ValidationError
		assert.ErrorAs(t, err, &valErr)
	})
}

func TestCacheRepo_DeleteQuery(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{"sales": monthRows("2025-01", 1)}))
	_, err := repo.SaveFreshnessMarker(ctx, "sales", json.RawMessage(`"2025-01-31T00:00:00Z"`))
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, "other", "2025-01", domain.PipelineResult{"other": monthRows("2025-01", 1)}))

	require.NoError(t, repo.DeleteQuery(ctx, "sales"))

	cached, err := repo.CachedPrefixes(ctx, "sales", []string{"2025-01"})
	require.NoError(t, err)
	assert.Empty(t, cached)

	_, err = repo.LoadFreshnessMarker(ctx, "sales")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Unrelated queries are untouched.
	cached, err = repo.CachedPrefixes(ctx, "other", []string{"2025-01"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01"}, cached)
}

func TestCacheRepo_Stats(t *testing.T) {
	repo := setupCacheRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "sales", "2025-01", domain.PipelineResult{"sales": monthRows("2025-01", 2)}))
	require.NoError(t, repo.Save(ctx, "sales", "2025-02", domain.PipelineResult{"sales": monthRows("2025-02", 1)}))
	require.NoError(t, repo.Save(ctx, "other", "", domain.PipelineResult{"other": monthRows("", 4)}))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Queries)
	assert.Equal(t, int64(3), stats.Entries)
	assert.Equal(t, int64(7), stats.Rows)
}
