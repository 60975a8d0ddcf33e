package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
	"github.com/elbrit-dev/queryflow/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu     sync.Mutex
	jobs   []Job
	result domain.PipelineResult
	err    error
}

func (r *stubRunner) Execute(_ context.Context, job Job) (domain.PipelineResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func monthDoc() *domain.QueryDocument {
	return &domain.QueryDocument{ID: "sales", Body: salesBody, Month: true, ClientSave: true}
}

func liveDoc() *domain.QueryDocument {
	return &domain.QueryDocument{ID: "live", Body: salesBody}
}

func newTestService(docs map[string]*domain.QueryDocument, fetcher *testutil.MockFetcher, cache *testutil.MockCacheRepo) (*Service, *testutil.MockRunRepo) {
	runs := &testutil.MockRunRepo{}
	svc := NewService(
		&testutil.MockDocumentStore{Docs: docs},
		&testutil.MockEndpointResolver{},
		&testutil.MockSharedFunctionLoader{},
		cache,
		runs,
		fetcher,
		NewSandbox(0, 0),
		8,
		0,
		discardLogger(),
	)
	return svc, runs
}

func TestService_CheckCacheAndLoad_AllCached(t *testing.T) {
	fetcher := salesFetcher()
	cache := &testutil.MockCacheRepo{
		CachedPrefixesFn: func(_ context.Context, _ string, candidates []string) ([]string, error) {
			return candidates, nil
		},
		ReconstructFn: func(_ context.Context, _ string, _, prefixes []string) (domain.PipelineResult, error) {
			assert.Equal(t, []string{"2025-01", "2025-02"}, prefixes)
			return domain.PipelineResult{"sales": {{"region": "EU"}}}, nil
		},
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	window, err := domain.ParseMonthWindow("2025-01", "2025-02")
	require.NoError(t, err)

	load, err := svc.CheckCacheAndLoad(context.Background(), "sales", window, "", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, load.Source)
	assert.Equal(t, []string{"2025-01", "2025-02"}, load.CachedPrefixes)
	assert.Empty(t, load.MissingPrefixes)
	assert.Equal(t, int64(0), fetcher.Calls(), "a full cache hit must not touch the remote")
}

func TestService_CheckCacheAndLoad_PartialRunsBackfill(t *testing.T) {
	fetcher := salesFetcher()
	saved := make(chan string, 4)
	cache := &testutil.MockCacheRepo{
		CachedPrefixesFn: func(_ context.Context, _ string, _ []string) ([]string, error) {
			return []string{"2025-01"}, nil
		},
		ReconstructFn: func(_ context.Context, _ string, _, prefixes []string) (domain.PipelineResult, error) {
			assert.Equal(t, []string{"2025-01"}, prefixes)
			return domain.PipelineResult{"sales": {{"region": "EU"}}}, nil
		},
		SaveFn: func(_ context.Context, _, monthPrefix string, _ domain.PipelineResult) error {
			saved <- monthPrefix
			return nil
		},
	}
	svc, runs := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	window, err := domain.ParseMonthWindow("2025-01", "2025-02")
	require.NoError(t, err)

	load, err := svc.CheckCacheAndLoad(ctx, "sales", window, "", nil)
	require.NoError(t, err)
	assert.Equal(t, SourcePartial, load.Source)
	assert.Equal(t, []string{"2025-01"}, load.CachedPrefixes)
	assert.Equal(t, []string{"2025-02"}, load.MissingPrefixes)

	select {
	case prefix := <-saved:
		assert.Equal(t, "2025-02", prefix, "backfill fetches exactly the missing month")
	case <-time.After(2 * time.Second):
		t.Fatal("backfill never persisted the missing month")
	}

	require.Eventually(t, func() bool {
		run := runs.LastRun()
		return run != nil && run.Trigger == domain.RunTriggerBackfill
	}, 2*time.Second, 10*time.Millisecond)
}

func TestService_CheckCacheAndLoad_NothingCachedFetches(t *testing.T) {
	var savedPrefixes []string
	var mu sync.Mutex
	fetcher := salesFetcher()
	cache := &testutil.MockCacheRepo{
		CachedPrefixesFn: func(_ context.Context, _ string, _ []string) ([]string, error) {
			return nil, nil
		},
		SaveFn: func(_ context.Context, _, monthPrefix string, _ domain.PipelineResult) error {
			mu.Lock()
			defer mu.Unlock()
			savedPrefixes = append(savedPrefixes, monthPrefix)
			return nil
		},
	}
	svc, runs := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	window, err := domain.ParseMonthWindow("2025-01", "2025-02")
	require.NoError(t, err)

	load, err := svc.CheckCacheAndLoad(context.Background(), "sales", window, "", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, load.Source)
	assert.Equal(t, int64(2), fetcher.Calls(), "one fetch per month in the window")
	assert.Equal(t, []string{"2025-01", "2025-02"}, savedPrefixes)

	run := runs.LastRun()
	require.NotNil(t, run)
	assert.Equal(t, domain.RunTriggerInteractive, run.Trigger)
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
}

func TestService_CheckCacheAndLoad_CacheReadErrorFallsBack(t *testing.T) {
	fetcher := salesFetcher()
	cache := &testutil.MockCacheRepo{
		CachedPrefixesFn: func(_ context.Context, _ string, _ []string) ([]string, error) {
			return nil, domain.ErrCache("sqlite gone")
		},
		SaveFn: func(_ context.Context, _, _ string, _ domain.PipelineResult) error {
			return nil
		},
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	window, err := domain.ParseMonthWindow("2025-01", "2025-01")
	require.NoError(t, err)

	load, err := svc.CheckCacheAndLoad(context.Background(), "sales", window, "", nil)
	require.NoError(t, err, "cache read failures must not fail the load")
	assert.Equal(t, SourceFetch, load.Source)
	assert.Equal(t, int64(1), fetcher.Calls())
}

func TestService_CheckCacheAndLoad_ReconstructErrorFallsBack(t *testing.T) {
	fetcher := salesFetcher()
	cache := &testutil.MockCacheRepo{
		CachedPrefixesFn: func(_ context.Context, _ string, candidates []string) ([]string, error) {
			return candidates, nil
		},
		ReconstructFn: func(_ context.Context, _ string, _, _ []string) (domain.PipelineResult, error) {
			return nil, domain.ErrCache("corrupt entry")
		},
		SaveFn: func(_ context.Context, _, _ string, _ domain.PipelineResult) error {
			return nil
		},
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	window, err := domain.ParseMonthWindow("2025-01", "2025-01")
	require.NoError(t, err)

	load, err := svc.CheckCacheAndLoad(context.Background(), "sales", window, "", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, load.Source)
	assert.Equal(t, int64(1), fetcher.Calls())
}

func TestService_CheckCacheAndLoad_NoClientSaveSkipsCache(t *testing.T) {
	fetcher := salesFetcher()
	svc, _ := newTestService(map[string]*domain.QueryDocument{"live": liveDoc()}, fetcher, &testutil.MockCacheRepo{})

	load, err := svc.CheckCacheAndLoad(context.Background(), "live", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFetch, load.Source)
	assert.Equal(t, int64(1), fetcher.Calls())
}

func TestService_CheckCacheAndLoad_UnpartitionedSnapshot(t *testing.T) {
	doc := &domain.QueryDocument{ID: "totals", Body: salesBody, ClientSave: true}
	fetcher := salesFetcher()
	cache := &testutil.MockCacheRepo{
		CachedPrefixesFn: func(_ context.Context, _ string, candidates []string) ([]string, error) {
			assert.Equal(t, []string{""}, candidates)
			return candidates, nil
		},
		ReconstructFn: func(_ context.Context, _ string, _, prefixes []string) (domain.PipelineResult, error) {
			assert.Equal(t, []string{""}, prefixes)
			return domain.PipelineResult{"sales": {{"region": "EU"}}}, nil
		},
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"totals": doc}, fetcher, cache)

	window, err := domain.ParseMonthWindow("2025-01", "2025-03")
	require.NoError(t, err)

	load, err := svc.CheckCacheAndLoad(context.Background(), "totals", window, "", nil)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, load.Source, "unpartitioned documents ignore the window and use the snapshot slot")
	assert.Equal(t, int64(0), fetcher.Calls())
}

func TestService_CheckCacheAndLoad_UnknownQuery(t *testing.T) {
	svc, _ := newTestService(nil, salesFetcher(), &testutil.MockCacheRepo{})

	_, err := svc.CheckCacheAndLoad(context.Background(), "nope", nil, "", nil)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestService_RunJob_MonthPartitionSavesPerPrefix(t *testing.T) {
	fetcher := &testutil.MockFetcher{
		FetchFn: func(_ context.Context, _ string, vars map[string]any, _ domain.Endpoint) (json.RawMessage, error) {
			start, _ := vars["startDate"].(string)
			return json.RawMessage(`{"sales": [{"month": "` + start + `"}]}`), nil
		},
	}
	var savedPrefixes []string
	cache := &testutil.MockCacheRepo{
		SaveFn: func(_ context.Context, queryID, monthPrefix string, result domain.PipelineResult) error {
			assert.Equal(t, "sales", queryID)
			assert.Equal(t, int64(1), result.RowCount(), "each save holds a single month's rows")
			savedPrefixes = append(savedPrefixes, monthPrefix)
			return nil
		},
	}
	svc, runs := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	result, err := svc.RunJob(context.Background(), Job{
		QueryID: "sales",
		Window:  "2025-01..2025-03",
		Trigger: domain.RunTriggerManual,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"2025-01", "2025-02", "2025-03"}, savedPrefixes)
	assert.Equal(t, domain.PipelineResult{"sales": {
		{"month": "2025-01-01"},
		{"month": "2025-02-01"},
		{"month": "2025-03-01"},
	}}, result, "months merge in window order")

	run := runs.LastRun()
	require.NotNil(t, run)
	assert.Equal(t, "2025-01..2025-03", run.WindowKey)
	assert.Equal(t, int64(3), run.RowCount)
}

func TestService_RunJob_UnpartitionedIgnoresWindow(t *testing.T) {
	doc := &domain.QueryDocument{ID: "totals", Body: salesBody, ClientSave: true}
	fetcher := salesFetcher()
	var savedPrefix *string
	cache := &testutil.MockCacheRepo{
		SaveFn: func(_ context.Context, _, monthPrefix string, _ domain.PipelineResult) error {
			savedPrefix = &monthPrefix
			return nil
		},
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"totals": doc}, fetcher, cache)

	_, err := svc.RunJob(context.Background(), Job{QueryID: "totals", Window: "2025-01..2025-03"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetcher.Calls())
	require.NotNil(t, savedPrefix)
	assert.Equal(t, "", *savedPrefix, "snapshot documents save under the empty prefix")
}

func TestService_RunJob_SeedsMarkerForCachedMonths(t *testing.T) {
	fetcher := &testutil.MockFetcher{
		FetchFn: func(_ context.Context, _ string, vars map[string]any, _ domain.Endpoint) (json.RawMessage, error) {
			start, _ := vars["startDate"].(string)
			return json.RawMessage(`{"sales": [{"month": "` + start + `"}]}`), nil
		},
	}
	cache := &testutil.MockCacheRepo{
		SaveFn: func(_ context.Context, _, _ string, _ domain.PipelineResult) error { return nil },
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	_, err := svc.RunJob(context.Background(), Job{QueryID: "sales", Window: "2025-05..2025-06"})
	require.NoError(t, err)

	marker := cache.Marker("sales")
	require.NotNil(t, marker, "caching a month must move its marker slot off null")

	var months map[string]string
	require.NoError(t, json.Unmarshal(marker, &months))
	require.Len(t, months, 2)
	for _, prefix := range []string{"2025-05", "2025-06"} {
		_, err := time.Parse(time.RFC3339, months[prefix])
		assert.NoError(t, err, "slot %s holds a timestamp string", prefix)
	}
}

func TestService_RunJob_KeepsProbedMarkerSlots(t *testing.T) {
	fetcher := &testutil.MockFetcher{
		FetchFn: func(_ context.Context, _ string, vars map[string]any, _ domain.Endpoint) (json.RawMessage, error) {
			start, _ := vars["startDate"].(string)
			return json.RawMessage(`{"sales": [{"month": "` + start + `"}]}`), nil
		},
	}
	cache := &testutil.MockCacheRepo{
		SaveFn: func(_ context.Context, _, _ string, _ domain.PipelineResult) error { return nil },
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, cache)

	// A probe already wrote May. Re-fetching May must not disturb it, or
	// the next probe would read its own shadow as a change.
	_, err := cache.SaveFreshnessMarker(context.Background(), "sales",
		json.RawMessage(`{"2025-05":"2025-05-31T00:00:00Z"}`))
	require.NoError(t, err)

	_, err = svc.RunJob(context.Background(), Job{QueryID: "sales", Window: "2025-05..2025-06"})
	require.NoError(t, err)

	var months map[string]string
	require.NoError(t, json.Unmarshal(cache.Marker("sales"), &months))
	assert.Equal(t, "2025-05-31T00:00:00Z", months["2025-05"], "probe-written slots are never overwritten")
	assert.NotEmpty(t, months["2025-06"], "the new month's slot is seeded")
}

func TestService_RunJob_SeedsScalarMarkerOnce(t *testing.T) {
	doc := &domain.QueryDocument{ID: "totals", Body: salesBody, ClientSave: true}
	fetcher := salesFetcher()
	cache := &testutil.MockCacheRepo{
		SaveFn: func(_ context.Context, _, _ string, _ domain.PipelineResult) error { return nil },
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"totals": doc}, fetcher, cache)

	_, err := svc.RunJob(context.Background(), Job{QueryID: "totals"})
	require.NoError(t, err)

	var stamp string
	require.NoError(t, json.Unmarshal(cache.Marker("totals"), &stamp), "snapshot markers are scalar")
	_, err = time.Parse(time.RFC3339, stamp)
	require.NoError(t, err)

	_, err = svc.RunJob(context.Background(), Job{QueryID: "totals"})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"`+stamp+`"`), cache.Marker("totals"),
		"a present marker survives later fetches")
}

func TestService_RunJob_RecordsFailedRun(t *testing.T) {
	fetcher := &testutil.MockFetcher{
		FetchFn: func(_ context.Context, _ string, _ map[string]any, _ domain.Endpoint) (json.RawMessage, error) {
			return nil, domain.ErrFetch("upstream 502")
		},
	}
	svc, runs := newTestService(map[string]*domain.QueryDocument{"live": liveDoc()}, fetcher, &testutil.MockCacheRepo{})

	_, err := svc.RunJob(context.Background(), Job{QueryID: "live"})
	require.Error(t, err)

	run := runs.LastRun()
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "upstream 502")
	assert.Equal(t, domain.RunTriggerManual, run.Trigger, "an empty trigger records as manual")
}

func TestService_RunJob_BadWindowKey(t *testing.T) {
	svc, runs := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, salesFetcher(), &testutil.MockCacheRepo{})

	_, err := svc.RunJob(context.Background(), Job{QueryID: "sales", Window: "2025-01"})
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)

	run := runs.LastRun()
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestService_SessionMemoizesAcrossCalls(t *testing.T) {
	fetcher := salesFetcher()
	svc, _ := newTestService(map[string]*domain.QueryDocument{"live": liveDoc()}, fetcher, &testutil.MockCacheRepo{})

	_, err := svc.ExecutePipeline(context.Background(), "live", nil, "notebook-1", nil)
	require.NoError(t, err)
	_, err = svc.ExecutePipeline(context.Background(), "live", nil, "notebook-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetcher.Calls(), "the second call is served from the session memo")

	svc.ResetSession("notebook-1")

	_, err = svc.ExecutePipeline(context.Background(), "live", nil, "notebook-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetcher.Calls(), "a reset session fetches again")
}

func TestService_ScheduleRefresh_DropsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	fetcher := &testutil.MockFetcher{
		FetchFn: func(_ context.Context, _ string, _ map[string]any, _ domain.Endpoint) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`{"sales": []}`), nil
		},
	}
	svc, _ := newTestService(map[string]*domain.QueryDocument{"live": liveDoc()}, fetcher, &testutil.MockCacheRepo{})

	require.True(t, svc.ScheduleRefresh("live", nil, domain.RunTriggerFreshness))
	assert.False(t, svc.ScheduleRefresh("live", nil, domain.RunTriggerFreshness), "a second refresh for the same query is dropped")

	close(release)
	require.Eventually(t, func() bool {
		return !svc.inflight.Held("live")
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, svc.ScheduleRefresh("live", nil, domain.RunTriggerFreshness), "the slot frees once the first refresh completes")
}

func TestService_EnqueueBackfill_DropsWhenQueueFull(t *testing.T) {
	svc := NewService(
		&testutil.MockDocumentStore{},
		&testutil.MockEndpointResolver{},
		&testutil.MockSharedFunctionLoader{},
		&testutil.MockCacheRepo{},
		&testutil.MockRunRepo{},
		salesFetcher(),
		NewSandbox(0, 0),
		1,
		0,
		discardLogger(),
	)

	svc.enqueueBackfill("sales", []string{"2025-01", "2025-02"})

	assert.Len(t, svc.backfill, 1)
	assert.True(t, svc.inflight.Held("sales|2025-01"))
	assert.False(t, svc.inflight.Held("sales|2025-02"), "a dropped job releases its in-flight slot")
}

func TestService_SetWorker_RoutesExecution(t *testing.T) {
	fetcher := salesFetcher()
	svc, _ := newTestService(map[string]*domain.QueryDocument{"sales": monthDoc()}, fetcher, &testutil.MockCacheRepo{})

	runner := &stubRunner{result: domain.PipelineResult{"sales": {{"region": "EU"}}}}
	svc.SetWorker(runner)

	window, err := domain.ParseMonthWindow("2025-01", "2025-01")
	require.NoError(t, err)

	result, err := svc.ExecutePipeline(context.Background(), "sales", window, "sess-9", map[string]any{"region": "EU"})
	require.NoError(t, err)
	assert.Equal(t, runner.result, result)
	assert.Equal(t, int64(0), fetcher.Calls(), "execution crosses the worker, not the inline path")

	require.Len(t, runner.jobs, 1)
	job := runner.jobs[0]
	assert.Equal(t, "sales", job.QueryID)
	assert.Equal(t, "2025-01..2025-01", job.Window)
	assert.Equal(t, "sess-9", job.SessionID)
	assert.Equal(t, domain.RunTriggerInteractive, job.Trigger)
	assert.Equal(t, map[string]any{"region": "EU"}, job.Overrides)
}

func TestMissingPrefixes(t *testing.T) {
	got := missingPrefixes([]string{"2025-01", "2025-02", "2025-03"}, []string{"2025-02"})
	assert.Equal(t, []string{"2025-01", "2025-03"}, got)

	assert.Nil(t, missingPrefixes([]string{"2025-01"}, []string{"2025-01"}))
}
