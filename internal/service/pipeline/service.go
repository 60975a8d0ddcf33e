package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// Source labels where a LoadResult's rows came from.
type Source string

const (
	SourceCache   Source = "cache"   // every candidate prefix was cached
	SourcePartial Source = "partial" // some prefixes cached, backfill scheduled
	SourceFetch   Source = "fetch"   // nothing usable cached, fetched fresh
)

// LoadResult is the answer to one cache-first load.
type LoadResult struct {
	Result          domain.PipelineResult `json:"result"`
	Source          Source                `json:"source"`
	CachedPrefixes  []string              `json:"cached_prefixes,omitempty"`
	MissingPrefixes []string              `json:"missing_prefixes,omitempty"`
}

// Job is one pipeline execution in the form that crosses the worker
// channel. Everything in it survives a JSON round trip.
type Job struct {
	QueryID   string         `json:"query_id"`
	Window    string         `json:"window,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Trigger   string         `json:"trigger,omitempty"`
}

// Runner executes jobs, normally by crossing the worker channel.
// Implemented by worker.Channel.
type Runner interface {
	Execute(ctx context.Context, job Job) (domain.PipelineResult, error)
}

// Service is the pipeline entry point for the API layer: the cache-first
// load policy, direct execution, background refresh scheduling, and the
// session lifecycle.
type Service struct {
	docs      domain.DocumentStore
	endpoints domain.EndpointResolver
	cache     domain.CacheRepository
	runs      domain.RunRepository
	orch      *Orchestrator
	sessions  *Manager
	inflight  *InFlightSet
	backfill  chan backfillJob
	delay     time.Duration
	worker    Runner
	logger    *slog.Logger
}

// NewService wires the pipeline service. Execution stays inline until
// SetWorker routes it through a worker channel.
func NewService(
	docs domain.DocumentStore,
	endpoints domain.EndpointResolver,
	shared domain.SharedFunctionLoader,
	cache domain.CacheRepository,
	runs domain.RunRepository,
	fetcher Fetcher,
	sandbox *Sandbox,
	queueSize int,
	startDelay time.Duration,
	logger *slog.Logger,
) *Service {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Service{
		docs:      docs,
		endpoints: endpoints,
		cache:     cache,
		runs:      runs,
		orch:      NewOrchestrator(fetcher, sandbox, endpoints, shared, logger),
		sessions:  NewManager(),
		inflight:  NewInFlightSet(),
		backfill:  make(chan backfillJob, queueSize),
		delay:     startDelay,
		logger:    logger.With("component", "pipeline"),
	}
}

// SetWorker routes execution through r (breaks the circular dependency
// with the worker channel). Call once during wiring, before the service
// handles traffic; a nil runner keeps execution inline.
func (s *Service) SetWorker(r Runner) {
	s.worker = r
}

// Start launches the backfill consumer. It stops when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.backfillLoop(ctx)
}

// CheckCacheAndLoad answers a UI trigger for (queryID, window) with the
// cheapest correct result: a full cache reconstruction when every
// candidate prefix is cached, an immediate partial reconstruction plus a
// scheduled backfill when some are, and a fresh fetch when none are.
// Cache read failures fall back silently to the fetch path.
func (s *Service) CheckCacheAndLoad(ctx context.Context, queryID string, window *domain.MonthWindow, sessionID string, overrides map[string]any) (*LoadResult, error) {
	doc, err := s.docs.LoadQueryDocument(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if !doc.Month {
		window = nil
	}

	job := Job{
		QueryID:   queryID,
		Window:    window.Key(),
		Overrides: overrides,
		SessionID: sessionID,
		Trigger:   domain.RunTriggerInteractive,
	}

	if !doc.ClientSave {
		result, err := s.execute(ctx, job)
		if err != nil {
			return nil, err
		}
		return &LoadResult{Result: result, Source: SourceFetch}, nil
	}

	candidates := []string{""}
	if window != nil {
		candidates = window.Prefixes()
	}

	logger := s.logger.With("query_id", queryID, "window", window.Key())

	cached, err := s.cache.CachedPrefixes(ctx, queryID, candidates)
	if err != nil {
		logger.Warn("cache prefix lookup failed, falling back to fetch", "error", err)
		cached = nil
	}

	if len(cached) == len(candidates) && len(cached) > 0 {
		result, err := s.cache.Reconstruct(ctx, queryID, nil, cached)
		if err == nil {
			return &LoadResult{Result: result, Source: SourceCache, CachedPrefixes: cached}, nil
		}
		logger.Warn("cache reconstruction failed, falling back to fetch", "error", err)
	} else if len(cached) > 0 {
		result, err := s.cache.Reconstruct(ctx, queryID, nil, cached)
		if err == nil {
			missing := missingPrefixes(candidates, cached)
			s.enqueueBackfill(queryID, missing)
			return &LoadResult{
				Result:          result,
				Source:          SourcePartial,
				CachedPrefixes:  cached,
				MissingPrefixes: missing,
			}, nil
		}
		logger.Warn("partial cache reconstruction failed, falling back to fetch", "error", err)
	}

	result, err := s.execute(ctx, job)
	if err != nil {
		return nil, err
	}
	return &LoadResult{Result: result, Source: SourceFetch}, nil
}

// ExecutePipeline forces a fetch-and-transform run regardless of cache
// state, persisting the result for client_save documents.
func (s *Service) ExecutePipeline(ctx context.Context, queryID string, window *domain.MonthWindow, sessionID string, overrides map[string]any) (domain.PipelineResult, error) {
	return s.execute(ctx, Job{
		QueryID:   queryID,
		Window:    window.Key(),
		Overrides: overrides,
		SessionID: sessionID,
		Trigger:   domain.RunTriggerInteractive,
	})
}

// ScheduleRefresh runs the full pipeline for queryID in the background.
// The in-flight guard is claimed before anything is scheduled: when a
// refresh for queryID is already active this one is dropped, and false
// comes back so callers can tell.
func (s *Service) ScheduleRefresh(queryID string, window *domain.MonthWindow, trigger string) bool {
	if !s.inflight.TryAcquire(queryID) {
		s.logger.Debug("refresh already in flight, dropping", "query_id", queryID)
		return false
	}
	go func() {
		defer s.inflight.Release(queryID)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("refresh panicked", "query_id", queryID, "panic", r)
			}
		}()
		if _, err := s.execute(context.Background(), Job{
			QueryID: queryID,
			Window:  window.Key(),
			Trigger: trigger,
		}); err != nil {
			s.logger.Warn("scheduled refresh failed", "query_id", queryID, "error", err)
		}
	}()
	return true
}

// RunJob is the worker-side execution entry: resolve the document and
// endpoint, run the orchestrator (once per month for partitioned
// documents), persist client_save results, and record the run. Cache
// write failures are logged and dropped; the result was already earned.
func (s *Service) RunJob(ctx context.Context, job Job) (domain.PipelineResult, error) {
	started := time.Now()

	doc, err := s.docs.LoadQueryDocument(ctx, job.QueryID)
	if err != nil {
		s.recordRun(ctx, job, started, 0, err)
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		s.recordRun(ctx, job, started, 0, err)
		return nil, err
	}

	endpoint, err := s.endpoints.Resolve(ctx, doc.URLKey)
	if err != nil {
		s.recordRun(ctx, job, started, 0, err)
		return nil, err
	}

	window, err := domain.ParseWindowKey(job.Window)
	if err != nil {
		s.recordRun(ctx, job, started, 0, err)
		return nil, err
	}
	if !doc.Month {
		window = nil
	}

	var docsMap map[string]*domain.QueryDocument
	if doc.TransformerCode != "" {
		docsMap = s.loadDocumentMap(ctx)
	}

	var session *Session
	if job.SessionID != "" {
		session = s.sessions.Session(job.SessionID)
	}

	base := Request{
		Doc:       doc,
		Endpoint:  endpoint,
		Overrides: job.Overrides,
		Docs:      docsMap,
		Session:   session,
	}

	var result domain.PipelineResult
	if window != nil {
		result = domain.PipelineResult{}
		for _, prefix := range window.Prefixes() {
			monthWindow, err := domain.ParseMonthWindow(prefix, prefix)
			if err != nil {
				s.recordRun(ctx, job, started, 0, err)
				return nil, err
			}
			req := base
			req.Window = monthWindow
			monthResult, err := s.orch.Execute(ctx, req)
			if err != nil {
				s.recordRun(ctx, job, started, 0, err)
				return nil, err
			}
			if doc.ClientSave {
				s.saveToCache(ctx, doc.ID, prefix, monthResult)
			}
			result.Merge(monthResult)
		}
	} else {
		result, err = s.orch.Execute(ctx, base)
		if err != nil {
			s.recordRun(ctx, job, started, 0, err)
			return nil, err
		}
		if doc.ClientSave {
			s.saveToCache(ctx, doc.ID, "", result)
		}
	}

	s.recordRun(ctx, job, started, result.RowCount(), nil)
	return result, nil
}

// ResetSession discards a session's memoized results. The persistent
// cache is untouched.
func (s *Service) ResetSession(sessionID string) {
	s.sessions.Reset(sessionID)
}

// FreshnessMarker returns the stored change-detection marker for a query.
func (s *Service) FreshnessMarker(ctx context.Context, queryID string) (*domain.FreshnessMarker, error) {
	return s.cache.LoadFreshnessMarker(ctx, queryID)
}

// InvalidateQuery drops every cached entry and the marker for a query.
func (s *Service) InvalidateQuery(ctx context.Context, queryID string) error {
	return s.cache.DeleteQuery(ctx, queryID)
}

// Runs lists recorded pipeline executions.
func (s *Service) Runs(ctx context.Context, filter domain.RunFilter) ([]domain.PipelineRun, error) {
	return s.runs.List(ctx, filter)
}

// CacheStats summarizes the persistent cache.
func (s *Service) CacheStats(ctx context.Context) (domain.CacheStats, error) {
	return s.cache.Stats(ctx)
}

func (s *Service) execute(ctx context.Context, job Job) (domain.PipelineResult, error) {
	if s.worker != nil {
		return s.worker.Execute(ctx, job)
	}
	return s.RunJob(ctx, job)
}

func (s *Service) loadDocumentMap(ctx context.Context) map[string]*domain.QueryDocument {
	all, err := s.docs.AllQueryDocuments(ctx)
	if err != nil {
		s.logger.Warn("document map unavailable, nested queries disabled", "error", err)
		return nil
	}
	docsMap := make(map[string]*domain.QueryDocument, len(all))
	for i := range all {
		docsMap[all[i].ID] = &all[i]
	}
	return docsMap
}

func (s *Service) saveToCache(ctx context.Context, queryID, prefix string, result domain.PipelineResult) {
	if err := s.cache.Save(ctx, queryID, prefix, result); err != nil {
		s.logger.Warn("cache write failed", "query_id", queryID, "prefix", prefix, "error", err)
		return
	}
	s.seedMarker(ctx, queryID, prefix)
}

// seedMarker moves the freshness marker slot for a freshly cached prefix
// from null to a fetch-time stamp, so the marker endpoint reports data
// the pipeline just persisted. A slot that already holds a value is left
// alone: once the detector has written a probe value there, comparing the
// next probe against it must keep meaning "upstream moved", not "we
// fetched again".
func (s *Service) seedMarker(ctx context.Context, queryID, prefix string) {
	stamp := time.Now().UTC().Format(time.RFC3339)

	var stored json.RawMessage
	if marker, err := s.cache.LoadFreshnessMarker(ctx, queryID); err == nil && marker != nil {
		stored = marker.Value
	}

	var value json.RawMessage
	if prefix == "" {
		if stored != nil {
			return
		}
		value, _ = json.Marshal(stamp)
	} else {
		months := map[string]any{}
		if stored != nil {
			if err := json.Unmarshal(stored, &months); err != nil {
				return
			}
			if _, seeded := months[prefix]; seeded {
				return
			}
		}
		months[prefix] = stamp
		var err error
		value, err = json.Marshal(months)
		if err != nil {
			return
		}
	}

	if _, err := s.cache.SaveFreshnessMarker(ctx, queryID, value); err != nil {
		s.logger.Warn("marker seed failed", "query_id", queryID, "prefix", prefix, "error", err)
	}
}

func (s *Service) recordRun(ctx context.Context, job Job, started time.Time, rows int64, runErr error) {
	if s.runs == nil {
		return
	}
	trigger := job.Trigger
	if trigger == "" {
		trigger = domain.RunTriggerManual
	}
	run := &domain.PipelineRun{
		QueryID:    job.QueryID,
		Trigger:    trigger,
		WindowKey:  job.Window,
		Status:     domain.RunStatusSuccess,
		RowCount:   rows,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		msg := runErr.Error()
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = &msg
	}
	if err := s.runs.Insert(ctx, run); err != nil {
		s.logger.Warn("record pipeline run failed", "query_id", job.QueryID, "error", err)
	}
}

// missingPrefixes returns the candidates absent from cached, in candidate
// order.
func missingPrefixes(candidates, cached []string) []string {
	have := make(map[string]struct{}, len(cached))
	for _, p := range cached {
		have[p] = struct{}{}
	}
	var missing []string
	for _, p := range candidates {
		if _, ok := have[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
