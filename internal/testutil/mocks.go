// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// === Document Store Mock ===

// MockDocumentStore implements domain.DocumentStore for testing. When no
// function fields are set, lookups fall back to the Docs map.
type MockDocumentStore struct {
	LoadFn func(ctx context.Context, id string) (*domain.QueryDocument, error)
	AllFn  func(ctx context.Context) ([]domain.QueryDocument, error)
	Docs   map[string]*domain.QueryDocument
}

// LoadQueryDocument implements the interface method for testing.
func (m *MockDocumentStore) LoadQueryDocument(ctx context.Context, id string) (*domain.QueryDocument, error) {
	if m.LoadFn != nil {
		return m.LoadFn(ctx, id)
	}
	if doc, ok := m.Docs[id]; ok {
		return doc, nil
	}
	return nil, domain.ErrNotFound("query document %s not found", id)
}

// AllQueryDocuments implements the interface method for testing.
func (m *MockDocumentStore) AllQueryDocuments(ctx context.Context) ([]domain.QueryDocument, error) {
	if m.AllFn != nil {
		return m.AllFn(ctx)
	}
	out := make([]domain.QueryDocument, 0, len(m.Docs))
	for _, doc := range m.Docs {
		out = append(out, *doc)
	}
	return out, nil
}

var _ domain.DocumentStore = (*MockDocumentStore)(nil)

// === Endpoint Resolver Mock ===

// MockEndpointResolver implements domain.EndpointResolver for testing.
// When ResolveFn is unset every key resolves to Endpoint.
type MockEndpointResolver struct {
	ResolveFn func(ctx context.Context, urlKey string) (domain.Endpoint, error)
	Endpoint  domain.Endpoint
}

// Resolve implements the interface method for testing.
func (m *MockEndpointResolver) Resolve(ctx context.Context, urlKey string) (domain.Endpoint, error) {
	if m.ResolveFn != nil {
		return m.ResolveFn(ctx, urlKey)
	}
	return m.Endpoint, nil
}

var _ domain.EndpointResolver = (*MockEndpointResolver)(nil)

// === Shared Function Loader Mock ===

// MockSharedFunctionLoader implements domain.SharedFunctionLoader for
// testing. When LoadFn is unset it returns Source.
type MockSharedFunctionLoader struct {
	LoadFn func(ctx context.Context) (string, error)
	Source string
}

// LoadSharedFunctionSource implements the interface method for testing.
func (m *MockSharedFunctionLoader) LoadSharedFunctionSource(ctx context.Context) (string, error) {
	if m.LoadFn != nil {
		return m.LoadFn(ctx)
	}
	return m.Source, nil
}

var _ domain.SharedFunctionLoader = (*MockSharedFunctionLoader)(nil)

// === Cache Repository Mock ===

// MockCacheRepo implements domain.CacheRepository for testing. Row-cache
// interactions are usually the behavior under test, so those methods
// panic when unset rather than fake an answer. The marker methods default
// to an in-memory store (like MockRunRepo collecting runs) because every
// successful cache write also touches the marker.
type MockCacheRepo struct {
	CachedPrefixesFn      func(ctx context.Context, queryID string, candidates []string) ([]string, error)
	ReconstructFn         func(ctx context.Context, queryID string, resultKeys, prefixes []string) (domain.PipelineResult, error)
	SaveFn                func(ctx context.Context, queryID, monthPrefix string, result domain.PipelineResult) error
	DeleteQueryFn         func(ctx context.Context, queryID string) error
	LoadFreshnessMarkerFn func(ctx context.Context, queryID string) (*domain.FreshnessMarker, error)
	SaveFreshnessMarkerFn func(ctx context.Context, queryID string, value json.RawMessage) (bool, error)
	StatsFn               func(ctx context.Context) (domain.CacheStats, error)

	mu      sync.Mutex
	markers map[string]json.RawMessage
}

// CachedPrefixes implements the interface method for testing.
func (m *MockCacheRepo) CachedPrefixes(ctx context.Context, queryID string, candidates []string) ([]string, error) {
	if m.CachedPrefixesFn != nil {
		return m.CachedPrefixesFn(ctx, queryID, candidates)
	}
	panic("unexpected call to MockCacheRepo.CachedPrefixes")
}

// Reconstruct implements the interface method for testing.
func (m *MockCacheRepo) Reconstruct(ctx context.Context, queryID string, resultKeys, prefixes []string) (domain.PipelineResult, error) {
	if m.ReconstructFn != nil {
		return m.ReconstructFn(ctx, queryID, resultKeys, prefixes)
	}
	panic("unexpected call to MockCacheRepo.Reconstruct")
}

// Save implements the interface method for testing.
func (m *MockCacheRepo) Save(ctx context.Context, queryID, monthPrefix string, result domain.PipelineResult) error {
	if m.SaveFn != nil {
		return m.SaveFn(ctx, queryID, monthPrefix, result)
	}
	panic("unexpected call to MockCacheRepo.Save")
}

// DeleteQuery implements the interface method for testing.
func (m *MockCacheRepo) DeleteQuery(ctx context.Context, queryID string) error {
	if m.DeleteQueryFn != nil {
		return m.DeleteQueryFn(ctx, queryID)
	}
	panic("unexpected call to MockCacheRepo.DeleteQuery")
}

// LoadFreshnessMarker implements the interface method for testing.
func (m *MockCacheRepo) LoadFreshnessMarker(ctx context.Context, queryID string) (*domain.FreshnessMarker, error) {
	if m.LoadFreshnessMarkerFn != nil {
		return m.LoadFreshnessMarkerFn(ctx, queryID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.markers[queryID]
	if !ok {
		return nil, domain.ErrNotFound("freshness marker for %q not found", queryID)
	}
	return &domain.FreshnessMarker{QueryID: queryID, Value: value}, nil
}

// SaveFreshnessMarker implements the interface method for testing.
func (m *MockCacheRepo) SaveFreshnessMarker(ctx context.Context, queryID string, value json.RawMessage) (bool, error) {
	if m.SaveFreshnessMarkerFn != nil {
		return m.SaveFreshnessMarkerFn(ctx, queryID, value)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored, ok := m.markers[queryID]; ok && domain.MarkersEqual(stored, value) {
		return false, nil
	}
	if m.markers == nil {
		m.markers = make(map[string]json.RawMessage)
	}
	m.markers[queryID] = append(json.RawMessage(nil), value...)
	return true, nil
}

// Marker returns the marker held by the in-memory default store, or nil.
// Background goroutines write markers, so access is synchronized.
func (m *MockCacheRepo) Marker(queryID string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markers[queryID]
}

// Stats implements the interface method for testing.
func (m *MockCacheRepo) Stats(ctx context.Context) (domain.CacheStats, error) {
	if m.StatsFn != nil {
		return m.StatsFn(ctx)
	}
	panic("unexpected call to MockCacheRepo.Stats")
}

var _ domain.CacheRepository = (*MockCacheRepo)(nil)

// === Run Repository Mock ===

// MockRunRepo implements domain.RunRepository for testing. Insert
// collects runs for assertions by default; background goroutines insert
// concurrently, so access is synchronized.
type MockRunRepo struct {
	InsertFn func(ctx context.Context, run *domain.PipelineRun) error
	ListFn   func(ctx context.Context, filter domain.RunFilter) ([]domain.PipelineRun, error)

	mu   sync.Mutex
	runs []*domain.PipelineRun
}

// Insert implements the interface method for testing.
func (m *MockRunRepo) Insert(ctx context.Context, run *domain.PipelineRun) error {
	if m.InsertFn != nil {
		if err := m.InsertFn(ctx, run); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// List implements the interface method for testing.
func (m *MockRunRepo) List(ctx context.Context, filter domain.RunFilter) ([]domain.PipelineRun, error) {
	if m.ListFn != nil {
		return m.ListFn(ctx, filter)
	}
	panic("unexpected call to MockRunRepo.List")
}

// Recorded returns a snapshot of the collected runs.
func (m *MockRunRepo) Recorded() []*domain.PipelineRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.PipelineRun, len(m.runs))
	copy(out, m.runs)
	return out
}

// LastRun returns the most recently collected run, or nil if none.
func (m *MockRunRepo) LastRun() *domain.PipelineRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) == 0 {
		return nil
	}
	return m.runs[len(m.runs)-1]
}

var _ domain.RunRepository = (*MockRunRepo)(nil)

// === Fetcher Mock ===

// MockFetcher satisfies pipeline.Fetcher for testing and counts calls so
// tests can assert single-fetch guarantees.
type MockFetcher struct {
	FetchFn func(ctx context.Context, body string, variables map[string]any, endpoint domain.Endpoint) (json.RawMessage, error)

	calls atomic.Int64
}

// Fetch implements the interface method for testing.
func (m *MockFetcher) Fetch(ctx context.Context, body string, variables map[string]any, endpoint domain.Endpoint) (json.RawMessage, error) {
	m.calls.Add(1)
	if m.FetchFn != nil {
		return m.FetchFn(ctx, body, variables, endpoint)
	}
	panic("unexpected call to MockFetcher.Fetch")
}

// Calls reports how many times Fetch ran.
func (m *MockFetcher) Calls() int64 {
	return m.calls.Load()
}
