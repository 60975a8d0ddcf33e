package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/elbrit-dev/queryflow/internal/domain"
	"github.com/elbrit-dev/queryflow/internal/graphql"

	"golang.org/x/sync/singleflight"
)

// Fetcher is the remote side of the pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, body string, variables map[string]any, endpoint domain.Endpoint) (json.RawMessage, error)
}

// Request carries one pipeline execution through the orchestrator.
type Request struct {
	Doc       *domain.QueryDocument
	Endpoint  domain.Endpoint
	Window    *domain.MonthWindow
	Overrides map[string]any
	Docs      map[string]*domain.QueryDocument // nested query(id) resolution
	Session   *Session

	// seen holds the query ids already on this execution path; nested
	// executions use it to reject cyclic transformer dependencies.
	seen map[string]struct{}
}

// Orchestrator executes one query document end to end: variable merge,
// remote fetch, result extraction, transformer run, session memoization.
type Orchestrator struct {
	fetcher   Fetcher
	sandbox   *Sandbox
	endpoints domain.EndpointResolver
	shared    domain.SharedFunctionLoader
	logger    *slog.Logger
	flights   singleflight.Group
}

func NewOrchestrator(fetcher Fetcher, sandbox *Sandbox, endpoints domain.EndpointResolver, shared domain.SharedFunctionLoader, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		fetcher:   fetcher,
		sandbox:   sandbox,
		endpoints: endpoints,
		shared:    shared,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Execute runs req through the pipeline: merge variables, inject the month
// window dates, fetch, extract keyed rows, transform, memoize. Fetch and
// parse failures are terminal for the call; a transformer failure falls
// back to the raw data. Concurrent top-level calls with identical input
// collapse onto a single fetch and late callers receive a copy of the
// first call's result.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (domain.PipelineResult, error) {
	if req.Doc == nil {
		return nil, domain.ErrValidation("query document is required")
	}
	vars := mergeVariables(req.Doc, req.Window, req.Overrides)
	key := sessionKey(req.Doc.ID, vars, req.Window.Key())

	if req.Session != nil {
		if memoized, ok := req.Session.Lookup(key); ok {
			return memoized, nil
		}
	}

	// Nested executions run outside the flight group. Collapsing them
	// could make two flights wait on each other; within a session the
	// memo above already deduplicates repeated nested lookups.
	if req.seen != nil {
		return o.run(ctx, req, vars, key)
	}

	flight, err, shared := o.flights.Do(key, func() (interface{}, error) {
		return o.run(ctx, req, vars, key)
	})
	if err != nil {
		return nil, err
	}
	result := flight.(domain.PipelineResult)
	if shared {
		return result.Clone()
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, vars map[string]any, key string) (domain.PipelineResult, error) {
	doc := req.Doc

	selections, err := graphql.Selections(doc.Body)
	if err != nil {
		return nil, err
	}
	data, err := o.fetcher.Fetch(ctx, doc.Body, vars, req.Endpoint)
	if err != nil {
		return nil, err
	}
	result, err := graphql.ExtractResult(data, selections)
	if err != nil {
		return nil, err
	}

	result = o.transform(ctx, req, result, key)

	if req.Session != nil {
		req.Session.Store(key, result)
	}
	return result, nil
}

// transform runs the sandbox when the document carries transformer code.
// Every failure path keeps the raw data: partial functionality beats a
// failed call.
func (o *Orchestrator) transform(ctx context.Context, req Request, raw domain.PipelineResult, key string) domain.PipelineResult {
	code := strings.TrimSpace(req.Doc.TransformerCode)
	if code == "" || o.sandbox == nil {
		return raw
	}
	logger := o.logger.With("query_id", req.Doc.ID)

	if req.Session != nil {
		if !req.Session.BeginTransform(key) {
			logger.Debug("transformer already running for this input, using raw data")
			return raw
		}
		defer req.Session.EndTransform(key)
	}

	var shared string
	if o.shared != nil {
		src, err := o.shared.LoadSharedFunctionSource(ctx)
		if err != nil {
			logger.Warn("shared function source unavailable", "error", err)
		} else {
			shared = src
		}
	}

	transformed, err := o.sandbox.Transform(code, shared, raw, o.nestedQueryFn(ctx, req))
	if err != nil {
		logger.Warn("transformer failed, using raw data", "error", err)
		return raw
	}
	return transformed
}

// nestedQueryFn resolves query(id) calls made from transformer code by
// recursing into Execute with the document from req.Docs.
func (o *Orchestrator) nestedQueryFn(ctx context.Context, req Request) QueryFunc {
	return func(id string, vars map[string]any) (domain.PipelineResult, error) {
		path := make(map[string]struct{}, len(req.seen)+1)
		for k := range req.seen {
			path[k] = struct{}{}
		}
		path[req.Doc.ID] = struct{}{}
		if _, cyclic := path[id]; cyclic {
			return nil, domain.ErrValidation("cyclic query dependency on %s", id)
		}

		doc, ok := req.Docs[id]
		if !ok || doc == nil {
			return nil, domain.ErrNotFound("query document %s", id)
		}

		endpoint := req.Endpoint
		if doc.URLKey != req.Doc.URLKey && o.endpoints != nil {
			resolved, err := o.endpoints.Resolve(ctx, doc.URLKey)
			if err != nil {
				return nil, err
			}
			endpoint = resolved
		}

		return o.Execute(ctx, Request{
			Doc:       doc,
			Endpoint:  endpoint,
			Window:    req.Window,
			Overrides: vars,
			Docs:      req.Docs,
			Session:   req.Session,
			seen:      path,
		})
	}
}

// mergeVariables layers overrides on the document's variables and injects
// the window's first and last calendar day for month-partitioned queries.
func mergeVariables(doc *domain.QueryDocument, window *domain.MonthWindow, overrides map[string]any) map[string]any {
	vars := make(map[string]any, len(doc.Variables)+len(overrides)+2)
	for k, v := range doc.Variables {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}
	if doc.Month && window != nil {
		vars["startDate"] = window.StartDate()
		vars["endDate"] = window.EndDate()
	}
	return vars
}
