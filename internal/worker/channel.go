// Package worker hosts pipeline execution on a message-passing boundary so
// fetch, transform, and cache work stays off interactive goroutines.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/elbrit-dev/queryflow/internal/domain"
	"github.com/elbrit-dev/queryflow/internal/service/pipeline"
)

const (
	jobQueueSize      = 16
	hostCallQueueSize = 16
)

var (
	errNoEngine      = errors.New("worker channel has no engine")
	errStopped       = errors.New("worker channel stopped")
	errNotRegistered = errors.New("worker channel host callback not registered")
)

// Engine runs jobs on the worker side of the channel.
// Implemented by pipeline.Service.
type Engine interface {
	RunJob(ctx context.Context, job pipeline.Job) (domain.PipelineResult, error)
}

type jobRequest struct {
	payload []byte // JSON-encoded pipeline.Job
	reply   chan jobReply
}

type jobReply struct {
	payload []byte // JSON-encoded domain.PipelineResult
	err     error
}

type hostCallKind string

const (
	hostLoadDocument hostCallKind = "load_document"
	hostAllDocuments hostCallKind = "all_documents"
	hostResolve      hostCallKind = "resolve_endpoint"
	hostSharedSource hostCallKind = "shared_source"
)

type hostCall struct {
	kind  hostCallKind
	arg   string
	reply chan hostReply
}

type hostReply struct {
	payload []byte
	err     error
}

// Channel is the execution boundary between interactive goroutines and the
// worker goroutine. Jobs and results cross as JSON copies; the worker's
// view of the document store, endpoint resolver, and shared function
// loader crosses back as host-call messages serviced by a dispatcher
// goroutine. A channel that was never started runs everything inline on
// the caller's goroutine, so correctness never depends on the worker.
type Channel struct {
	jobs      chan jobRequest
	hostCalls chan hostCall
	stop      chan struct{}
	logger    *slog.Logger

	mu        sync.Mutex
	started   bool
	engine    Engine
	docs      domain.DocumentStore
	endpoints domain.EndpointResolver
	shared    domain.SharedFunctionLoader
}

// NewChannel creates a stopped channel. Register the three host callbacks
// and an engine, then Start.
func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{
		jobs:      make(chan jobRequest, jobQueueSize),
		hostCalls: make(chan hostCall, hostCallQueueSize),
		stop:      make(chan struct{}),
		logger:    logger.With("component", "worker"),
	}
}

// RegisterDocumentStore installs the host-side document loader.
func (c *Channel) RegisterDocumentStore(docs domain.DocumentStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = docs
}

// RegisterEndpointResolver installs the host-side endpoint resolver.
func (c *Channel) RegisterEndpointResolver(endpoints domain.EndpointResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints = endpoints
}

// RegisterSharedFunctionLoader installs the host-side shared function source.
func (c *Channel) RegisterSharedFunctionLoader(shared domain.SharedFunctionLoader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shared = shared
}

// SetEngine installs the job runner (breaks the circular dependency with
// the pipeline service). Call once during wiring, before Start.
func (c *Channel) SetEngine(engine Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = engine
}

// Start launches the worker and host dispatcher goroutines. The three host
// callbacks and the engine must be registered first. A channel starts at
// most once; Stop is final.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("worker channel already started")
	}
	if c.engine == nil {
		return errNoEngine
	}
	if c.docs == nil || c.endpoints == nil || c.shared == nil {
		return errNotRegistered
	}
	c.started = true
	go c.run()
	go c.dispatchHostCalls()
	c.logger.Info("worker channel started")
	return nil
}

// Stop shuts the channel down. The job in progress finishes; waiters on
// jobs the worker never served fall back inline.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	close(c.stop)
	c.logger.Info("worker channel stopped")
}

func (c *Channel) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Execute runs one job through the worker. The job crosses the boundary as
// a JSON copy and the reply comes back the same way; failures come back as
// error values. When the channel is not running the job runs inline on the
// caller's goroutine. A cancelled context abandons the wait, not the job:
// the worker finishes and caches, the caller gets ctx.Err().
func (c *Channel) Execute(ctx context.Context, job pipeline.Job) (domain.PipelineResult, error) {
	engine := c.currentEngine()
	if engine == nil {
		return nil, errNoEngine
	}
	if !c.running() {
		return engine.RunJob(ctx, job)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, domain.ErrParse("encode job: %v", err)
	}
	req := jobRequest{payload: payload, reply: make(chan jobReply, 1)}

	select {
	case c.jobs <- req:
	case <-c.stop:
		return engine.RunJob(ctx, job)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-req.reply:
		if reply.err != nil {
			return nil, reply.err
		}
		var result domain.PipelineResult
		if err := json.Unmarshal(reply.payload, &result); err != nil {
			return nil, domain.ErrParse("decode worker result: %v", err)
		}
		return result, nil
	case <-c.stop:
		// The worker loop may exit without ever reaching a job that was
		// queued before Stop. Finishing it inline is safe: cache writes
		// are idempotent replacements.
		return engine.RunJob(ctx, job)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) currentEngine() Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// run is the worker loop. One job at a time, in arrival order.
func (c *Channel) run() {
	for {
		select {
		case <-c.stop:
			return
		case req := <-c.jobs:
			req.reply <- c.serveJob(req)
		}
	}
}

func (c *Channel) serveJob(req jobRequest) (reply jobReply) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker job panicked", "panic", r)
			reply = jobReply{err: fmt.Errorf("worker job panicked: %v", r)}
		}
	}()

	var job pipeline.Job
	if err := json.Unmarshal(req.payload, &job); err != nil {
		return jobReply{err: domain.ErrParse("decode worker job: %v", err)}
	}

	// The caller's context stays on its side of the boundary. A job that
	// was worth starting is worth finishing: its cache writes are
	// idempotent replacements.
	result, err := c.currentEngine().RunJob(context.Background(), job)
	if err != nil {
		return jobReply{err: err}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return jobReply{err: domain.ErrParse("encode worker result: %v", err)}
	}
	return jobReply{payload: payload}
}

// dispatchHostCalls services the worker's store lookups on the host side.
func (c *Channel) dispatchHostCalls() {
	for {
		select {
		case <-c.stop:
			return
		case call := <-c.hostCalls:
			call.reply <- c.serveHostCall(call)
		}
	}
}

func (c *Channel) serveHostCall(call hostCall) (reply hostReply) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("host callback panicked", "kind", string(call.kind), "panic", r)
			reply = hostReply{err: fmt.Errorf("host callback panicked: %v", r)}
		}
	}()

	ctx := context.Background()
	encode := func(v any, err error) hostReply {
		if err != nil {
			return hostReply{err: err}
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return hostReply{err: domain.ErrParse("encode host reply: %v", err)}
		}
		return hostReply{payload: payload}
	}

	switch call.kind {
	case hostLoadDocument:
		doc, err := c.hostDocs().LoadQueryDocument(ctx, call.arg)
		return encode(doc, err)
	case hostAllDocuments:
		docs, err := c.hostDocs().AllQueryDocuments(ctx)
		return encode(docs, err)
	case hostResolve:
		endpoint, err := c.hostEndpoints().Resolve(ctx, call.arg)
		return encode(endpoint, err)
	case hostSharedSource:
		src, err := c.hostShared().LoadSharedFunctionSource(ctx)
		return encode(src, err)
	default:
		return hostReply{err: fmt.Errorf("unknown host call %q", call.kind)}
	}
}

func (c *Channel) callHost(ctx context.Context, kind hostCallKind, arg string) ([]byte, error) {
	call := hostCall{kind: kind, arg: arg, reply: make(chan hostReply, 1)}

	select {
	case c.hostCalls <- call:
	case <-c.stop:
		return nil, errStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-call.reply:
		return reply.payload, reply.err
	case <-c.stop:
		return nil, errStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) hostDocs() domain.DocumentStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs
}

func (c *Channel) hostEndpoints() domain.EndpointResolver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints
}

func (c *Channel) hostShared() domain.SharedFunctionLoader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shared
}
