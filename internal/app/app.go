// Package app provides application-level wiring for the queryflow server:
// document store, cache repositories, pipeline service, worker channel,
// and freshness detection.
package app

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/elbrit-dev/queryflow/internal/config"
	"github.com/elbrit-dev/queryflow/internal/db/repository"
	"github.com/elbrit-dev/queryflow/internal/docstore"
	"github.com/elbrit-dev/queryflow/internal/graphql"
	"github.com/elbrit-dev/queryflow/internal/service/freshness"
	"github.com/elbrit-dev/queryflow/internal/service/pipeline"
	"github.com/elbrit-dev/queryflow/internal/worker"
)

// Deps holds the external dependencies that main() must provide.
// These are things the app package cannot (or should not) create itself:
// config, the opened cache database pools, and the logger.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// App holds the fully-wired application: the pipeline service and
// freshness detector the API handler needs, plus the background
// components Start and Stop manage.
type App struct {
	Docs      *docstore.FileStore
	Pipeline  *pipeline.Service
	Detector  *freshness.Detector
	Scheduler *freshness.Scheduler
	Worker    *worker.Channel

	workerEnabled bool
}

// New wires the document store, repositories, pipeline service, worker
// channel, and freshness detector from the provided deps. Background
// loops stay stopped until Start.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg

	// === Document store ===
	docs, err := docstore.Load(cfg.DocumentsPath)
	if err != nil {
		return nil, err
	}
	docs.SetDefaultEndpoint(cfg.DefaultEndpointURL, cfg.DefaultEndpointToken)

	// === Repositories ===
	cacheRepo := repository.NewCacheRepo(deps.WriteDB, deps.ReadDB)
	runRepo := repository.NewRunRepo(deps.WriteDB, deps.ReadDB)

	// === Worker channel (host callbacks registered, engine wired below) ===
	ch := worker.NewChannel(deps.Logger)
	ch.RegisterDocumentStore(docs)
	ch.RegisterEndpointResolver(docs)
	ch.RegisterSharedFunctionLoader(docs)

	// === Pipeline service ===
	// The service reads documents and endpoints through the channel's
	// worker-side proxies so RunJob sees the same view on either side of
	// the execution boundary.
	fetcher := graphql.NewClient(cfg.FetchTimeout)
	sandbox := pipeline.NewSandbox(cfg.TransformMaxSteps, cfg.TransformTimeout)
	svc := pipeline.NewService(
		ch.Documents(),
		ch.Endpoints(),
		ch.SharedFunctions(),
		cacheRepo,
		runRepo,
		fetcher,
		sandbox,
		cfg.BackfillQueueSize,
		cfg.BackfillStartDelay,
		deps.Logger,
	)
	ch.SetEngine(svc)
	if cfg.WorkerEnabled {
		svc.SetWorker(ch)
	}

	// === Freshness ===
	// The detector runs host-side on scheduler goroutines, so it reads
	// the store directly rather than through the channel.
	detector := freshness.NewDetector(docs, docs, cacheRepo, fetcher, svc, deps.Logger)
	scheduler := freshness.NewScheduler(detector, cfg.FreshnessCron, cfg.FreshnessOnStart, deps.Logger.With("component", "freshness"))

	return &App{
		Docs:          docs,
		Pipeline:      svc,
		Detector:      detector,
		Scheduler:     scheduler,
		Worker:        ch,
		workerEnabled: cfg.WorkerEnabled,
	}, nil
}

// Start launches the background loops: the worker channel, the backfill
// consumer, and the freshness scheduler. The backfill consumer stops when
// ctx is cancelled; the rest stop on Stop.
func (a *App) Start(ctx context.Context) error {
	if a.workerEnabled {
		if err := a.Worker.Start(); err != nil {
			return err
		}
	}
	a.Pipeline.Start(ctx)
	return a.Scheduler.Start(ctx)
}

// Stop shuts down the scheduler and the worker channel. Jobs in progress
// finish; later executions run inline on the caller's goroutine.
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.Worker.Stop()
}
