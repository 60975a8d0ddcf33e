package pipeline

import (
	"context"
	"time"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// backfillJob fetches and caches one missing month prefix.
type backfillJob struct {
	queryID string
	prefix  string
}

func (j backfillJob) key() string {
	return j.queryID + "|" + j.prefix
}

// enqueueBackfill schedules one job per missing prefix. Enqueueing never
// blocks the caller: a prefix already in flight is skipped, and a full
// queue drops the job (the next partial load re-schedules it).
func (s *Service) enqueueBackfill(queryID string, prefixes []string) {
	for _, prefix := range prefixes {
		job := backfillJob{queryID: queryID, prefix: prefix}
		if !s.inflight.TryAcquire(job.key()) {
			continue
		}
		select {
		case s.backfill <- job:
		default:
			s.inflight.Release(job.key())
			s.logger.Warn("backfill queue full, dropping job",
				"query_id", queryID, "prefix", prefix)
		}
	}
}

// backfillLoop consumes scheduled jobs one at a time. The start delay
// keeps backfill work off the heels of the interactive request that
// scheduled it; the delay is bounded, so a queued job always runs.
func (s *Service) backfillLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.backfill:
			if s.delay > 0 {
				select {
				case <-ctx.Done():
					s.inflight.Release(job.key())
					return
				case <-time.After(s.delay):
				}
			}
			s.runBackfill(ctx, job)
		}
	}
}

func (s *Service) runBackfill(ctx context.Context, job backfillJob) {
	defer s.inflight.Release(job.key())
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("backfill panicked",
				"query_id", job.queryID, "prefix", job.prefix, "panic", r)
		}
	}()

	if _, err := s.execute(ctx, Job{
		QueryID: job.queryID,
		Window:  job.prefix + ".." + job.prefix,
		Trigger: domain.RunTriggerBackfill,
	}); err != nil {
		s.logger.Warn("backfill failed",
			"query_id", job.queryID, "prefix", job.prefix, "error", err)
	}
}
