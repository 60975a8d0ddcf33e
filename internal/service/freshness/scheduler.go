package freshness

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/elbrit-dev/queryflow/internal/domain"
)

// Scheduler runs detector sweeps on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	detector *Detector
	schedule string
	onStart  bool
	logger   *slog.Logger
}

// NewScheduler creates a scheduler for the given cron expression. An empty
// schedule disables periodic sweeps; onStart additionally runs one sweep
// right after Start.
func NewScheduler(detector *Detector, schedule string, onStart bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		detector: detector,
		schedule: schedule,
		onStart:  onStart,
		logger:   logger,
	}
}

// Start registers the sweep and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.schedule != "" {
		_, err := s.cron.AddFunc(s.schedule, func() {
			if _, err := s.detector.CheckAll(context.Background()); err != nil {
				s.logger.Warn("scheduled freshness sweep failed", "error", err)
			}
		})
		if err != nil {
			return domain.ErrValidation("invalid freshness schedule %q: %v", s.schedule, err)
		}
		s.cron.Start()
	}

	if s.onStart {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("startup freshness sweep panicked", "panic", r)
				}
			}()
			if _, err := s.detector.CheckAll(ctx); err != nil {
				s.logger.Warn("startup freshness sweep failed", "error", err)
			}
		}()
	}

	s.logger.Info("freshness scheduler started", "schedule", s.schedule)
	return nil
}

// Stop gracefully stops the cron runner. A sweep in progress finishes.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("freshness scheduler stopped")
}
