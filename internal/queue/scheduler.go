package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/opdesk/conveyor/internal/job"
)

// Scheduler periodically scans for claimable jobs and publishes wake-up
// hints for them. It covers scheduled jobs whose not_before has arrived and
// claimed jobs whose lease expired; without it those jobs still run, but
// only as fast as the workers' poll interval.
type Scheduler struct {
	store     job.Store
	hints     Hinter
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewScheduler creates a scheduler scanning every interval.
func NewScheduler(store job.Store, hints Hinter, interval time.Duration, batchSize int, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		hints:     hints,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run blocks, scanning until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.store.ListDue(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Error("failed to scan due jobs", slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	published := 0
	for _, j := range due {
		if err := s.hints.PublishJobHint(ctx, j.JobID); err != nil {
			s.logger.Warn("failed to publish job hint",
				slog.String("job_id", j.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		published++
	}

	s.logger.Debug("due jobs hinted",
		slog.Int("due", len(due)),
		slog.Int("published", published),
	)
}
