package workflow

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically re-arms waiting executions whose wake time passed
// without a resume landing. The normal path is the scheduled
// workflow_resume job; the sweeper covers the crash window where a park
// was persisted but its job was lost, for example a dead-lettered resume.
// Re-arming reuses the original wake key, so a live pending resume simply
// absorbs it.
type Sweeper struct {
	store    Store
	executor *Executor
	interval time.Duration
	overdue  time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper creates a sweeper scanning every interval. Executions are
// only picked up once their wake time is overdue by a grace period, so
// the sweep never races resumes that are merely in flight.
func NewSweeper(store Store, executor *Executor, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		executor: executor,
		interval: interval,
		overdue:  time.Minute,
		batch:    100,
		logger:   logger,
	}
}

// Run blocks, scanning until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("workflow sweeper started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("workflow sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.overdue)
	due, err := s.store.ListDueExecutions(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Error("failed to scan overdue executions", slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	rearmed := 0
	for i := range due {
		exec := &due[i]
		if exec.ResumeAt == nil {
			continue
		}
		if err := s.executor.enqueueResume(ctx, exec, exec.CurrentNodeID, resumeWake, *exec.ResumeAt); err != nil {
			s.logger.Warn("failed to re-arm overdue execution",
				slog.String("execution_id", exec.ExecutionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		rearmed++
	}

	s.logger.Debug("overdue executions re-armed",
		slog.Int("due", len(due)),
		slog.Int("rearmed", rearmed),
	)
}
