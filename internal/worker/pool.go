package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opdesk/conveyor/internal/job"
)

// poolLoop processes claimed jobs until jobsChan is closed. It deliberately
// does not watch ctx: shutdown closes the channel after the claim sources
// stop, and jobs already claimed get to finish.
func (w *Worker) poolLoop(ctx context.Context, n int) {
	name := fmt.Sprintf("%s-%d", w.workerID, n)
	w.logger.Debug("pool goroutine started", slog.String("pool_worker", name))

	for j := range w.jobsChan {
		w.process(ctx, name, j)
	}

	w.logger.Debug("pool goroutine stopped", slog.String("pool_worker", name))
}

// process drives one claimed job to an attempt outcome and fires terminal
// hooks when the job ends in a terminal status.
func (w *Worker) process(parent context.Context, poolWorker string, j *job.Job) {
	// Completion must be reported even when shutdown cancels the parent,
	// otherwise the outcome is lost and the lease re-runs a finished job.
	ctx := context.WithoutCancel(parent)

	logger := w.logger.With(
		slog.String("pool_worker", poolWorker),
		slog.String("job_id", j.JobID),
		slog.String("job_type", j.JobType),
		slog.String("correlation_id", j.CorrelationID),
	)

	if err := w.queue.Start(ctx, j); err != nil {
		if errors.Is(err, job.ErrLeaseLost) {
			logger.Warn("lease lost before start, skipping job")
			return
		}
		logger.Error("failed to mark job running", slog.String("error", err.Error()))
		return
	}

	consumeErr := w.runConsumer(ctx, logger, j)

	if consumeErr == nil {
		if err := w.queue.Ack(ctx, j); err != nil {
			if errors.Is(err, job.ErrLeaseLost) {
				logger.Warn("lease lost before ack, attempt effects may repeat")
				return
			}
			logger.Error("failed to ack job", slog.String("error", err.Error()))
			return
		}
		w.fireTerminalHooks(ctx, j)
		return
	}

	snapshot, err := w.queue.Fail(ctx, j, consumeErr)
	if err != nil {
		if errors.Is(err, job.ErrLeaseLost) {
			logger.Warn("lease lost before fail, attempt effects may repeat")
			return
		}
		logger.Error("failed to record job failure", slog.String("error", err.Error()))
		return
	}
	if snapshot.Status.Terminal() {
		w.fireTerminalHooks(ctx, snapshot)
	}
}

func (w *Worker) fireTerminalHooks(ctx context.Context, j *job.Job) {
	for _, hook := range w.terminalHooks {
		hook(ctx, j)
	}
}
