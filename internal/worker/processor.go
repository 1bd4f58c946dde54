package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/opdesk/conveyor/internal/job"
)

// runConsumer resolves the job's consumer and executes it under the job
// timeout, with a heartbeat goroutine extending the lease. The returned
// error is the attempt outcome handed to the queue's retry decision.
func (w *Worker) runConsumer(ctx context.Context, logger *slog.Logger, j *job.Job) error {
	consumer, ok := w.consumers[j.JobType]
	if !ok {
		// Reaching here means a producer enqueued a type no deployed
		// consumer handles. Retrying cannot fix a registration gap.
		logger.Error("no consumer registered for job type")
		return job.Permanent(fmt.Errorf("no consumer registered for job type %q", j.JobType))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go w.heartbeatLoop(jobCtx, logger, j, cancel, heartbeatDone)

	started := time.Now()
	err := w.invoke(jobCtx, consumer, j)

	if err != nil {
		if jobCtx.Err() != nil && errors.Is(err, jobCtx.Err()) {
			err = fmt.Errorf("job attempt aborted after %s: %w", time.Since(started).Round(time.Millisecond), err)
		}
		return err
	}

	logger.Debug("consumer finished",
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// invoke runs the consumer, converting panics into errors so one bad
// payload cannot take down the pool.
func (w *Worker) invoke(ctx context.Context, c Consumer, j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("consumer panicked",
				slog.String("job_id", j.JobID),
				slog.String("job_type", j.JobType),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s consumer: %v", j.JobType, r)
		}
	}()
	return c.Consume(ctx, j)
}

// heartbeatLoop extends the job's lease while the consumer runs. Losing the
// lease cancels the job context: another worker may already be re-running
// the attempt, so continuing only multiplies side effects.
func (w *Worker) heartbeatLoop(ctx context.Context, logger *slog.Logger, j *job.Job, cancel context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, j.JobID, w.workerID, w.leaseDuration)
			if err == nil {
				logger.Debug("lease extended")
				continue
			}
			if errors.Is(err, job.ErrLeaseLost) {
				logger.Warn("lease lost mid-attempt, canceling job context")
				cancel()
				return
			}
			logger.Warn("heartbeat failed", slog.String("error", err.Error()))
		}
	}
}
