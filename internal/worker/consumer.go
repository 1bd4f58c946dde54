package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opdesk/conveyor/internal/job"
)

// jobHint is the wake-up message published when a job becomes claimable.
type jobHint struct {
	JobID string `json:"job_id"`
}

// subscribeHints applies QoS and opens the hint delivery stream.
func (w *Worker) subscribeHints() (<-chan amqp.Delivery, error) {
	if err := w.hints.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := w.hints.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start hint consumer: %w", err)
	}

	w.logger.Info("hint dispatcher subscribed",
		slog.String("worker_id", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)
	return deliveries, nil
}

// dispatchHints turns hint deliveries into targeted claims until ctx is
// canceled or the stream closes. A closed stream is survivable: the poll
// loop keeps claiming, hints only cut latency.
func (w *Worker) dispatchHints(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("hint dispatcher stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("hint stream closed, continuing on polling alone")
				return
			}
			w.handleHint(ctx, d)
		}
	}
}

// handleHint claims the hinted job and hands it to the pool. Hints are
// always acked whatever the outcome: the claim alone decides who runs a
// job, and a lost hint costs at most one poll interval.
func (w *Worker) handleHint(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if err := d.Ack(false); err != nil {
			w.logger.Warn("failed to ack hint", slog.String("error", err.Error()))
		}
	}()

	var hint jobHint
	if err := json.Unmarshal(d.Body, &hint); err != nil || hint.JobID == "" {
		w.logger.Warn("malformed hint dropped",
			slog.String("body", string(d.Body)),
		)
		return
	}

	j, err := w.queue.ClaimByID(ctx, hint.JobID, w.workerID, w.leaseDuration)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobAlreadyClaimed),
			errors.Is(err, job.ErrNoJobDue),
			errors.Is(err, job.ErrJobNotFound):
			w.logger.Debug("hint not claimable",
				slog.String("job_id", hint.JobID),
				slog.String("reason", err.Error()),
			)
		case ctx.Err() != nil:
		default:
			w.logger.Warn("hinted claim failed",
				slog.String("job_id", hint.JobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	w.handOff(ctx, j)
}
