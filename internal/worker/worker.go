// Package worker runs the job processing runtime: a goroutine pool fed by
// two sources, a poll loop claiming due jobs from the store and a RabbitMQ
// dispatcher turning wake-up hints into targeted claims. The store is the
// single source of truth; a hint is never a claim.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
)

// Consumer executes jobs of one type. Consume classifies its failures with
// job.Permanent / job.Transient; unclassified errors are treated as
// transient by the queue core.
type Consumer interface {
	Type() string
	Consume(ctx context.Context, j *job.Job) error
}

// HintBus delivers wake-up hints published for claimable jobs.
type HintBus interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Options configures a Worker.
type Options struct {
	Queue     *queue.Queue
	Consumers []Consumer

	// Hints is optional. Without it the worker runs on polling alone.
	Hints HintBus

	// TerminalHooks run after a job this worker processed reaches a
	// terminal status, with the terminal snapshot.
	TerminalHooks []func(ctx context.Context, j *job.Job)

	Concurrency       int
	PrefetchCount     int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration

	WorkerID string
	Logger   *slog.Logger
}

// Worker claims jobs and drives them through their registered consumers.
type Worker struct {
	queue         *queue.Queue
	hints         HintBus
	consumers     map[string]Consumer
	terminalHooks []func(ctx context.Context, j *job.Job)

	concurrency       int
	prefetchCount     int
	pollInterval      time.Duration
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	jobTimeout        time.Duration

	workerID string
	logger   *slog.Logger

	jobsChan chan *job.Job
}

// New validates options and creates a Worker.
func New(opts *Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if len(opts.Consumers) == 0 {
		return nil, errors.New("worker: at least one consumer is required")
	}

	consumers := make(map[string]Consumer, len(opts.Consumers))
	for _, c := range opts.Consumers {
		if c.Type() == "" {
			return nil, errors.New("worker: consumer with empty job type")
		}
		if _, dup := consumers[c.Type()]; dup {
			return nil, fmt.Errorf("worker: duplicate consumer for job type %q", c.Type())
		}
		consumers[c.Type()] = c
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	prefetch := opts.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency * 2
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	lease := opts.LeaseDuration
	if lease <= 0 {
		lease = 30 * time.Second
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = lease / 3
	}
	if heartbeat >= lease {
		return nil, fmt.Errorf("worker: heartbeat interval %s must be shorter than the lease %s", heartbeat, lease)
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}

	workerID := opts.WorkerID
	if workerID == "" {
		workerID = "worker-" + job.NewID()[:8]
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:             opts.Queue,
		hints:             opts.Hints,
		consumers:         consumers,
		terminalHooks:     opts.TerminalHooks,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		pollInterval:      pollInterval,
		leaseDuration:     lease,
		heartbeatInterval: heartbeat,
		jobTimeout:        jobTimeout,
		workerID:          workerID,
		logger:            logger,
		jobsChan:          make(chan *job.Job, concurrency),
	}, nil
}

// Run processes jobs until ctx is canceled, then drains: the claim sources
// stop first, the pool finishes jobs already claimed, and Run returns.
// In-flight consumers keep their own timeout during the drain; the caller
// bounds the total shutdown time.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("lease", w.leaseDuration),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	var poolWG sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		poolWG.Add(1)
		go func(n int) {
			defer poolWG.Done()
			w.poolLoop(ctx, n)
		}(i)
	}

	var sourceWG sync.WaitGroup
	sourceWG.Add(1)
	go func() {
		defer sourceWG.Done()
		w.pollLoop(ctx)
	}()

	if w.hints != nil {
		deliveries, err := w.subscribeHints()
		if err != nil {
			// Polling still drives every job; hints only cut latency.
			w.logger.Error("hint subscription failed, running on polling alone",
				slog.String("error", err.Error()),
			)
		} else {
			sourceWG.Add(1)
			go func() {
				defer sourceWG.Done()
				w.dispatchHints(ctx, deliveries)
			}()
		}
	}

	<-ctx.Done()
	sourceWG.Wait()
	close(w.jobsChan)
	poolWG.Wait()

	w.logger.Info("worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// pollLoop periodically claims due jobs. It is the reliability floor: it
// picks up jobs whose hints were lost and jobs whose leases expired.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.drainDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainDue(ctx)
		}
	}
}

// drainDue claims due jobs until the store reports none.
func (w *Worker) drainDue(ctx context.Context) {
	for {
		j, err := w.queue.Claim(ctx, w.workerID, w.leaseDuration)
		if err != nil {
			if errors.Is(err, job.ErrNoJobDue) || ctx.Err() != nil {
				return
			}
			w.logger.Warn("claim failed",
				slog.String("worker_id", w.workerID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !w.handOff(ctx, j) {
			return
		}
	}
}

// handOff passes a claimed job to the pool. On shutdown the job is dropped;
// its lease expires and another worker claims it.
func (w *Worker) handOff(ctx context.Context, j *job.Job) bool {
	select {
	case w.jobsChan <- j:
		return true
	case <-ctx.Done():
		w.logger.Debug("claimed job dropped during shutdown, lease will re-expose it",
			slog.String("job_id", j.JobID),
		)
		return false
	}
}
