package job

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateIdempotencyKey is returned by Store.Insert when a job with
	// the same (tenant, type, idempotency key) already exists. Enqueue
	// resolves it to the existing job id.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNoJobDue is returned by claim operations when no claimable job is
	// due. It is the normal idle outcome, not a failure.
	ErrNoJobDue = errors.New("no job due")

	// ErrJobAlreadyClaimed is returned when a claim races another worker's
	// active lease, or targets a job no longer in a claimable status.
	ErrJobAlreadyClaimed = errors.New("job already claimed or not claimable")

	// ErrLeaseLost is returned when a heartbeat or completion call no longer
	// holds the lease it references. The attempt's effects stand; the job
	// may already be claimed by another worker.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrUnknownJobType is returned when an enqueue names a type absent from
	// the producer's registry. Rejected synchronously; never enters the queue.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a job payload fails validation.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrNotCancelable is returned when cancellation targets a job outside
	// PENDING/SCHEDULED. In-flight attempts are allowed to finish.
	ErrNotCancelable = errors.New("job is not in a cancelable status")
)

// PermanentError marks a consumer failure that retrying cannot fix, such as
// a semantic rejection by a receiver. The queue core dead-letters the job
// immediately, skipping remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// TransientError marks a consumer failure worth retrying, such as a timeout
// or rate limit. Errors with no classification are treated as transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain. Classification is supplied by the consumer; the queue core never
// inspects payload semantics.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
