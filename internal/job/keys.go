package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Idempotency keys are unique per (tenant, job type). The derivations below
// make re-entry after a crash collapse onto the already-enqueued job instead
// of producing a duplicate side effect.

// ActionKey derives the idempotency key for the job an Action node enqueues.
// The execution's row version at dispatch time is part of the key: replaying
// the dispatch after a crashed write reuses it, because the version did not
// move, while a later visit through a cycle gets a fresh key instead of
// colliding with the finished earlier job.
func ActionKey(executionID, nodeID string, rowVersion int) string {
	return fmt.Sprintf("wf-action:%s:%s:v%d", executionID, nodeID, rowVersion)
}

// ResumeKey derives the idempotency key for the workflow_resume job a Wait
// node schedules. The wake instant is part of the key, so every poll round
// of a condition wait is its own job and an abandoned round cannot absorb
// the one that was actually persisted.
func ResumeKey(executionID, nodeID string, at time.Time) string {
	return fmt.Sprintf("wf-resume:%s:%s:%d", executionID, nodeID, at.UnixNano())
}

// AdvanceKey derives the idempotency key for the workflow_resume job that
// re-enters an execution once its action job reaches a terminal state. Keyed
// by job id, so each dispatched action wakes the walk exactly once no matter
// how often the terminal hook fires.
func AdvanceKey(executionID, jobID string) string {
	return "wf-advance:" + executionID + ":" + jobID
}

// DeliveryKey derives the idempotency key for one webhook delivery job.
// Replays of the same business event fan out to the same key per endpoint.
func DeliveryKey(endpointID, eventID string) string {
	return "wh-delivery:" + endpointID + ":" + eventID
}

// NewID returns a fresh job id.
func NewID() string {
	return uuid.New().String()
}

// NewCorrelationID returns a fresh correlation id. Correlation ids are
// propagated across a job's entire causal chain; producers that already
// carry one pass it through instead.
func NewCorrelationID() string {
	return uuid.New().String()
}
