// Package workflow implements the automation engine: immutable versioned
// DAG definitions of trigger, condition, action, wait and goal nodes, and
// per-subject executions that walk them. Side effects leave through jobs;
// waits are persisted state plus a future-dated workflow_resume job, never
// a blocked thread.
package workflow

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDefinitionNotFound is returned when a workflow definition (or the
	// requested version of it) does not exist.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrExecutionNotFound is returned when a workflow execution does not
	// exist.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrInvalidDefinition is returned when a definition document fails
	// import validation. Invalid documents never reach the store.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrUnknownNodeType is returned when a document names a node type
	// outside the closed set.
	ErrUnknownNodeType = errors.New("unknown workflow node type")

	// ErrExecutionConflict is returned when a conditional execution update
	// loses against a concurrent writer. Callers reload and retry.
	ErrExecutionConflict = errors.New("workflow execution was modified concurrently")

	// ErrExecutionFinished is returned when an operation targets an
	// execution already in a terminal status.
	ErrExecutionFinished = errors.New("workflow execution already finished")

	// ErrDuplicateExecution is returned when an event that already
	// started an execution of a definition is delivered again.
	ErrDuplicateExecution = errors.New("execution already started for this event")

	// ErrInvalidEvent is returned when an event misses required fields.
	ErrInvalidEvent = errors.New("invalid workflow event")
)

// Variables is the key/value context an execution accumulates along its
// path. It round-trips as JSON in the store.
type Variables map[string]any

// Value implements driver.Valuer. The value travels as text: lib/pq
// hex-encodes []byte parameters as bytea, which jsonb columns reject.
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (v *Variables) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*v = Variables{}
		return nil
	case []byte:
		if len(s) == 0 {
			*v = Variables{}
			return nil
		}
		return json.Unmarshal(s, v)
	case string:
		if s == "" {
			*v = Variables{}
			return nil
		}
		return json.Unmarshal([]byte(s), v)
	}
	return fmt.Errorf("cannot scan %T into workflow variables", src)
}

// Clone returns a deep copy via a JSON round trip; nested maps and slices
// do not alias the original.
func (v Variables) Clone() Variables {
	if v == nil {
		return Variables{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// Variables always originate from JSON, so this cannot fire for
		// stored data; fall back to a shallow copy.
		out := make(Variables, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	}
	out := Variables{}
	_ = json.Unmarshal(raw, &out)
	return out
}
