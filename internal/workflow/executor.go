package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
)

// ResumeReason records why a workflow_resume job exists.
type ResumeReason string

const (
	// resumeWake fires when a delay or until wait elapses.
	resumeWake ResumeReason = "wake"
	// resumePoll fires one re-check of a condition wait.
	resumePoll ResumeReason = "poll"
	// resumeAdvance fires when an action job reached a terminal status.
	resumeAdvance ResumeReason = "advance"
)

// resumePayload is the body of a workflow_resume job. At carries the
// scheduled wake instant for waits, so a superseded poll round can be
// told apart from the live one.
type resumePayload struct {
	ExecutionID string       `json:"execution_id"`
	NodeID      string       `json:"node_id"`
	Reason      ResumeReason `json:"reason"`
	At          time.Time    `json:"at"`
}

// actionPayload is the envelope around an action node's job payload. The
// workflow fields let the terminal hook route the outcome back to the
// execution without a lookup.
type actionPayload struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Action      json.RawMessage `json:"action,omitempty"`
	Variables   Variables       `json:"variables,omitempty"`
}

// JobQueue is the slice of the queue core the workflow engine drives.
type JobQueue interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (*job.Job, error)
	Get(ctx context.Context, jobID string) (*job.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Store Store
	Queue JobQueue

	// MaxStepsPerRun caps how many nodes one run may step before the
	// execution is stopped as errored. It exists to turn a definition
	// that cycles without ever waiting into a diagnosable failure
	// instead of a hot loop. Defaults to 128.
	MaxStepsPerRun int

	Logger *slog.Logger
}

// Executor walks executions through their definition graphs. Every write
// goes through the store's conditional update, so concurrent resumes of
// the same execution cannot interleave; the loser reloads via job retry.
type Executor struct {
	store    Store
	queue    JobQueue
	maxSteps int
	logger   *slog.Logger
	graphs   graphCache
}

// NewExecutor creates an Executor from options.
func NewExecutor(opts ExecutorOptions) *Executor {
	maxSteps := opts.MaxStepsPerRun
	if maxSteps <= 0 {
		maxSteps = 128
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    opts.Store,
		queue:    opts.Queue,
		maxSteps: maxSteps,
		logger:   logger,
	}
}

// graphCache holds parsed definition graphs. Definitions are immutable
// per version, so entries never invalidate.
type graphCache struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

func (c *graphCache) get(definitionID string, version int) *Graph {
	key := definitionID + ":" + strconv.Itoa(version)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graphs[key]
}

func (c *graphCache) put(definitionID string, version int, g *Graph) {
	key := definitionID + ":" + strconv.Itoa(version)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graphs == nil {
		c.graphs = make(map[string]*Graph)
	}
	c.graphs[key] = g
}

// flowError marks a fault in the definition or its data: a condition over
// a mis-typed field, a missing branch edge, a dead-lettered action. Flow
// errors stop the execution as ERRORED; they never fail the job that was
// driving it, and they never touch other executions.
type flowError struct {
	err error
}

func (f *flowError) Error() string { return f.err.Error() }
func (f *flowError) Unwrap() error { return f.err }

func flowErrorf(format string, args ...any) error {
	return &flowError{err: fmt.Errorf(format, args...)}
}

func isFlowError(err error) bool {
	var f *flowError
	return errors.As(err, &f)
}

// stepOutcome reports how the walk proceeds after one node.
type stepOutcome int

const (
	// outcomeAdvance means the current node moved; keep walking.
	outcomeAdvance stepOutcome = iota
	// outcomeSuspend means the execution parked (wait or in-flight
	// action) or the event was a no-op; stop walking.
	outcomeSuspend
	// outcomeFinish means a terminal status was persisted; stop walking.
	outcomeFinish
)

// resumer is implemented by node configs that park the execution and get
// woken by a workflow_resume job. Configs outside this set are re-stepped
// when a resume lands on them.
type resumer interface {
	resume(ctx context.Context, e *Executor, run *runContext, p resumePayload) (stepOutcome, error)
}

// runContext carries one execution and its parsed graph through a walk.
type runContext struct {
	exec  *Execution
	graph *Graph
}

// Run walks the execution from its current node until it parks, finishes
// or exhausts the per-run step limit. Flow errors are absorbed into the
// execution's own ERRORED status; only infrastructure errors are returned.
func (e *Executor) Run(ctx context.Context, exec *Execution) error {
	graph, err := e.graphFor(ctx, exec)
	if err != nil {
		return err
	}
	return e.runLoop(ctx, &runContext{exec: exec, graph: graph})
}

func (e *Executor) runLoop(ctx context.Context, run *runContext) error {
	exec := run.exec
	for steps := 0; ; steps++ {
		if exec.Status.Terminal() {
			return nil
		}
		if steps >= e.maxSteps {
			return e.finishFlowError(ctx, run,
				flowErrorf("stopped after %d steps without waiting; the definition likely cycles", e.maxSteps))
		}

		goalID, reached, err := e.goalReached(run)
		if err != nil {
			return e.finishFlowError(ctx, run, err)
		}
		if reached {
			e.logger.Info("workflow goal reached",
				slog.String("execution_id", exec.ExecutionID),
				slog.String("goal_node_id", goalID))
			return e.finishStatus(ctx, run, ExecutionGoalReached)
		}

		node, ok := run.graph.Node(exec.CurrentNodeID)
		if !ok {
			return e.finishFlowError(ctx, run,
				flowErrorf("current node %q is not in the definition", exec.CurrentNodeID))
		}

		outcome, err := node.Config.step(ctx, e, run)
		if err != nil {
			if isFlowError(err) {
				return e.finishFlowError(ctx, run, err)
			}
			return err
		}
		if outcome != outcomeAdvance {
			return nil
		}
	}
}

// goalReached evaluates every goal's criteria against the current
// variables. Goals short-circuit the walk wherever it stands.
func (e *Executor) goalReached(run *runContext) (string, bool, error) {
	for _, id := range run.graph.Goals {
		node, ok := run.graph.Node(id)
		if !ok {
			continue
		}
		cfg, ok := node.Config.(*GoalConfig)
		if !ok {
			continue
		}
		met, err := evaluateAll(cfg.Criteria, run.exec.Variables)
		if err != nil {
			return "", false, flowErrorf("goal %q: %v", id, err)
		}
		if met {
			return id, true, nil
		}
	}
	return "", false, nil
}

// advance follows the current node's outgoing edge, or completes the
// execution at a leaf. The move is persisted before the loop continues.
func (e *Executor) advance(ctx context.Context, run *runContext) (stepOutcome, error) {
	exec := run.exec
	edge := run.graph.Next(exec.CurrentNodeID)
	if edge == nil {
		return outcomeFinish, e.finishStatus(ctx, run, ExecutionCompleted)
	}
	exec.CurrentNodeID = edge.To
	if err := e.persist(ctx, exec); err != nil {
		return 0, err
	}
	return outcomeAdvance, nil
}

func (e *Executor) persist(ctx context.Context, exec *Execution) error {
	exec.UpdatedAt = time.Now().UTC()
	return e.store.UpdateExecution(ctx, exec)
}

func (e *Executor) finishStatus(ctx context.Context, run *runContext, status ExecutionStatus) error {
	exec := run.exec
	now := time.Now().UTC()
	exec.Status = status
	exec.ResumeAt = nil
	exec.ActionJobID = ""
	exec.CompletedAt = &now
	if err := e.persist(ctx, exec); err != nil {
		return err
	}
	e.logger.Info("workflow execution finished",
		slog.String("execution_id", exec.ExecutionID),
		slog.String("status", string(status)),
		slog.String("node_id", exec.CurrentNodeID))
	return nil
}

// finishFlowError persists the execution as errored and swallows the flow
// error, so the driving job completes. Store errors still bubble.
func (e *Executor) finishFlowError(ctx context.Context, run *runContext, ferr error) error {
	exec := run.exec
	now := time.Now().UTC()
	exec.Status = ExecutionErrored
	exec.LastError = ferr.Error()
	exec.ResumeAt = nil
	exec.ActionJobID = ""
	exec.CompletedAt = &now
	if err := e.persist(ctx, exec); err != nil {
		return err
	}
	e.logger.Error("workflow execution errored",
		slog.String("execution_id", exec.ExecutionID),
		slog.String("node_id", exec.CurrentNodeID),
		slog.String("error", ferr.Error()))
	return nil
}

func (e *Executor) graphFor(ctx context.Context, exec *Execution) (*Graph, error) {
	if g := e.graphs.get(exec.DefinitionID, exec.DefinitionVersion); g != nil {
		return g, nil
	}
	def, err := e.store.GetDefinition(ctx, exec.DefinitionID, exec.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return e.graphForDefinition(def)
}

// graphForDefinition parses (or recalls) the graph of one definition
// version. Versions are immutable, so cached entries never go stale.
func (e *Executor) graphForDefinition(def *Definition) (*Graph, error) {
	if g := e.graphs.get(def.DefinitionID, def.Version); g != nil {
		return g, nil
	}
	g, _, err := ParseDocument(def.Document)
	if err != nil {
		return nil, err
	}
	e.graphs.put(def.DefinitionID, def.Version, g)
	return g, nil
}

// step implementations. One per node type; the NodeConfig interface makes
// a type without one fail to compile.

// Trigger nodes already matched when the execution was created; stepping
// one only moves the walk forward.
func (c *TriggerConfig) step(ctx context.Context, e *Executor, run *runContext) (stepOutcome, error) {
	return e.advance(ctx, run)
}

func (c *ConditionConfig) step(ctx context.Context, e *Executor, run *runContext) (stepOutcome, error) {
	exec := run.exec
	result, err := evaluateAll(c.If, exec.Variables)
	if err != nil {
		return 0, &flowError{err: err}
	}
	edge, err := run.graph.BranchEdge(exec.CurrentNodeID, result)
	if err != nil {
		return 0, &flowError{err: err}
	}
	exec.CurrentNodeID = edge.To
	if err := e.persist(ctx, exec); err != nil {
		return 0, err
	}
	return outcomeAdvance, nil
}

func (c *ActionConfig) step(ctx context.Context, e *Executor, run *runContext) (stepOutcome, error) {
	exec := run.exec
	body, err := json.Marshal(actionPayload{
		ExecutionID: exec.ExecutionID,
		NodeID:      exec.CurrentNodeID,
		Action:      c.Payload,
		Variables:   exec.Variables,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal action payload: %w", err)
	}

	j, err := e.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:       exec.TenantID,
		JobType:        c.JobType,
		Payload:        body,
		IdempotencyKey: job.ActionKey(exec.ExecutionID, exec.CurrentNodeID, exec.RowVersion),
		MaxAttempts:    c.MaxAttempts,
		CorrelationID:  exec.CorrelationID,
		ExecutionID:    exec.ExecutionID,
	})
	if err != nil {
		if errors.Is(err, job.ErrUnknownJobType) {
			return 0, flowErrorf("action job type %q is not registered", c.JobType)
		}
		return 0, fmt.Errorf("enqueue action job: %w", err)
	}

	// A crash between enqueue and persist makes the next dispatch adopt
	// the earlier job, which may already have finished.
	if j.Status.Terminal() {
		return e.settleAction(ctx, run, j)
	}

	exec.ActionJobID = j.JobID
	exec.Status = ExecutionActive
	if err := e.persist(ctx, exec); err != nil {
		return 0, err
	}
	e.logger.Info("workflow action dispatched",
		slog.String("execution_id", exec.ExecutionID),
		slog.String("node_id", exec.CurrentNodeID),
		slog.String("job_id", j.JobID),
		slog.String("job_type", c.JobType))
	return outcomeSuspend, nil
}

// settleAction folds a terminal action job back into the walk.
func (e *Executor) settleAction(ctx context.Context, run *runContext, j *job.Job) (stepOutcome, error) {
	exec := run.exec
	exec.ActionJobID = ""
	switch j.Status {
	case job.StatusSucceeded:
		return e.advance(ctx, run)
	case job.StatusDeadLettered:
		return 0, flowErrorf("action job %s dead-lettered: %s", j.JobID, j.LastError)
	case job.StatusCanceled:
		return 0, flowErrorf("action job %s was canceled", j.JobID)
	}
	return 0, fmt.Errorf("action job %s is not terminal", j.JobID)
}

func (c *ActionConfig) resume(ctx context.Context, e *Executor, run *runContext, p resumePayload) (stepOutcome, error) {
	j, err := e.queue.Get(ctx, run.exec.ActionJobID)
	if err != nil {
		return 0, fmt.Errorf("load action job: %w", err)
	}
	if !j.Status.Terminal() {
		// The hook fired against a state this replica has not observed
		// yet; retrying the resume job gets a consistent read.
		return 0, fmt.Errorf("action job %s is not terminal yet", j.JobID)
	}
	return e.settleAction(ctx, run, j)
}

func (c *WaitConfig) step(ctx context.Context, e *Executor, run *runContext) (stepOutcome, error) {
	exec := run.exec
	now := time.Now().UTC()

	var resumeAt time.Time
	reason := resumeWake
	switch c.Mode {
	case WaitDelay:
		d, err := ParseDelay(c.Delay)
		if err != nil {
			return 0, flowErrorf("wait delay: %v", err)
		}
		resumeAt = now.Add(d)
	case WaitUntil:
		t, err := ParseWhen(c.Until)
		if err != nil {
			return 0, flowErrorf("wait until: %v", err)
		}
		resumeAt = t
	case WaitCondition:
		met, err := c.Condition.Evaluate(exec.Variables)
		if err != nil {
			return 0, &flowError{err: err}
		}
		if met {
			return e.advance(ctx, run)
		}
		d, err := ParseDelay(c.pollInterval())
		if err != nil {
			return 0, flowErrorf("wait poll_interval: %v", err)
		}
		resumeAt = now.Add(d)
		reason = resumePoll
	default:
		return 0, flowErrorf("wait mode %q is not supported", c.Mode)
	}

	// Wake instants round-trip through timestamp columns, which carry
	// microseconds; truncating up front keeps the persisted value equal
	// to the one in the resume payload.
	resumeAt = resumeAt.Truncate(time.Microsecond)

	// An already-elapsed wait never parks.
	if !resumeAt.After(now) {
		return e.advance(ctx, run)
	}

	// The resume job goes in before the waiting state: if the write
	// below fails, the delivered job re-steps the node; the reverse
	// order could park the execution with nothing to wake it.
	if err := e.enqueueResume(ctx, exec, exec.CurrentNodeID, reason, resumeAt); err != nil {
		return 0, err
	}
	exec.Status = ExecutionWaiting
	exec.ResumeAt = &resumeAt
	if err := e.persist(ctx, exec); err != nil {
		return 0, err
	}
	e.logger.Info("workflow execution waiting",
		slog.String("execution_id", exec.ExecutionID),
		slog.String("node_id", exec.CurrentNodeID),
		slog.String("mode", string(c.Mode)),
		slog.Time("resume_at", resumeAt))
	return outcomeSuspend, nil
}

func (c *WaitConfig) resume(ctx context.Context, e *Executor, run *runContext, p resumePayload) (stepOutcome, error) {
	exec := run.exec

	if c.Mode == WaitCondition {
		met, err := c.Condition.Evaluate(exec.Variables)
		if err != nil {
			return 0, &flowError{err: err}
		}
		if !met {
			// Re-arm the next poll round before persisting its
			// schedule, same crash ordering as the initial park.
			d, err := ParseDelay(c.pollInterval())
			if err != nil {
				return 0, flowErrorf("wait poll_interval: %v", err)
			}
			next := time.Now().UTC().Add(d).Truncate(time.Microsecond)
			if err := e.enqueueResume(ctx, exec, exec.CurrentNodeID, resumePoll, next); err != nil {
				return 0, err
			}
			exec.Status = ExecutionWaiting
			exec.ResumeAt = &next
			if err := e.persist(ctx, exec); err != nil {
				return 0, err
			}
			return outcomeSuspend, nil
		}
	}

	exec.Status = ExecutionActive
	exec.ResumeAt = nil
	return e.advance(ctx, run)
}

// Goal nodes walked into directly behave like the global check: criteria
// met finishes the execution, otherwise the walk passes through.
func (c *GoalConfig) step(ctx context.Context, e *Executor, run *runContext) (stepOutcome, error) {
	met, err := evaluateAll(c.Criteria, run.exec.Variables)
	if err != nil {
		return 0, &flowError{err: err}
	}
	if met {
		return outcomeFinish, e.finishStatus(ctx, run, ExecutionGoalReached)
	}
	return e.advance(ctx, run)
}

func (e *Executor) enqueueResume(ctx context.Context, exec *Execution, nodeID string, reason ResumeReason, at time.Time) error {
	body, err := json.Marshal(resumePayload{
		ExecutionID: exec.ExecutionID,
		NodeID:      nodeID,
		Reason:      reason,
		At:          at,
	})
	if err != nil {
		return fmt.Errorf("marshal resume payload: %w", err)
	}
	_, err = e.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:       exec.TenantID,
		JobType:        job.TypeWorkflowResume,
		Payload:        body,
		IdempotencyKey: job.ResumeKey(exec.ExecutionID, nodeID, at),
		NotBefore:      at,
		CorrelationID:  exec.CorrelationID,
		ExecutionID:    exec.ExecutionID,
	})
	if err != nil {
		return fmt.Errorf("enqueue resume job: %w", err)
	}
	return nil
}

// Type implements the worker consumer contract for workflow_resume jobs.
func (e *Executor) Type() string {
	return job.TypeWorkflowResume
}

// Consume handles one workflow_resume job: it re-enters the execution,
// applies the resume and continues the walk. Stale resumes from
// superseded poll rounds or already-finished executions succeed as
// no-ops.
func (e *Executor) Consume(ctx context.Context, j *job.Job) error {
	var p resumePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return job.Permanent(fmt.Errorf("malformed resume payload: %w", err))
	}
	if p.ExecutionID == "" || p.NodeID == "" {
		return job.Permanent(errors.New("resume payload misses execution or node id"))
	}

	exec, err := e.store.GetExecution(ctx, p.ExecutionID)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return job.Permanent(err)
		}
		return err
	}
	if exec.Status.Terminal() {
		e.logger.Debug("resume dropped, execution already finished",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("status", string(exec.Status)))
		return nil
	}

	graph, err := e.graphFor(ctx, exec)
	if err != nil {
		if errors.Is(err, ErrDefinitionNotFound) || errors.Is(err, ErrInvalidDefinition) {
			return job.Permanent(err)
		}
		return err
	}
	run := &runContext{exec: exec, graph: graph}

	outcome, err := e.applyResume(ctx, run, p)
	if err != nil {
		if isFlowError(err) {
			return e.finishFlowError(ctx, run, err)
		}
		return err
	}
	if outcome == outcomeAdvance {
		return e.runLoop(ctx, run)
	}
	return nil
}

// applyResume validates the resume against the execution's position and
// dispatches to the node's resume behavior. outcomeAdvance asks the
// caller to continue the walk from the current node.
func (e *Executor) applyResume(ctx context.Context, run *runContext, p resumePayload) (stepOutcome, error) {
	exec := run.exec
	if exec.CurrentNodeID != p.NodeID {
		e.logger.Debug("stale resume dropped, execution moved on",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("resume_node_id", p.NodeID),
			slog.String("current_node_id", exec.CurrentNodeID))
		return outcomeSuspend, nil
	}
	node, ok := run.graph.Node(exec.CurrentNodeID)
	if !ok {
		return 0, flowErrorf("current node %q is not in the definition", exec.CurrentNodeID)
	}

	switch node.Type {
	case NodeAction:
		if exec.ActionJobID == "" {
			// The dispatch was never recorded; re-stepping adopts the
			// already-enqueued job through its idempotency key.
			return outcomeAdvance, nil
		}
	case NodeWait:
		// A wake from a superseded poll round carries a stale instant.
		if exec.Status == ExecutionWaiting && exec.ResumeAt != nil &&
			!p.At.IsZero() && !p.At.Equal(*exec.ResumeAt) {
			e.logger.Debug("stale resume dropped, wake instant superseded",
				slog.String("execution_id", exec.ExecutionID),
				slog.Time("resume_at", p.At),
				slog.Time("current_resume_at", *exec.ResumeAt))
			return outcomeSuspend, nil
		}
	}

	r, ok := node.Config.(resumer)
	if !ok {
		// A resume landed on a node that never parks; the walk crashed
		// between moving here and handling the node. Re-step it.
		return outcomeAdvance, nil
	}
	return r.resume(ctx, e, run, p)
}

// OnJobTerminal is installed as a worker terminal hook. When a job owned
// by an execution reaches a terminal status, it schedules the resume that
// folds the outcome back into the walk. Failures only log: the resume is
// recreated the next time the terminal hook fires for this job, and the
// advance key keeps duplicates collapsed.
func (e *Executor) OnJobTerminal(ctx context.Context, j *job.Job) {
	if j.ExecutionID == "" || j.JobType == job.TypeWorkflowResume {
		return
	}
	var p actionPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil || p.NodeID == "" {
		e.logger.Warn("terminal job carries an execution id without a workflow envelope",
			slog.String("job_id", j.JobID),
			slog.String("execution_id", j.ExecutionID))
		return
	}
	body, err := json.Marshal(resumePayload{
		ExecutionID: j.ExecutionID,
		NodeID:      p.NodeID,
		Reason:      resumeAdvance,
	})
	if err != nil {
		return
	}
	_, err = e.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:       j.TenantID,
		JobType:        job.TypeWorkflowResume,
		Payload:        body,
		IdempotencyKey: job.AdvanceKey(j.ExecutionID, j.JobID),
		CorrelationID:  j.CorrelationID,
		ExecutionID:    j.ExecutionID,
	})
	if err != nil {
		e.logger.Error("failed to schedule workflow advance",
			slog.String("job_id", j.JobID),
			slog.String("execution_id", j.ExecutionID),
			slog.String("error", err.Error()))
	}
}
