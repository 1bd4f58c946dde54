package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opdesk/conveyor/internal/job"
)

// NodeType identifies a node's behavior. The set is closed; documents
// naming anything else are rejected at import.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeWait      NodeType = "wait"
	NodeGoal      NodeType = "goal"
)

// NodeConfig is the per-type configuration of a node. The interface is
// sealed by the unexported methods: every variant lives in this package,
// and a variant without a step implementation does not compile, so the
// interpreter can never meet a node it has no behavior for.
type NodeConfig interface {
	nodeType() NodeType
	validate() error
	// step runs the node once and reports how the walk proceeds.
	step(ctx context.Context, e *Executor, run *runContext) (stepOutcome, error)
}

// Node is one vertex of a definition graph.
type Node struct {
	ID     string
	Type   NodeType
	Config NodeConfig
}

type nodeJSON struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON decodes the config against the concrete type named by
// the node's type field.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("node id is required")
	}

	var cfg NodeConfig
	switch raw.Type {
	case NodeTrigger:
		cfg = &TriggerConfig{}
	case NodeCondition:
		cfg = &ConditionConfig{}
	case NodeAction:
		cfg = &ActionConfig{}
	case NodeWait:
		cfg = &WaitConfig{}
	case NodeGoal:
		cfg = &GoalConfig{}
	default:
		return fmt.Errorf("node %q: %w: %q", raw.ID, ErrUnknownNodeType, raw.Type)
	}
	if len(raw.Config) > 0 {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("node %q: invalid config: %w", raw.ID, err)
		}
	}

	n.ID = raw.ID
	n.Type = raw.Type
	n.Config = cfg
	return nil
}

// MarshalJSON emits the same shape UnmarshalJSON reads.
func (n Node) MarshalJSON() ([]byte, error) {
	raw := nodeJSON{ID: n.ID, Type: n.Type}
	if n.Config != nil {
		cfg, err := json.Marshal(n.Config)
		if err != nil {
			return nil, err
		}
		raw.Config = cfg
	}
	return json.Marshal(raw)
}

func (n Node) validate() error {
	if n.Config == nil {
		return fmt.Errorf("node %q has no config", n.ID)
	}
	if err := n.Config.validate(); err != nil {
		return fmt.Errorf("node %q: %w", n.ID, err)
	}
	return nil
}

// TriggerConfig starts an execution when a matching event arrives.
// Conditions are evaluated against the event payload before anything is
// created, so non-matching events are free.
type TriggerConfig struct {
	EventType  string      `json:"event_type"`
	Conditions []Condition `json:"conditions,omitempty"`
}

func (*TriggerConfig) nodeType() NodeType { return NodeTrigger }

func (c *TriggerConfig) validate() error {
	if c.EventType == "" {
		return fmt.Errorf("trigger event_type is required")
	}
	for _, cond := range c.Conditions {
		if err := cond.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether an event of the given type and payload fires
// this trigger.
func (c *TriggerConfig) Matches(eventType string, vars Variables) (bool, error) {
	if eventType != c.EventType {
		return false, nil
	}
	return evaluateAll(c.Conditions, vars)
}

// ConditionConfig branches the walk. All clauses must hold for the true
// edge to be taken.
type ConditionConfig struct {
	If []Condition `json:"if"`
}

func (*ConditionConfig) nodeType() NodeType { return NodeCondition }

func (c *ConditionConfig) validate() error {
	if len(c.If) == 0 {
		return fmt.Errorf("condition node needs at least one clause")
	}
	for _, cond := range c.If {
		if err := cond.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ActionConfig enqueues a job of the named type and suspends the
// execution until that job reaches a terminal status.
type ActionConfig struct {
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

func (*ActionConfig) nodeType() NodeType { return NodeAction }

func (c *ActionConfig) validate() error {
	if c.JobType == "" {
		return fmt.Errorf("action job_type is required")
	}
	if c.JobType == job.TypeWorkflowResume {
		return fmt.Errorf("action job_type %q is reserved", c.JobType)
	}
	if len(c.Payload) > 0 && !json.Valid(c.Payload) {
		return fmt.Errorf("action payload is not valid JSON")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("action max_attempts must not be negative")
	}
	return nil
}

// WaitConfig pauses the execution. Delay and until waits resume at a
// known instant; condition waits re-check on every poll interval.
type WaitConfig struct {
	Mode         WaitMode   `json:"mode"`
	Delay        string     `json:"delay,omitempty"`
	Until        string     `json:"until,omitempty"`
	Condition    *Condition `json:"condition,omitempty"`
	PollInterval string     `json:"poll_interval,omitempty"`
}

// defaultPollInterval applies when a condition wait leaves the interval
// unset.
const defaultPollInterval = "1m"

func (*WaitConfig) nodeType() NodeType { return NodeWait }

func (c *WaitConfig) validate() error {
	switch c.Mode {
	case WaitDelay:
		if _, err := ParseDelay(c.Delay); err != nil {
			return fmt.Errorf("wait delay: %w", err)
		}
	case WaitUntil:
		if _, err := ParseWhen(c.Until); err != nil {
			return fmt.Errorf("wait until: %w", err)
		}
	case WaitCondition:
		if c.Condition == nil {
			return fmt.Errorf("condition wait needs a condition")
		}
		if err := c.Condition.validate(); err != nil {
			return err
		}
		if _, err := ParseDelay(c.pollInterval()); err != nil {
			return fmt.Errorf("wait poll_interval: %w", err)
		}
	default:
		return fmt.Errorf("wait mode %q is not supported", c.Mode)
	}
	return nil
}

func (c *WaitConfig) pollInterval() string {
	if c.PollInterval == "" {
		return defaultPollInterval
	}
	return c.PollInterval
}

// GoalConfig names the outcome the definition exists to reach. Goal
// criteria are re-evaluated before every step of every execution, not
// only when the walk arrives at the goal node.
type GoalConfig struct {
	Criteria []Condition `json:"criteria"`
}

func (*GoalConfig) nodeType() NodeType { return NodeGoal }

func (c *GoalConfig) validate() error {
	if len(c.Criteria) == 0 {
		return fmt.Errorf("goal needs at least one criterion")
	}
	for _, cond := range c.Criteria {
		if err := cond.validate(); err != nil {
			return err
		}
	}
	return nil
}
