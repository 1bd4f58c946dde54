package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Definition is one published, immutable version of a workflow. Editing
// publishes a new version under the same definition id; running
// executions keep the version they started on.
type Definition struct {
	DefinitionID string          `db:"definition_id" json:"definition_id"`
	TenantID     string          `db:"tenant_id"     json:"tenant_id"`
	Name         string          `db:"name"          json:"name"`
	Version      int             `db:"version"       json:"version"`
	Document     json.RawMessage `db:"document"      json:"document"`
	PublishedAt  time.Time       `db:"published_at"  json:"published_at"`
}

// Edge connects two nodes. Condition nodes label their outgoing edges
// "true", "false" or "default"; other nodes leave the label empty.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

const (
	EdgeTrue    = "true"
	EdgeFalse   = "false"
	EdgeDefault = "default"
)

// Graph is the parsed, validated form of a definition document.
type Graph struct {
	Nodes    map[string]Node
	Triggers []string
	Goals    []string

	outgoing map[string][]Edge
}

type documentJSON struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Triggers []string `json:"triggers,omitempty"`
	Goals    []string `json:"goals,omitempty"`
}

// ParseDocument decodes and validates a definition document. Structural
// problems (unknown node types, dangling edges, a condition node with no
// default edge, bad wait durations) are errors; nodes unreachable from
// every trigger are returned as warnings so authors can publish partial
// drafts deliberately.
func ParseDocument(doc json.RawMessage) (*Graph, []string, error) {
	var raw documentJSON
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(raw.Nodes) == 0 {
		return nil, nil, fmt.Errorf("%w: document has no nodes", ErrInvalidDefinition)
	}

	g := &Graph{
		Nodes:    make(map[string]Node, len(raw.Nodes)),
		outgoing: make(map[string][]Edge),
	}
	for _, n := range raw.Nodes {
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, n.ID)
		}
		if err := n.validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		g.Nodes[n.ID] = n
	}

	for _, e := range raw.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return nil, nil, fmt.Errorf("%w: edge references unknown node %q", ErrInvalidDefinition, e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return nil, nil, fmt.Errorf("%w: edge references unknown node %q", ErrInvalidDefinition, e.To)
		}
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
	}

	g.Triggers = raw.Triggers
	if len(g.Triggers) == 0 {
		for _, n := range raw.Nodes {
			if n.Type == NodeTrigger {
				g.Triggers = append(g.Triggers, n.ID)
			}
		}
	}
	g.Goals = raw.Goals
	if len(g.Goals) == 0 {
		for _, n := range raw.Nodes {
			if n.Type == NodeGoal {
				g.Goals = append(g.Goals, n.ID)
			}
		}
	}

	if len(g.Triggers) == 0 {
		return nil, nil, fmt.Errorf("%w: document has no trigger node", ErrInvalidDefinition)
	}
	if err := g.checkRoles(); err != nil {
		return nil, nil, err
	}
	if err := g.checkConditionEdges(); err != nil {
		return nil, nil, err
	}

	return g, g.unreachableWarnings(), nil
}

func (g *Graph) checkRoles() error {
	for _, id := range g.Triggers {
		n, ok := g.Nodes[id]
		if !ok {
			return fmt.Errorf("%w: trigger list references unknown node %q", ErrInvalidDefinition, id)
		}
		if n.Type != NodeTrigger {
			return fmt.Errorf("%w: node %q is listed as a trigger but has type %q", ErrInvalidDefinition, id, n.Type)
		}
	}
	for _, id := range g.Goals {
		n, ok := g.Nodes[id]
		if !ok {
			return fmt.Errorf("%w: goal list references unknown node %q", ErrInvalidDefinition, id)
		}
		if n.Type != NodeGoal {
			return fmt.Errorf("%w: node %q is listed as a goal but has type %q", ErrInvalidDefinition, id, n.Type)
		}
	}
	return nil
}

// checkConditionEdges requires every condition node to carry a default
// edge, so evaluation can always leave the node even when neither
// labeled branch matches.
func (g *Graph) checkConditionEdges() error {
	for id, n := range g.Nodes {
		if n.Type != NodeCondition {
			continue
		}
		hasDefault := false
		for _, e := range g.outgoing[id] {
			if e.Label == EdgeDefault {
				hasDefault = true
				break
			}
		}
		if !hasDefault {
			return fmt.Errorf("%w: condition node %q has no default edge", ErrInvalidDefinition, id)
		}
	}
	return nil
}

// unreachableWarnings lists nodes no trigger can reach. Goal nodes are
// exempt: their criteria run globally, so they are live even with no
// inbound edge.
func (g *Graph) unreachableWarnings() []string {
	seen := make(map[string]bool, len(g.Nodes))
	queue := make([]string, 0, len(g.Triggers))
	for _, id := range g.Triggers {
		seen[id] = true
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[id] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	goals := make(map[string]bool, len(g.Goals))
	for _, id := range g.Goals {
		goals[id] = true
	}

	var warnings []string
	for id := range g.Nodes {
		if !seen[id] && !goals[id] {
			warnings = append(warnings, fmt.Sprintf("node %q is unreachable from every trigger", id))
		}
	}
	return warnings
}

// Next returns the first outgoing edge of a node, or nil at a leaf.
func (g *Graph) Next(nodeID string) *Edge {
	edges := g.outgoing[nodeID]
	if len(edges) == 0 {
		return nil
	}
	return &edges[0]
}

// BranchEdge picks the outgoing edge matching a condition result,
// falling back to the default edge.
func (g *Graph) BranchEdge(nodeID string, result bool) (*Edge, error) {
	want := EdgeFalse
	if result {
		want = EdgeTrue
	}
	var fallback *Edge
	for i := range g.outgoing[nodeID] {
		e := &g.outgoing[nodeID][i]
		switch e.Label {
		case want:
			return e, nil
		case EdgeDefault:
			if fallback == nil {
				fallback = e
			}
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("condition node %q has no %q edge and no default", nodeID, want)
}

// Node fetches a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}
