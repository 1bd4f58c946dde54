package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signupFlowDoc = `{
	"nodes": [
		{"id": "t1", "type": "trigger", "config": {"event_type": "contact.created"}},
		{"id": "c1", "type": "condition", "config": {"if": [{"field": "plan", "op": "equals", "value": "pro"}]}},
		{"id": "a1", "type": "action", "config": {"job_type": "send_email", "payload": {"template": "welcome_pro"}}},
		{"id": "w1", "type": "wait", "config": {"mode": "delay", "delay": "2d"}},
		{"id": "a2", "type": "action", "config": {"job_type": "send_email", "payload": {"template": "welcome"}}},
		{"id": "g1", "type": "goal", "config": {"criteria": [{"field": "activated", "op": "equals", "value": true}]}}
	],
	"edges": [
		{"from": "t1", "to": "c1"},
		{"from": "c1", "to": "a1", "label": "true"},
		{"from": "c1", "to": "w1", "label": "default"},
		{"from": "w1", "to": "a2"}
	]
}`

func TestParseDocument(t *testing.T) {
	g, warnings, err := ParseDocument(json.RawMessage(signupFlowDoc))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Len(t, g.Nodes, 6)
	assert.Equal(t, []string{"t1"}, g.Triggers, "triggers inferred from node types")
	assert.Equal(t, []string{"g1"}, g.Goals, "goals inferred from node types")

	next := g.Next("t1")
	require.NotNil(t, next)
	assert.Equal(t, "c1", next.To)
	assert.Nil(t, g.Next("a1"), "leaf node has no outgoing edge")

	edge, err := g.BranchEdge("c1", true)
	require.NoError(t, err)
	assert.Equal(t, "a1", edge.To)

	edge, err = g.BranchEdge("c1", false)
	require.NoError(t, err)
	assert.Equal(t, "w1", edge.To, "no false edge falls back to default")

	node, ok := g.Node("w1")
	require.True(t, ok)
	wait, ok := node.Config.(*WaitConfig)
	require.True(t, ok)
	assert.Equal(t, WaitDelay, wait.Mode)
}

func TestParseDocument_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{
			name:    "unknown node type",
			doc:     `{"nodes": [{"id": "x", "type": "webhook", "config": {}}], "edges": []}`,
			wantMsg: "unknown workflow node type",
		},
		{
			name:    "no nodes",
			doc:     `{"nodes": [], "edges": []}`,
			wantMsg: "no nodes",
		},
		{
			name: "duplicate node id",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
				{"id": "t1", "type": "trigger", "config": {"event_type": "b"}}
			], "edges": []}`,
			wantMsg: "duplicate node id",
		},
		{
			name: "edge to unknown node",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}}
			], "edges": [{"from": "t1", "to": "ghost"}]}`,
			wantMsg: `unknown node "ghost"`,
		},
		{
			name: "condition without default edge",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
				{"id": "c1", "type": "condition", "config": {"if": [{"field": "x", "op": "is-set"}]}},
				{"id": "g1", "type": "goal", "config": {"criteria": [{"field": "y", "op": "is-set"}]}}
			], "edges": [
				{"from": "t1", "to": "c1"},
				{"from": "c1", "to": "g1", "label": "true"}
			]}`,
			wantMsg: "no default edge",
		},
		{
			name:    "no trigger",
			doc:     `{"nodes": [{"id": "g1", "type": "goal", "config": {"criteria": [{"field": "x", "op": "is-set"}]}}], "edges": []}`,
			wantMsg: "no trigger",
		},
		{
			name: "trigger list naming a non-trigger node",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
				{"id": "a1", "type": "action", "config": {"job_type": "send_email"}}
			], "edges": [{"from": "t1", "to": "a1"}], "triggers": ["a1"]}`,
			wantMsg: "listed as a trigger",
		},
		{
			name:    "trigger without event type",
			doc:     `{"nodes": [{"id": "t1", "type": "trigger", "config": {}}], "edges": []}`,
			wantMsg: "event_type is required",
		},
		{
			name: "condition with unknown operator",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
				{"id": "c1", "type": "condition", "config": {"if": [{"field": "x", "op": "matches"}]}}
			], "edges": [{"from": "t1", "to": "c1"}, {"from": "c1", "to": "t1", "label": "default"}]}`,
			wantMsg: "operator",
		},
		{
			name: "wait with invalid delay",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
				{"id": "w1", "type": "wait", "config": {"mode": "delay", "delay": "fortnight"}}
			], "edges": [{"from": "t1", "to": "w1"}]}`,
			wantMsg: "wait delay",
		},
		{
			name: "wait with unparsable until date",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
				{"id": "w1", "type": "wait", "config": {"mode": "until", "until": "next tuesday"}}
			], "edges": [{"from": "t1", "to": "w1"}]}`,
			wantMsg: "wait until",
		},
		{
			name: "action with reserved job type",
			doc: `{"nodes": [
				{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
				{"id": "a1", "type": "action", "config": {"job_type": "workflow_resume"}}
			], "edges": [{"from": "t1", "to": "a1"}]}`,
			wantMsg: "reserved",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseDocument(json.RawMessage(tc.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.ErrorContains(t, err, tc.wantMsg)
		})
	}
}

func TestParseDocument_UnreachableNodesWarn(t *testing.T) {
	doc := `{"nodes": [
		{"id": "t1", "type": "trigger", "config": {"event_type": "a"}},
		{"id": "a1", "type": "action", "config": {"job_type": "send_email"}},
		{"id": "island", "type": "action", "config": {"job_type": "send_sms"}},
		{"id": "g1", "type": "goal", "config": {"criteria": [{"field": "done", "op": "is-set"}]}}
	], "edges": [{"from": "t1", "to": "a1"}]}`

	g, warnings, err := ParseDocument(json.RawMessage(doc))
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "island")
	assert.Len(t, g.Nodes, 4, "warnings do not drop nodes")
}

func TestNode_JSONRoundTrip(t *testing.T) {
	in := `{"id": "w1", "type": "wait", "config": {"mode": "condition", "condition": {"field": "opened", "op": "is-set"}, "poll_interval": "5m"}}`

	var n Node
	require.NoError(t, json.Unmarshal([]byte(in), &n))
	cfg, ok := n.Config.(*WaitConfig)
	require.True(t, ok)
	assert.Equal(t, WaitCondition, cfg.Mode)
	assert.Equal(t, "5m", cfg.PollInterval)
	require.NotNil(t, cfg.Condition)
	assert.Equal(t, OpIsSet, cfg.Condition.Op)

	out, err := json.Marshal(n)
	require.NoError(t, err)

	var again Node
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, n, again)
}
