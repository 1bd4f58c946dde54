package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCondition_Evaluate(t *testing.T) {
	vars := Variables{
		"plan":   "pro",
		"visits": float64(12),
		"tags":   []any{"beta", "newsletter"},
		"note":   "",
		"contact": map[string]any{
			"country": "DE",
			"score":   float64(7),
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals matches string", Condition{Field: "plan", Op: OpEquals, Value: "pro"}, true},
		{"equals rejects other string", Condition{Field: "plan", Op: OpEquals, Value: "free"}, false},
		{"equals normalizes numerics", Condition{Field: "visits", Op: OpEquals, Value: 12}, true},
		{"equals on missing field is false", Condition{Field: "ghost", Op: OpEquals, Value: "x"}, false},
		{"not-equals on differing value", Condition{Field: "plan", Op: OpNotEquals, Value: "free"}, true},
		{"not-equals on missing field is true", Condition{Field: "ghost", Op: OpNotEquals, Value: "x"}, true},
		{"greater-than", Condition{Field: "visits", Op: OpGreaterThan, Value: 10}, true},
		{"greater-than equal value is false", Condition{Field: "visits", Op: OpGreaterThan, Value: 12}, false},
		{"less-than", Condition{Field: "visits", Op: OpLessThan, Value: 20}, true},
		{"ordering on missing field is false", Condition{Field: "ghost", Op: OpGreaterThan, Value: 1}, false},
		{"contains substring", Condition{Field: "plan", Op: OpContains, Value: "r"}, true},
		{"contains slice element", Condition{Field: "tags", Op: OpContains, Value: "beta"}, true},
		{"contains missing slice element", Condition{Field: "tags", Op: OpContains, Value: "vip"}, false},
		{"is-set on present field", Condition{Field: "plan", Op: OpIsSet}, true},
		{"is-set on empty string is false", Condition{Field: "note", Op: OpIsSet}, false},
		{"is-set on missing field is false", Condition{Field: "ghost", Op: OpIsSet}, false},
		{"dotted path into nested object", Condition{Field: "contact.country", Op: OpEquals, Value: "DE"}, true},
		{"dotted path ordering", Condition{Field: "contact.score", Op: OpLessThan, Value: 10}, true},
		{"dotted path through non-object is false", Condition{Field: "plan.inner", Op: OpIsSet}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cond.Evaluate(vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCondition_EvaluateErrors(t *testing.T) {
	vars := Variables{
		"plan":   "pro",
		"visits": float64(3),
	}

	tests := []struct {
		name string
		cond Condition
	}{
		{"greater-than on a string", Condition{Field: "plan", Op: OpGreaterThan, Value: 1}},
		{"greater-than against a string value", Condition{Field: "visits", Op: OpGreaterThan, Value: "many"}},
		{"contains on a number", Condition{Field: "visits", Op: OpContains, Value: "3"}},
		{"contains with non-string needle on string", Condition{Field: "plan", Op: OpContains, Value: 1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cond.Evaluate(vars)
			assert.Error(t, err)
		})
	}
}

func TestEvaluateAll(t *testing.T) {
	vars := Variables{"plan": "pro", "visits": float64(5)}

	all := []Condition{
		{Field: "plan", Op: OpEquals, Value: "pro"},
		{Field: "visits", Op: OpGreaterThan, Value: 1},
	}
	ok, err := evaluateAll(all, vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluateAll(append(all, Condition{Field: "plan", Op: OpEquals, Value: "free"}), vars)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = evaluateAll(nil, vars)
	require.NoError(t, err)
	assert.True(t, ok, "empty condition list always holds")
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "90s", want: 90 * time.Second},
		{in: "15m", want: 15 * time.Minute},
		{in: "2h30m", want: 2*time.Hour + 30*time.Minute},
		{in: "3d", want: 72 * time.Hour},
		{in: "1d12h", want: 36 * time.Hour},
		{in: "0s", want: 0},
		{in: "", wantErr: true},
		{in: "soon", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "d", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDelay(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseWhen(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2026-03-01T09:00:00Z", want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{in: "2026-03-01T10:00:00+02:00", want: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)},
		{in: "2026-03-01T09:00:00", want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{in: "2026-03-01 09:00:00", want: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{in: "2026-03-01", want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{in: "March 1st", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseWhen(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tc.want), "got %v want %v", got, tc.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}
