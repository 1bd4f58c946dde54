package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Operator is a comparison applied to one execution variable.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not-equals"
	OpGreaterThan Operator = "greater-than"
	OpLessThan    Operator = "less-than"
	OpContains    Operator = "contains"
	OpIsSet       Operator = "is-set"
)

func (o Operator) valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpIsSet:
		return true
	}
	return false
}

// Condition compares the variable at Field against Value. Field supports
// dotted paths into nested objects ("contact.plan").
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
}

func (c Condition) validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	if !c.Op.valid() {
		return fmt.Errorf("condition operator %q is not supported", c.Op)
	}
	return nil
}

// Evaluate resolves the condition against vars. A missing field is never
// an error: equals, greater-than, less-than and contains are false,
// not-equals is true, is-set is false. Type mismatches on the ordering
// operators are reported as errors so a broken definition surfaces
// instead of silently taking one branch.
func (c Condition) Evaluate(vars Variables) (bool, error) {
	val, found := lookupPath(vars, c.Field)

	switch c.Op {
	case OpIsSet:
		return found && val != nil && val != "", nil
	case OpEquals:
		if !found {
			return false, nil
		}
		return valuesEqual(val, c.Value), nil
	case OpNotEquals:
		if !found {
			return true, nil
		}
		return !valuesEqual(val, c.Value), nil
	case OpGreaterThan, OpLessThan:
		if !found {
			return false, nil
		}
		cmp, err := compareNumeric(val, c.Value)
		if err != nil {
			return false, fmt.Errorf("condition on %q: %w", c.Field, err)
		}
		if c.Op == OpGreaterThan {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	case OpContains:
		if !found {
			return false, nil
		}
		return contains(val, c.Value)
	}
	return false, fmt.Errorf("condition operator %q is not supported", c.Op)
}

// evaluateAll is the AND over a condition list. An empty list is true.
func evaluateAll(conds []Condition, vars Variables) (bool, error) {
	for _, c := range conds {
		ok, err := c.Evaluate(vars)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// lookupPath walks a dotted path through nested map[string]any values.
func lookupPath(vars Variables, path string) (any, bool) {
	if vars == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(vars)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares with numeric normalization so that a stored
// float64(3) equals a literal int 3, and falls back to deep equality for
// everything else.
func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareNumeric(a, b any) (int, error) {
	af, ok := toFloat(a)
	if !ok {
		return 0, fmt.Errorf("value %v (%T) is not numeric", a, a)
	}
	bf, ok := toFloat(b)
	if !ok {
		return 0, fmt.Errorf("comparison value %v (%T) is not numeric", b, b)
	}
	switch {
	case af > bf:
		return 1, nil
	case af < bf:
		return -1, nil
	}
	return 0, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// contains handles substring match on strings and element match on
// slices. Other haystack types are an evaluation error.
func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string needs a string value, got %T", needle)
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, elem := range h {
			if valuesEqual(elem, needle) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("contains is not defined for %T", haystack)
}
