// Package conditions evaluates timer activation predicates against the
// timer's context and metadata documents. A predicate list is satisfied
// only when every predicate matches.
package conditions

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Operator names a comparison applied between the resolved left-hand side
// and the condition's literal.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpGT        Operator = "gt"
	OpGTE       Operator = "gte"
	OpLT        Operator = "lt"
	OpLTE       Operator = "lte"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

// ErrInvalidShape reports a conditions value that is neither a list of
// condition objects nor a key/value map.
var ErrInvalidShape = errors.New("conditions: invalid shape")

// Condition is a single predicate. LHS is a dotted path resolved against
// the context and metadata documents; LHSValue and RHSValue, when set,
// override path resolution and the RHS literal respectively.
type Condition struct {
	LHS      string   `json:"lhs,omitempty"`
	Operator Operator `json:"operator"`
	RHS      any      `json:"rhs,omitempty"`
	LHSValue any      `json:"lhsValue,omitempty"`
	RHSValue any      `json:"rhsValue,omitempty"`
}

// Result reports the outcome of evaluating a condition list. Failed holds
// the first condition that did not match.
type Result struct {
	Satisfied bool
	Failed    *Condition
}

// Evaluate checks every condition against the context and metadata
// documents. An empty list is satisfied.
func Evaluate(conds []Condition, ctx, meta map[string]any) Result {
	for i := range conds {
		if !matches(conds[i], ctx, meta) {
			failed := conds[i]
			return Result{Failed: &failed}
		}
	}
	return Result{Satisfied: true}
}

// Satisfied is shorthand for Evaluate(...).Satisfied.
func Satisfied(conds []Condition, ctx, meta map[string]any) bool {
	return Evaluate(conds, ctx, meta).Satisfied
}

func matches(c Condition, ctx, meta map[string]any) bool {
	lhs, found := resolveLHS(c, ctx, meta)
	rhs := c.RHS
	if c.RHSValue != nil {
		rhs = c.RHSValue
	}

	switch c.Operator {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	case OpEquals:
		return found && equal(lhs, rhs)
	case OpNotEquals:
		// A missing left-hand side is never equal to the literal.
		return !found || !equal(lhs, rhs)
	case OpGT, OpGTE, OpLT, OpLTE:
		if !found {
			return false
		}
		cmp, ok := compare(lhs, rhs)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpGT:
			return cmp > 0
		case OpGTE:
			return cmp >= 0
		case OpLT:
			return cmp < 0
		default:
			return cmp <= 0
		}
	default:
		// Unknown operators fail rather than silently pass.
		return false
	}
}

func resolveLHS(c Condition, ctx, meta map[string]any) (any, bool) {
	if c.LHSValue != nil {
		return c.LHSValue, true
	}
	return Resolve(c.LHS, ctx, meta)
}

// Resolve looks up a dotted path against the context and metadata
// documents. A leading "context" or "metadata" segment pins the lookup to
// that document; otherwise the whole path is tried against context then
// metadata, first as a literal key and then by segment descent.
func Resolve(path string, ctx, meta map[string]any) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	switch segments[0] {
	case "context":
		return descend(ctx, segments[1:])
	case "metadata":
		return descend(meta, segments[1:])
	}
	for _, doc := range []map[string]any{ctx, meta} {
		if doc == nil {
			continue
		}
		if v, ok := doc[path]; ok {
			return v, true
		}
		if v, ok := descend(doc, segments); ok {
			return v, true
		}
	}
	return nil, false
}

func descend(doc map[string]any, segments []string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// compare returns the ordering of a relative to b. Numbers compare through
// float64, strings lexicographically; anything else is not comparable.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Normalize converts the raw conditions field of a timer config into a
// condition list. It accepts a list of condition objects or a key/value
// map, where each key becomes an equals condition ordered by key.
func Normalize(raw any) ([]Condition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []Condition:
		return v, nil
	case []map[string]any:
		out := make([]Condition, 0, len(v))
		for _, m := range v {
			out = append(out, fromMap(m))
		}
		return out, nil
	case []any:
		out := make([]Condition, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: list item is %T, want object", ErrInvalidShape, item)
			}
			out = append(out, fromMap(m))
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Condition, 0, len(keys))
		for _, k := range keys {
			out = append(out, Condition{LHS: k, Operator: OpEquals, RHS: v[k]})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidShape, raw)
}

func fromMap(m map[string]any) Condition {
	c := Condition{Operator: OpEquals}
	if s, ok := m["lhs"].(string); ok {
		c.LHS = s
	}
	if s, ok := m["operator"].(string); ok && s != "" {
		c.Operator = Operator(s)
	}
	if v, ok := m["rhs"]; ok {
		c.RHS = v
	}
	if v, ok := m["lhsValue"]; ok {
		c.LHSValue = v
	}
	if v, ok := m["rhsValue"]; ok {
		c.RHSValue = v
	}
	return c
}
