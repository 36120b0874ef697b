package policy

import (
	"errors"
	"fmt"
)

// Op is a comparison operator for predicate leaves.
type Op string

// Comparison operators. Threshold operators are inclusive on the passing
// side: gte passes when the resolved value equals the threshold.
const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpIn          Op = "in"           // scalar at Path is a member of the value list
	OpContains    Op = "contains"     // collection at Path contains the scalar value
	OpContainsAll Op = "contains_all" // collection at Path contains every element of the value list
	OpContainsAny Op = "contains_any" // collection at Path contains at least one element of the value list
)

var knownOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
	OpIn: true, OpContains: true, OpContainsAll: true, OpContainsAny: true,
}

// Comparison is a predicate leaf comparing a named input path against
// either a literal value or another input path.
type Comparison struct {
	// Path is the input path whose resolved value is the left operand
	// (e.g. "agent.regions", "task.budget").
	Path string `json:"path" yaml:"path"`
	// Op is the comparison operator.
	Op Op `json:"op" yaml:"op"`
	// Value is the literal right operand. Mutually exclusive with ValueFrom.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`
	// ValueFrom names an input path to resolve as the right operand
	// (e.g. "task.requirements.region"). Mutually exclusive with Value.
	ValueFrom string `json:"value_from,omitempty" yaml:"value_from,omitempty"`
}

// Predicate is a structured, data-driven condition tree. Exactly one of
// the fields must be set per node:
//
//   - All: every child must pass (conjunction)
//   - Any: at least one child must pass (disjunction)
//   - Not: inverts the child
//   - Cmp: comparison leaf over named input paths
//   - Expr: CEL expression leaf evaluated against the input snapshot
//
// A comparison whose operands resolve to a missing optional input field
// passes vacuously; Not inverts the final result of its child, including
// vacuous passes.
type Predicate struct {
	All  []*Predicate `json:"all,omitempty" yaml:"all,omitempty"`
	Any  []*Predicate `json:"any,omitempty" yaml:"any,omitempty"`
	Not  *Predicate   `json:"not,omitempty" yaml:"not,omitempty"`
	Cmp  *Comparison  `json:"cmp,omitempty" yaml:"cmp,omitempty"`
	Expr string       `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// Validate checks the structural invariants of the predicate tree.
// It does not compile Expr leaves; expression validation is the
// evaluator's concern.
func (p *Predicate) Validate() error {
	if p == nil {
		return nil
	}
	set := 0
	if len(p.All) > 0 {
		set++
	}
	if len(p.Any) > 0 {
		set++
	}
	if p.Not != nil {
		set++
	}
	if p.Cmp != nil {
		set++
	}
	if p.Expr != "" {
		set++
	}
	if set == 0 {
		return errors.New("predicate node is empty: one of all/any/not/cmp/expr required")
	}
	if set > 1 {
		return errors.New("predicate node is ambiguous: exactly one of all/any/not/cmp/expr allowed")
	}

	if p.Cmp != nil {
		if p.Cmp.Path == "" {
			return errors.New("cmp: path is required")
		}
		if !knownOps[p.Cmp.Op] {
			return fmt.Errorf("cmp: unknown operator %q", p.Cmp.Op)
		}
		if p.Cmp.Value != nil && p.Cmp.ValueFrom != "" {
			return errors.New("cmp: value and value_from are mutually exclusive")
		}
		if p.Cmp.Value == nil && p.Cmp.ValueFrom == "" {
			return errors.New("cmp: one of value or value_from is required")
		}
	}

	for _, child := range p.All {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	for _, child := range p.Any {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	if p.Not != nil {
		return p.Not.Validate()
	}
	return nil
}

// Clone returns a deep copy of the predicate tree.
func (p *Predicate) Clone() *Predicate {
	if p == nil {
		return nil
	}
	cp := &Predicate{Expr: p.Expr}
	for _, child := range p.All {
		cp.All = append(cp.All, child.Clone())
	}
	for _, child := range p.Any {
		cp.Any = append(cp.Any, child.Clone())
	}
	cp.Not = p.Not.Clone()
	if p.Cmp != nil {
		cmp := *p.Cmp
		cmp.Value = cloneValue(p.Cmp.Value)
		cp.Cmp = &cmp
	}
	return cp
}

// Walk visits every node in the tree in depth-first order.
func (p *Predicate) Walk(visit func(*Predicate)) {
	if p == nil {
		return
	}
	visit(p)
	for _, child := range p.All {
		child.Walk(visit)
	}
	for _, child := range p.Any {
		child.Walk(visit)
	}
	p.Not.Walk(visit)
}

// Expressions returns all CEL expressions in the tree.
func (p *Predicate) Expressions() []string {
	var exprs []string
	p.Walk(func(node *Predicate) {
		if node.Expr != "" {
			exprs = append(exprs, node.Expr)
		}
	})
	return exprs
}

// cloneValue deep-copies the JSON-shaped values that appear in
// comparison literals (scalars, []any, map[string]any).
func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}
