package service

import (
	"fmt"
	"reflect"

	"github.com/agoramesh/policygate/internal/domain/policy"
)

// evalComparison evaluates a comparison leaf against the input.
//
// Missing-field semantics: when either operand path resolves to an
// absent optional input field, the leaf passes vacuously. This encodes
// both spec rules in one place: "no task region requirement" never
// denies a residency rule, and "no declared spend limit" behaves as
// unlimited rather than zero.
//
// Type mismatches (e.g. an ordering operator over a non-numeric value)
// are evaluation errors, not denials; the checkpoint layer maps them to
// its fail-open path.
func evalComparison(cmp *policy.Comparison, input *policy.Input) (bool, error) {
	left, ok := input.Resolve(cmp.Path)
	if !ok {
		return true, nil
	}

	var right any
	if cmp.ValueFrom != "" {
		right, ok = input.Resolve(cmp.ValueFrom)
		if !ok {
			return true, nil
		}
	} else {
		right = cmp.Value
	}

	switch cmp.Op {
	case policy.OpEq:
		return equalValues(left, right), nil
	case policy.OpNe:
		return !equalValues(left, right), nil

	case policy.OpLt, policy.OpLte, policy.OpGt, policy.OpGte:
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s requires numeric operands (path %s)", cmp.Op, cmp.Path)
		}
		switch cmp.Op {
		case policy.OpLt:
			return lf < rf, nil
		case policy.OpLte:
			return lf <= rf, nil
		case policy.OpGt:
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}

	case policy.OpIn:
		list, lok := toList(right)
		if !lok {
			return false, fmt.Errorf("operator in requires a list value (path %s)", cmp.Path)
		}
		return listContains(list, left), nil

	case policy.OpContains:
		list, lok := toList(left)
		if !lok {
			return false, fmt.Errorf("operator contains requires a collection at path %s", cmp.Path)
		}
		return listContains(list, right), nil

	case policy.OpContainsAll:
		list, lok := toList(left)
		wanted, wok := toList(right)
		if !lok || !wok {
			return false, fmt.Errorf("operator contains_all requires collections (path %s)", cmp.Path)
		}
		for _, w := range wanted {
			if !listContains(list, w) {
				return false, nil
			}
		}
		return true, nil

	case policy.OpContainsAny:
		list, lok := toList(left)
		wanted, wok := toList(right)
		if !lok || !wok {
			return false, fmt.Errorf("operator contains_any requires collections (path %s)", cmp.Path)
		}
		for _, w := range wanted {
			if listContains(list, w) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown comparison operator %q", cmp.Op)
	}
}

// equalValues compares two operands, treating all numeric types as
// equivalent so YAML ints compare equal to resolved float64 fields.
func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		return bok && as == bs
	}
	return reflect.DeepEqual(a, b)
}

// toFloat normalizes the numeric types produced by YAML/JSON decoding
// and by input resolution.
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
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toList normalizes collections from input resolution ([]string) and
// from decoded rule literals ([]any).
func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func listContains(list []any, v any) bool {
	for _, elem := range list {
		if equalValues(elem, v) {
			return true
		}
	}
	return false
}
