package trigger

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Comparison operators for field_comparison conditions.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
)

var operators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true,
	OpGreaterThan: true, OpLessThan: true, OpGreaterOrEqual: true, OpLessOrEqual: true,
}

func validateCondition(condType string, cfg map[string]any) error {
	switch condType {
	case ConditionAlways:
		return nil
	case ConditionFieldComparison:
		field, _ := cfg["field"].(string)
		op, _ := cfg["operator"].(string)
		if field == "" {
			return fmt.Errorf("%w: field_comparison needs a field", ErrInvalid)
		}
		if !operators[op] {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalid, op)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown condition_type %q", ErrInvalid, condType)
}

// Evaluate applies a condition to the evaluation context. A missing field
// satisfies only not_equals.
func Evaluate(condType string, cfg map[string]any, evalCtx map[string]any) (bool, error) {
	if err := validateCondition(condType, cfg); err != nil {
		return false, err
	}
	if condType == ConditionAlways {
		return true, nil
	}
	op := cfg["operator"].(string)
	want := cfg["value"]
	got, ok := Lookup(evalCtx, cfg["field"].(string))
	if !ok {
		return op == OpNotEquals, nil
	}

	switch op {
	case OpEquals:
		return equal(got, want), nil
	case OpNotEquals:
		return !equal(got, want), nil
	case OpContains:
		return contains(got, want), nil
	}
	c, ok := compare(got, want)
	if !ok {
		return false, nil
	}
	switch op {
	case OpGreaterThan:
		return c > 0, nil
	case OpLessThan:
		return c < 0, nil
	case OpGreaterOrEqual:
		return c >= 0, nil
	default:
		return c <= 0, nil
	}
}

// Lookup resolves a dot path such as "lead.data.score" in ctx.
func Lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return x == y
		}
	}
	return stringify(a) == stringify(b)
}

func contains(haystack, needle any) bool {
	if v := reflect.ValueOf(haystack); v.Kind() == reflect.Slice {
		for i := 0; i < v.Len(); i++ {
			if equal(v.Index(i).Interface(), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(stringify(haystack)), strings.ToLower(stringify(needle)))
}

// compare orders numbers numerically, timestamps chronologically and
// anything else lexically.
func compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
	}
	if x, ok := timestamp(a); ok {
		if y, ok := timestamp(b); ok {
			return x.Compare(y), true
		}
	}
	if a == nil || b == nil {
		return 0, false
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func timestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		if p, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return p, true
		}
	}
	return time.Time{}, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
