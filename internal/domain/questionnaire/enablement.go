package questionnaire

import (
	"fmt"
	"strconv"
	"strings"
)

// Answers maps link_id to the current values. A link_id that is missing from
// the map is unknown to the questionnaire; a present key with no values is a
// known question that has not been answered.
type Answers map[string][]ResponseValue

// Evaluate reports whether a question with the given conditions is enabled.
// It has no side effects.
func Evaluate(conditions []EnableWhen, behavior string, answers Answers) bool {
	if len(conditions) == 0 {
		return true
	}
	if behavior == BehaviorAny {
		for _, c := range conditions {
			if evaluateCondition(c, answers) {
				return true
			}
		}
		return false
	}
	for _, c := range conditions {
		if !evaluateCondition(c, answers) {
			return false
		}
	}
	return true
}

func evaluateCondition(c EnableWhen, answers Answers) bool {
	values, known := answers[c.Question]
	if !known {
		return false
	}
	answered := hasValue(values)

	switch c.Operator {
	case OpExists:
		expected, ok := c.Answer.(bool)
		return ok && answered == expected
	case OpEquals:
		for _, v := range values {
			if valuesEqual(v, c.Answer) {
				return true
			}
		}
		return false
	case OpNotEquals:
		if !answered {
			return false
		}
		for _, v := range values {
			if valuesEqual(v, c.Answer) {
				return false
			}
		}
		return true
	case OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual:
		want, ok := toNumber(c.Answer)
		if !ok {
			return false
		}
		for _, v := range values {
			got, ok := toNumber(scalar(v))
			if ok && compare(c.Operator, got, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compare(op string, got, want float64) bool {
	switch op {
	case OpGreater:
		return got > want
	case OpLess:
		return got < want
	case OpGreaterOrEqual:
		return got >= want
	case OpLessOrEqual:
		return got <= want
	}
	return false
}

func hasValue(values []ResponseValue) bool {
	for _, v := range values {
		if !isEmptyValue(v) {
			return true
		}
	}
	return false
}

func isEmptyValue(v ResponseValue) bool {
	if v.Coding != nil && v.Coding.Code != "" {
		return false
	}
	switch val := v.Value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}

// scalar returns the comparable part of a value: the code for coded answers,
// otherwise the raw value.
func scalar(v ResponseValue) interface{} {
	if v.Coding != nil && v.Coding.Code != "" {
		return v.Coding.Code
	}
	return v.Value
}

// valuesEqual compares numerically when both sides are numbers and as
// strings otherwise.
func valuesEqual(v ResponseValue, answer interface{}) bool {
	got := scalar(v)
	if a, ok := toNumber(got); ok {
		if b, ok := toNumber(answer); ok {
			return a == b
		}
	}
	return stringify(got) == stringify(answer)
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

// toNumber coerces numbers and numeric strings. Booleans and other strings
// are not numbers.
func toNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// EnabledSet evaluates every question against answers and returns the
// enabled state per link_id. Questions under a disabled group are disabled,
// and answers to disabled questions do not count when other conditions are
// evaluated. Questions on an enable_when cycle are always disabled. Nothing
// is cached between calls.
func (t *Tree) EnabledSet(answers Answers) map[string]bool {
	full := make(Answers, len(t.order))
	for _, linkID := range t.order {
		full[linkID] = answers[linkID]
	}

	enabled := t.evaluatePass(full)
	// Dropping a disabled answer can flip other conditions, so iterate until
	// the set is stable. With cycle members pinned to disabled the remaining
	// dependencies are acyclic and settle within len(order) passes.
	for i := 0; i <= len(t.order); i++ {
		effective := make(Answers, len(full))
		for linkID, vals := range full {
			if enabled[linkID] {
				effective[linkID] = vals
			} else {
				effective[linkID] = nil
			}
		}
		next := t.evaluatePass(effective)
		if sameSet(enabled, next) {
			break
		}
		enabled = next
	}
	return enabled
}

func (t *Tree) evaluatePass(answers Answers) map[string]bool {
	enabled := make(map[string]bool, len(t.order))
	var walk func(ids []string, parentEnabled bool)
	walk = func(ids []string, parentEnabled bool) {
		for _, id := range ids {
			n := t.nodes[id]
			on := parentEnabled && !t.cyclic[id] && Evaluate(n.Question.EnableWhen, n.Question.EnableBehavior, answers)
			enabled[id] = on
			walk(n.Children, on)
		}
	}
	walk(t.roots, true)
	return enabled
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
