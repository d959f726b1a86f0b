package automation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
)

// Condition operators. Aliases map to the same comparison.
const (
	OpEquals      = "=="
	OpNotEquals   = "!="
	OpGreater     = ">"
	OpGreaterEq   = ">="
	OpLess        = "<"
	OpLessEq      = "<="
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpExists      = "exists"
	OpExpr        = "expr"
)

var opAliases = map[string]string{
	"=": OpEquals, "eq": OpEquals, "equals": OpEquals,
	"<>": OpNotEquals, "neq": OpNotEquals, "not_equals": OpNotEquals,
	"gt": OpGreater, "gte": OpGreaterEq, "lt": OpLess, "lte": OpLessEq,
}

func canonicalOp(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	if alias, ok := opAliases[op]; ok {
		return alias
	}
	return op
}

// AllConditionsMet reports whether every clause holds for event. An empty list
// holds vacuously. A clause whose field is absent from the event does not
// hold. Evaluation has no side effects.
func AllConditionsMet(conditions []models.Condition, event models.EventPayload) bool {
	for _, c := range conditions {
		if !conditionMet(c, event) {
			return false
		}
	}
	return true
}

func conditionMet(c models.Condition, event models.EventPayload) bool {
	op := canonicalOp(c.Op)
	if op == OpExpr {
		return exprMet(c, event)
	}

	actual, ok := lookupField(event, c.Field)
	if !ok {
		return false
	}

	switch op {
	case OpExists:
		return true
	case OpEquals:
		return looselyEqual(actual, c.Value)
	case OpNotEquals:
		return !looselyEqual(actual, c.Value)
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		return compare(op, actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpNotContains:
		return !contains(actual, c.Value)
	case OpIn:
		return contains(c.Value, actual)
	case OpNotIn:
		return !contains(c.Value, actual)
	default:
		slog.Warn("automation.AllConditionsMet: unknown operator, clause fails", "field", c.Field, "op", c.Op)
		return false
	}
}

// lookupField resolves field as a top-level key first, then as a dotted path
// into nested objects.
func lookupField(event models.EventPayload, field string) (any, bool) {
	if field == "" {
		return nil, false
	}
	if v, ok := event[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}
	container := gabs.Wrap(map[string]any(event))
	if !container.ExistsP(field) {
		return nil, false
	}
	return container.Path(field).Data(), true
}

// exprMet evaluates the clause value as a boolean expression over the event.
// When a field is named it must be present.
func exprMet(c models.Condition, event models.EventPayload) bool {
	if c.Field != "" {
		if _, ok := lookupField(event, c.Field); !ok {
			return false
		}
	}
	code, ok := c.Value.(string)
	if !ok || strings.TrimSpace(code) == "" {
		slog.Warn("automation.AllConditionsMet: expr clause without expression", "field", c.Field)
		return false
	}
	env := make(map[string]any, len(event))
	for k, v := range event {
		env[k] = v
	}
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		slog.Warn("automation.AllConditionsMet: expr clause does not compile", "expr", code, "error", err)
		return false
	}
	out, err := expr.Run(program, env)
	if err != nil {
		slog.Debug("automation.AllConditionsMet: expr clause failed", "expr", code, "error", err)
		return false
	}
	result, _ := out.(bool)
	return result
}

func looselyEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(op string, a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpGreater:
			return af > bf
		case OpGreaterEq:
			return af >= bf
		case OpLess:
			return af < bf
		default:
			return af <= bf
		}
	}
	if a == nil || b == nil {
		return false
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch op {
	case OpGreater:
		return as > bs
	case OpGreaterEq:
		return as >= bs
	case OpLess:
		return as < bs
	default:
		return as <= bs
	}
}

// contains reports whether haystack holds needle: substring for strings,
// element for lists, key for objects.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case nil:
		return false
	case string:
		if needle == nil {
			return false
		}
		return strings.Contains(h, fmt.Sprint(needle))
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looselyEqual(rv.Index(i).Interface(), needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
