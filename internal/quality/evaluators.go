package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FieldValidationEvaluator compares one metric against the rule value.
type FieldValidationEvaluator struct{}

func (e *FieldValidationEvaluator) Evaluate(_ context.Context, condition *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	value, exists := evalCtx.GetField(condition.Field)

	switch condition.Operator {
	case OpExists:
		return exists && value != nil && value != "", nil

	case OpNotExists:
		return !exists || value == nil || value == "", nil

	case OpEquals:
		if !exists {
			return false, nil
		}
		return compareValues(value, condition.Value, condition.CaseSensitive), nil

	case OpNotEquals:
		if !exists {
			return true, nil
		}
		return !compareValues(value, condition.Value, condition.CaseSensitive), nil

	case OpContains:
		if !exists {
			return false, nil
		}
		return containsValue(value, condition.Value, condition.CaseSensitive), nil

	case OpNotContains:
		if !exists {
			return true, nil
		}
		return !containsValue(value, condition.Value, condition.CaseSensitive), nil

	case OpMatches, OpNotMatches:
		if !exists {
			return condition.Operator == OpNotMatches, nil
		}
		if condition.regex == nil {
			return false, fmt.Errorf("condition on %s has no compiled pattern", condition.Field)
		}
		matched := condition.regex.MatchString(fmt.Sprintf("%v", value))
		if condition.Operator == OpMatches {
			return matched, nil
		}
		return !matched, nil

	case OpGT, OpGTE, OpLT, OpLTE:
		if !exists {
			return false, nil
		}
		return compareNumeric(value, condition.Value, condition.Operator)

	case OpIn:
		if !exists {
			return false, nil
		}
		return isInList(value, condition.Value), nil

	case OpNotIn:
		if !exists {
			return true, nil
		}
		return !isInList(value, condition.Value), nil

	default:
		return false, fmt.Errorf("unknown operator: %s", condition.Operator)
	}
}

// compareValues compares numerically when both sides are numbers, so a
// metric of 0 (int) equals a threshold of 0.0.
func compareValues(a, b any, caseSensitive bool) bool {
	if af, err := toFloat64(a); err == nil {
		if bf, err := toFloat64(b); err == nil {
			return af == bf
		}
	}
	aStr := fmt.Sprintf("%v", a)
	bStr := fmt.Sprintf("%v", b)
	if !caseSensitive {
		return strings.EqualFold(aStr, bStr)
	}
	return aStr == bStr
}

func containsValue(a, b any, caseSensitive bool) bool {
	aStr := fmt.Sprintf("%v", a)
	bStr := fmt.Sprintf("%v", b)
	if !caseSensitive {
		aStr = strings.ToLower(aStr)
		bStr = strings.ToLower(bStr)
	}
	return strings.Contains(aStr, bStr)
}

func compareNumeric(a, b any, op FieldOperator) (bool, error) {
	aNum, err := toFloat64(a)
	if err != nil {
		return false, fmt.Errorf("cannot convert %v to number: %w", a, err)
	}
	bNum, err := toFloat64(b)
	if err != nil {
		return false, fmt.Errorf("cannot convert %v to number: %w", b, err)
	}

	switch op {
	case OpGT:
		return aNum > bNum, nil
	case OpGTE:
		return aNum >= bNum, nil
	case OpLT:
		return aNum < bNum, nil
	case OpLTE:
		return aNum <= bNum, nil
	default:
		return false, fmt.Errorf("invalid numeric operator: %s", op)
	}
}

func isInList(value, list any) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if compareValues(value, item, true) {
				return true
			}
		}
	case []string:
		valStr := fmt.Sprintf("%v", value)
		for _, item := range l {
			if valStr == item {
				return true
			}
		}
	default:
		// Comma separated string.
		valStr := strings.TrimSpace(fmt.Sprintf("%v", value))
		for _, item := range strings.Split(fmt.Sprintf("%v", list), ",") {
			if valStr == strings.TrimSpace(item) {
				return true
			}
		}
	}
	return false
}

// LogicalAndEvaluator holds when every sub-condition holds.
type LogicalAndEvaluator struct {
	engine *Engine
}

func (e *LogicalAndEvaluator) Evaluate(ctx context.Context, condition *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	for _, sub := range condition.subConditions {
		passed, err := e.engine.evaluateCondition(ctx, sub, evalCtx)
		if err != nil {
			return false, err
		}
		if !passed {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// LogicalOrEvaluator holds when any sub-condition holds.
type LogicalOrEvaluator struct {
	engine *Engine
}

func (e *LogicalOrEvaluator) Evaluate(ctx context.Context, condition *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	for _, sub := range condition.subConditions {
		passed, err := e.engine.evaluateCondition(ctx, sub, evalCtx)
		if err != nil {
			return false, err
		}
		if passed {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return false, nil
}

type LogicalNotEvaluator struct {
	engine *Engine
}

func (e *LogicalNotEvaluator) Evaluate(ctx context.Context, condition *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	if len(condition.subConditions) != 1 {
		return false, fmt.Errorf("NOT condition must have exactly one sub-condition")
	}
	passed, err := e.engine.evaluateCondition(ctx, condition.subConditions[0], evalCtx)
	if err != nil {
		return false, err
	}
	return !passed, nil
}

func toFloat64(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
