// Package quality compiles threshold rules over judge metrics and maps the
// failed rules to a verdict.
package quality

import (
	"context"
	"fmt"
)

// Severity decides which verdict a failed rule produces.
type Severity string

const (
	SeverityConditional Severity = "conditional"
	SeverityReject      Severity = "reject"
)

type ConditionType string

const (
	ConditionFieldValidation ConditionType = "field_validation"
	ConditionAnd             ConditionType = "and"
	ConditionOr              ConditionType = "or"
	ConditionNot             ConditionType = "not"
)

// FieldOperator compares a metric against the rule value.
type FieldOperator string

const (
	OpExists      FieldOperator = "exists"
	OpNotExists   FieldOperator = "not_exists"
	OpEquals      FieldOperator = "equals"
	OpNotEquals   FieldOperator = "not_equals"
	OpContains    FieldOperator = "contains"
	OpNotContains FieldOperator = "not_contains"
	OpMatches     FieldOperator = "matches"
	OpNotMatches  FieldOperator = "not_matches"
	OpGT          FieldOperator = "gt"
	OpGTE         FieldOperator = "gte"
	OpLT          FieldOperator = "lt"
	OpLTE         FieldOperator = "lte"
	OpIn          FieldOperator = "in"
	OpNotIn       FieldOperator = "not_in"
)

// RuleDefinition is one threshold. The rule passes when its condition holds.
type RuleDefinition struct {
	ID          string        `yaml:"id" json:"id"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   RuleCondition `yaml:"condition" json:"condition"`
	Severity    Severity      `yaml:"severity,omitempty" json:"severity,omitempty"`
}

type RuleCondition struct {
	Type          ConditionType   `yaml:"type,omitempty" json:"type,omitempty"`
	Field         string          `yaml:"field,omitempty" json:"field,omitempty"`
	Operator      FieldOperator   `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value         any             `yaml:"value,omitempty" json:"value,omitempty"`
	CaseSensitive bool            `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	Conditions    []RuleCondition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// RuleResult is the outcome of one rule against one metrics set.
type RuleResult struct {
	RuleID   string
	Passed   bool
	Severity Severity
	Message  string
	Error    error
}

// EvaluationContext resolves dotted field paths.
type EvaluationContext interface {
	GetField(path string) (any, bool)
}

// RuleEvaluator evaluates one kind of condition.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, condition *CompiledCondition, evalCtx EvaluationContext) (bool, error)
}

// ValidateRules checks rule ids, severities and conditions.
func ValidateRules(rules []RuleDefinition) error {
	ids := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if ids[rule.ID] {
			return fmt.Errorf("duplicate rule id: %s", rule.ID)
		}
		ids[rule.ID] = true

		switch rule.Severity {
		case SeverityConditional, SeverityReject, "":
		default:
			return fmt.Errorf("rule %s: invalid severity: %s", rule.ID, rule.Severity)
		}
		if err := validateCondition(&rule.Condition); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

func validateCondition(condition *RuleCondition) error {
	switch condition.Type {
	case ConditionFieldValidation, "":
		if condition.Field == "" {
			return fmt.Errorf("field validation condition requires field")
		}
		switch condition.Operator {
		case OpExists, OpNotExists, OpEquals, OpNotEquals, OpContains, OpNotContains,
			OpMatches, OpNotMatches, OpGT, OpGTE, OpLT, OpLTE, OpIn, OpNotIn, "":
		default:
			return fmt.Errorf("invalid operator: %s", condition.Operator)
		}
		switch condition.Operator {
		case OpExists, OpNotExists, "":
		default:
			if condition.Value == nil {
				return fmt.Errorf("operator %s requires value", condition.Operator)
			}
		}

	case ConditionAnd, ConditionOr:
		if len(condition.Conditions) == 0 {
			return fmt.Errorf("%s condition requires sub-conditions", condition.Type)
		}
		for i := range condition.Conditions {
			if err := validateCondition(&condition.Conditions[i]); err != nil {
				return err
			}
		}

	case ConditionNot:
		if len(condition.Conditions) != 1 {
			return fmt.Errorf("NOT condition must have exactly one sub-condition")
		}
		if err := validateCondition(&condition.Conditions[0]); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown condition type: %s", condition.Type)
	}
	return nil
}

// ApplyDefaults fills the severity and condition type of rules in place.
func ApplyDefaults(rules []RuleDefinition) {
	for i := range rules {
		if rules[i].Severity == "" {
			rules[i].Severity = SeverityReject
		}
		applyConditionDefaults(&rules[i].Condition)
	}
}

func applyConditionDefaults(condition *RuleCondition) {
	if condition.Type == "" {
		condition.Type = ConditionFieldValidation
	}
	if condition.Type == ConditionFieldValidation && condition.Operator == "" {
		condition.Operator = OpExists
	}
	for i := range condition.Conditions {
		applyConditionDefaults(&condition.Conditions[i])
	}
}
