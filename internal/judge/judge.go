// Package judge builds the closed set of quality judges from a registry
// file. Each judge runs deterministic engines to collect metrics and maps
// them to a verdict through threshold rules.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/msageha/taskgate/internal/model"
	"github.com/msageha/taskgate/internal/quality"
)

// Request is what a judge sees of a completed attempt.
type Request struct {
	Task    *model.Task
	Attempt int
}

// Judge evaluates one attempt. Implementations must honour ctx.
type Judge interface {
	ID() string
	Evaluate(ctx context.Context, req Request) (model.QualityVerdict, error)
}

// Kind selects the default thresholds of a judge.
type Kind string

const (
	KindStaticAnalysis Kind = "static_analysis"
	KindTestQuality    Kind = "test_quality"
	KindComprehensive  Kind = "comprehensive"
)

func (k Kind) Valid() bool {
	_, ok := defaultRules[k]
	return ok
}

func field(name string, op quality.FieldOperator, value any) quality.RuleCondition {
	return quality.RuleCondition{Type: quality.ConditionFieldValidation, Field: name, Operator: op, Value: value}
}

var staticAnalysisRules = []quality.RuleDefinition{
	{ID: "lint_errors", Description: "no lint errors", Condition: field("lint_errors", quality.OpLTE, 0), Severity: quality.SeverityReject},
	{ID: "lint_warnings", Description: "at most 10 lint warnings", Condition: field("lint_warnings", quality.OpLTE, 10), Severity: quality.SeverityConditional},
}

var testQualityRules = []quality.RuleDefinition{
	{ID: "tests_failed", Description: "no failing tests", Condition: field("tests_failed", quality.OpLTE, 0), Severity: quality.SeverityReject},
	{ID: "coverage_floor", Description: "coverage at least 50%", Condition: field("coverage", quality.OpGTE, 50), Severity: quality.SeverityReject},
	{ID: "coverage_target", Description: "coverage at least 80%", Condition: field("coverage", quality.OpGTE, 80), Severity: quality.SeverityConditional},
}

var defaultRules = map[Kind][]quality.RuleDefinition{
	KindStaticAnalysis: staticAnalysisRules,
	KindTestQuality:    testQualityRules,
	KindComprehensive:  append(append([]quality.RuleDefinition{}, staticAnalysisRules...), testQualityRules...),
}

// DefaultRules returns a copy of the built-in thresholds of kind.
func DefaultRules(kind Kind) []quality.RuleDefinition {
	return append([]quality.RuleDefinition{}, defaultRules[kind]...)
}

// ThresholdJudge runs its engines in order, merges their metrics and maps
// them to a verdict through a compiled rule set.
type ThresholdJudge struct {
	id      string
	kind    Kind
	timeout time.Duration
	engines []Engine
	rules   *quality.RuleSet
	eval    *quality.Engine
	now     func() time.Time
}

func NewThresholdJudge(id string, kind Kind, timeout time.Duration, engines []Engine, rules *quality.RuleSet, eval *quality.Engine) *ThresholdJudge {
	return &ThresholdJudge{
		id:      id,
		kind:    kind,
		timeout: timeout,
		engines: engines,
		rules:   rules,
		eval:    eval,
		now:     time.Now,
	}
}

func (j *ThresholdJudge) ID() string { return j.id }

func (j *ThresholdJudge) Kind() Kind { return j.kind }

// Timeout overrides the gate default when non-zero.
func (j *ThresholdJudge) Timeout() time.Duration { return j.timeout }

func (j *ThresholdJudge) Evaluate(ctx context.Context, req Request) (model.QualityVerdict, error) {
	if req.Task == nil {
		return model.QualityVerdict{}, fmt.Errorf("judge %s: request has no task", j.id)
	}

	metrics := make(map[string]any)
	for _, engine := range j.engines {
		got, err := engine.Run(ctx, req)
		if err != nil {
			return model.QualityVerdict{}, fmt.Errorf("judge %s: engine %s: %w", j.id, engine.Name(), err)
		}
		for k, v := range got {
			metrics[k] = v
		}
	}

	ev, err := j.eval.Evaluate(ctx, j.rules, metrics)
	if err != nil {
		return model.QualityVerdict{}, fmt.Errorf("judge %s: %w", j.id, err)
	}

	return model.QualityVerdict{
		JudgeID:    j.id,
		TaskID:     req.Task.ID,
		Attempt:    req.Attempt,
		Verdict:    ev.Verdict,
		Metrics:    normalizeMetrics(metrics),
		Reasoning:  ev.Reasoning(),
		ProducedAt: j.now().UTC(),
	}, nil
}

// normalizeMetrics round-trips through JSON so recorded verdicts hold plain
// JSON values regardless of which engine produced them.
func normalizeMetrics(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
