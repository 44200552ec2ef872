package quality

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskgate/internal/model"
)

// Engine evaluates compiled rule sets. Results for identical (rule set,
// metrics) pairs are cached and concurrent duplicates collapse into one run.
type Engine struct {
	mu           sync.RWMutex
	evaluators   map[ConditionType]RuleEvaluator
	cache        *ResultCache
	singleflight *singleflight.Group
}

// RuleSet is a compiled, immutable list of rules.
type RuleSet struct {
	rules    []*compiledRule
	checksum string
}

type compiledRule struct {
	RuleDefinition
	condition *CompiledCondition
}

// CompiledCondition is a condition with its pattern and sub-conditions
// compiled ahead of evaluation.
type CompiledCondition struct {
	*RuleCondition
	regex         *regexp.Regexp
	subConditions []*CompiledCondition
}

// Evaluation is the verdict a rule set assigns to one metrics set.
type Evaluation struct {
	Verdict     model.Verdict
	RuleResults []RuleResult
	Failed      []string
	CacheHit    bool
	Duration    time.Duration
}

// Reasoning summarises failed rules for a verdict record.
func (ev *Evaluation) Reasoning() string {
	if len(ev.Failed) == 0 {
		return "all rules passed"
	}
	msgs := make([]string, 0, len(ev.Failed))
	for _, r := range ev.RuleResults {
		if !r.Passed {
			msgs = append(msgs, fmt.Sprintf("[%s] %s", r.Severity, r.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

func NewEngine() *Engine {
	engine := &Engine{
		evaluators:   make(map[ConditionType]RuleEvaluator),
		cache:        NewResultCache(1000, 5*time.Minute),
		singleflight: &singleflight.Group{},
	}

	engine.RegisterEvaluator(ConditionFieldValidation, &FieldValidationEvaluator{})
	engine.RegisterEvaluator(ConditionAnd, &LogicalAndEvaluator{engine: engine})
	engine.RegisterEvaluator(ConditionOr, &LogicalOrEvaluator{engine: engine})
	engine.RegisterEvaluator(ConditionNot, &LogicalNotEvaluator{engine: engine})

	return engine
}

func (e *Engine) RegisterEvaluator(condType ConditionType, evaluator RuleEvaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluators[condType] = evaluator
}

// Compile validates rules, applies defaults and pre-compiles patterns.
func Compile(rules []RuleDefinition) (*RuleSet, error) {
	defs := make([]RuleDefinition, len(rules))
	copy(defs, rules)
	ApplyDefaults(defs)
	if err := ValidateRules(defs); err != nil {
		return nil, err
	}

	data, err := json.Marshal(defs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}
	sum := sha256.Sum256(data)

	rs := &RuleSet{
		rules:    make([]*compiledRule, 0, len(defs)),
		checksum: hex.EncodeToString(sum[:]),
	}
	for i := range defs {
		cond, err := compileCondition(&defs[i].Condition)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", defs[i].ID, err)
		}
		rs.rules = append(rs.rules, &compiledRule{RuleDefinition: defs[i], condition: cond})
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

func (rs *RuleSet) Checksum() string {
	return rs.checksum
}

func compileCondition(condition *RuleCondition) (*CompiledCondition, error) {
	compiled := &CompiledCondition{RuleCondition: condition}

	if condition.Type == ConditionFieldValidation &&
		(condition.Operator == OpMatches || condition.Operator == OpNotMatches) {
		pattern, ok := condition.Value.(string)
		if !ok {
			return nil, fmt.Errorf("regex pattern for %s must be a string", condition.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
		compiled.regex = re
	}

	for i := range condition.Conditions {
		sub, err := compileCondition(&condition.Conditions[i])
		if err != nil {
			return nil, err
		}
		compiled.subConditions = append(compiled.subConditions, sub)
	}
	return compiled, nil
}

// Evaluate runs rs against metrics. Any failed reject rule yields REJECT,
// otherwise any failed conditional rule yields CONDITIONAL. A rule that
// errors counts as failed.
func (e *Engine) Evaluate(ctx context.Context, rs *RuleSet, metrics map[string]any) (*Evaluation, error) {
	fingerprint, err := fingerprint(metrics)
	if err != nil {
		return nil, err
	}
	key := rs.checksum + ":" + fingerprint

	if cached := e.cache.Get(key); cached != nil {
		cached.CacheHit = true
		return cached, nil
	}

	result, err, _ := e.singleflight.Do(key, func() (any, error) {
		return e.evaluateUncached(ctx, rs, &MapEvaluationContext{data: metrics})
	})
	if err != nil {
		return nil, err
	}

	ev := result.(*Evaluation)
	e.cache.Set(key, ev)
	out := *ev
	return &out, nil
}

func (e *Engine) evaluateUncached(ctx context.Context, rs *RuleSet, evalCtx EvaluationContext) (*Evaluation, error) {
	start := time.Now()
	ev := &Evaluation{
		Verdict:     model.VerdictApprove,
		RuleResults: make([]RuleResult, 0, len(rs.rules)),
	}

	for _, rule := range rs.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rr := e.evaluateRule(ctx, rule, evalCtx)
		ev.RuleResults = append(ev.RuleResults, rr)
		if rr.Passed {
			continue
		}
		ev.Failed = append(ev.Failed, rule.ID)
		switch rule.Severity {
		case SeverityReject:
			ev.Verdict = model.VerdictReject
		case SeverityConditional:
			if ev.Verdict == model.VerdictApprove {
				ev.Verdict = model.VerdictConditional
			}
		}
	}

	ev.Duration = time.Since(start)
	return ev, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *compiledRule, evalCtx EvaluationContext) RuleResult {
	result := RuleResult{
		RuleID:   rule.ID,
		Severity: rule.Severity,
	}

	passed, err := e.evaluateCondition(ctx, rule.condition, evalCtx)
	result.Passed = passed && err == nil
	result.Error = err

	switch {
	case err != nil:
		result.Message = fmt.Sprintf("rule %s: evaluation error: %v", rule.ID, err)
	case !passed && rule.Description != "":
		result.Message = fmt.Sprintf("rule %s failed: %s", rule.ID, rule.Description)
	case !passed:
		result.Message = fmt.Sprintf("rule %s failed", rule.ID)
	}
	return result
}

func (e *Engine) evaluateCondition(ctx context.Context, condition *CompiledCondition, evalCtx EvaluationContext) (bool, error) {
	e.mu.RLock()
	evaluator, ok := e.evaluators[condition.Type]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown condition type: %s", condition.Type)
	}
	return evaluator.Evaluate(ctx, condition, evalCtx)
}

// CacheStats exposes the result cache counters.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

func fingerprint(metrics map[string]any) (string, error) {
	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(metrics)
	if err != nil {
		return "", fmt.Errorf("fingerprint metrics: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MapEvaluationContext resolves dotted paths in nested maps.
type MapEvaluationContext struct {
	data map[string]any
}

func NewMapContext(data map[string]any) *MapEvaluationContext {
	return &MapEvaluationContext{data: data}
}

// GetField retrieves a value by path (e.g. "coverage.lines"). A key that
// itself contains dots is matched before descending.
func (m *MapEvaluationContext) GetField(path string) (any, bool) {
	if v, ok := m.data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	current := m.data
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		next, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}
