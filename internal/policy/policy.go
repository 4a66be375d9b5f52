// Package policy provides the CEL-Go based escalation rule engine.
// Rules run after signal scoring and may only raise the recommended action.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

// Engine compiles and evaluates escalation rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    *domain.PolicyRule
	Program cel.Program
}

// NewEngine creates a rule engine with the assessment variable set.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("total_score", cel.DoubleType),
		cel.Variable("action", cel.StringType),
		cel.Variable("signals", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("endpoint", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("service", cel.StringType),
		cel.Variable("status_code", cel.IntType),
		cel.Variable("bytes_out", cel.IntType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("geo", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.PolicyRule) error {
	if rule == nil {
		return fmt.Errorf("%w: policy rule is required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and loads one rule.
func (e *Engine) LoadRule(rule *domain.PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}
	e.compiledRules[rule.ID] = compiled
	return nil
}

// LoadRules compiles and loads every enabled rule.
func (e *Engine) LoadRules(rules []*domain.PolicyRule) error {
	for _, rule := range rules {
		if rule.Enabled {
			if err := e.LoadRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules atomically replaces the loaded rule set. This enables
// hot-reloading of rules from the database.
func (e *Engine) ReloadRules(rules []*domain.PolicyRule) error {
	newRules := make(map[string]*CompiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules[rule.ID] = compiled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = newRules
	return nil
}

// RemoveRule unloads one rule. Unknown ids are a no-op.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiledRules, ruleID)
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// LoadedRules returns the currently loaded rule definitions.
func (e *Engine) LoadedRules() []*domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.PolicyRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Rule)
	}
	return rules
}

// Escalate evaluates every loaded rule against the scored assessment and
// returns the most severe action any firing rule demands, with the name of
// the rule that demanded it. A rule that evaluates with an error is skipped;
// rule errors must never block an assessment.
func (e *Engine) Escalate(ctx context.Context, input *engine.PolicyInput) (domain.Action, string, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	action := input.Assessment.Action
	escalatedBy := ""
	if len(rules) == 0 {
		return action, escalatedBy, nil
	}

	activation := buildActivation(input)
	for _, rule := range rules {
		out, _, err := rule.Program.ContextEval(ctx, activation)
		if err != nil {
			continue
		}
		fired, ok := out.(types.Bool)
		if !ok || !bool(fired) {
			continue
		}
		if rule.Rule.Action.Severity() > action.Severity() {
			action = rule.Rule.Action
			escalatedBy = rule.Rule.Name
		}
	}
	return action, escalatedBy, nil
}

func buildActivation(input *engine.PolicyInput) map[string]any {
	signals := make(map[string]float64, len(input.Assessment.Signals))
	for _, s := range input.Assessment.Signals {
		signals[s.Name] = s.Value
	}
	roles := input.Identity.Roles
	if roles == nil {
		roles = []string{}
	}
	return map[string]any{
		"total_score": input.Assessment.TotalScore,
		"action":      string(input.Assessment.Action),
		"signals":     signals,
		"endpoint":    input.Event.Endpoint,
		"method":      input.Event.Method,
		"service":     input.Event.Service,
		"status_code": int64(input.Event.StatusCode),
		"bytes_out":   input.Event.BytesOut,
		"roles":       roles,
		"geo":         input.Identity.Geo,
	}
}

// Close clears the loaded rule set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(rule *domain.PolicyRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("%w: policy rule id is required", domain.ErrInvalidInput)
	}
	if !domain.ValidAction(string(rule.Action)) {
		return nil, fmt.Errorf("%w: rule %s: unknown action %q", domain.ErrInvalidInput, rule.ID, rule.Action)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Program: program}, nil
}
