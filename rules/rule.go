package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/songzhibin97/jobflow/types"
)

// Evaluator defines the interface for evaluating condition expressions
// against an entity change.
type Evaluator interface {
	Evaluate(expression string, oldEntity, newEntity types.Record) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached per expression.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// changeEnv builds the expression environment for one change. Expressions see
// the snapshots as "new" and "old" and may call changed("field").
func changeEnv(oldEntity, newEntity types.Record) map[string]interface{} {
	oldMap := map[string]interface{}(oldEntity.Clone())
	if oldMap == nil {
		oldMap = map[string]interface{}{}
	}
	newMap := map[string]interface{}(newEntity.Clone())
	if newMap == nil {
		newMap = map[string]interface{}{}
	}
	return map[string]interface{}{
		"new": newMap,
		"old": oldMap,
		"changed": func(field string) bool {
			return fieldChanged(oldEntity, newEntity, field)
		},
	}
}

// Evaluate evaluates the given expression against the change.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, oldEntity, newEntity types.Record) (bool, error) {
	env := changeEnv(oldEntity, newEntity)

	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(env), expr.AsBool())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile condition %q: %w", expression, err)
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run condition %q: %w", expression, err)
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
