package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/bidflow/bidflow/pkg/schema"
)

// GuardEngine evaluates per-task CEL guard conditions against bundle
// scopes. Thread-safe: compiled programs are cached and reused.
type GuardEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGuardEngine creates a sandboxed CEL environment exposing the bundle
// scope variables:
//   - tasks:       map(string, dyn), upstream task outputs keyed by task name
//   - document:    string, the full document text
//   - project_id:  string
//   - document_id: string
func NewGuardEngine() (*GuardEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tasks", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("document", cel.StringType),
		cel.Variable("project_id", cel.StringType),
		cel.Variable("document_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &GuardEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Allow evaluates a guard expression against the bundle. An empty guard
// always allows. A non-boolean result is a validation error.
func (e *GuardEngine) Allow(ctx context.Context, expression string, bundle *InputBundle) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, bundle.scope())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q evaluated to %T, want bool", expression, out.Value()).
			WithDetails(map[string]any{"expression": expression})
	}
	return allowed, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *GuardEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
