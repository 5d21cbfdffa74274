// Package validation checks task outputs and tool payloads against
// JSON Schema Draft 2020-12 documents.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bidflow/bidflow/pkg/schema"
)

// OutputChecker validates the structured payload a task node produced.
type OutputChecker interface {
	ValidateTaskOutput(task schema.TaskName, raw []byte) error
}

// Validator holds the pre-compiled per-task output schemas and a cache of
// dynamically compiled payload schemas. Safe for concurrent use.
type Validator struct {
	outputs map[schema.TaskName]*jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// New compiles every task output schema up front so malformed schemas
// fail at startup rather than mid-run.
func New() (*Validator, error) {
	outputs := make(map[schema.TaskName]*jsonschema.Schema, len(taskSchemas))
	for task, src := range taskSchemas {
		compiled, err := compileSchema(fmt.Sprintf("bidflow://task-output/%s", task), []byte(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s output schema: %w", task, err)
		}
		outputs[task] = compiled
	}
	return &Validator{
		outputs: outputs,
		cache:   make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTaskOutput checks a task's raw JSON payload against that task's
// output schema. Any failure, including unparseable JSON, is reported as
// INVALID_TASK_OUTPUT, which is never retried.
func (v *Validator) ValidateTaskOutput(task schema.TaskName, raw []byte) error {
	compiled, ok := v.outputs[task]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "no output schema for task %q", task)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidTaskOutput, "task returned unparseable JSON").
			WithTask(string(task)).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toPipelineError(err, schema.ErrCodeInvalidTaskOutput).WithTask(string(task))
	}
	return nil
}

// ValidatePayload validates a payload against a JSON Schema provided as
// raw bytes, compiling and caching the schema on first use. An empty
// schema means no validation.
func (v *Validator) ValidatePayload(payload map[string]any, schemaBytes []byte) error {
	if payload == nil {
		return schema.NewError(schema.ErrCodeValidation, "payload is nil")
	}
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid payload schema").WithCause(err)
	}

	doc, err := toJSONValue(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toPipelineError(err, schema.ErrCodeValidation)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("bidflow://payload-schema/%d", len(v.cache))
	compiled, err := compileSchema(url, schemaBytes)
	if err != nil {
		return nil, err
	}

	v.cache[key] = compiled
	return compiled, nil
}

// compileSchema compiles one schema document under its own fresh compiler
// to avoid resource collisions between unrelated schemas.
func compileSchema(url string, src []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(src)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so
// numeric values become json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toPipelineError converts a jsonschema.ValidationError into a structured
// error carrying every leaf violation.
func toPipelineError(err error, code string) *schema.PipelineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(code, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
