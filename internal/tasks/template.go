package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bidflow/bidflow/pkg/schema"
)

// Renderer resolves ${{ <jq expression> }} references in prompt templates
// against an input bundle's scope.
type Renderer struct {
	jq *JQEngine
}

// NewRenderer creates a template renderer backed by a shared jq engine.
func NewRenderer(jq *JQEngine) *Renderer {
	return &Renderer{jq: jq}
}

// Render scans the template for ${{...}} tokens, evaluates each enclosed
// jq expression against the bundle scope, and splices the result in.
func (r *Renderer) Render(ctx context.Context, template string, bundle *InputBundle) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}

	scope := bundle.scope()

	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 3

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression in template")
		}
		end += start

		expr := strings.TrimSpace(template[start:end])
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty template expression: ${{ }}")
		}
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := r.jq.Evaluate(ctx, expr, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(renderValue(val))

		i = end + 2
	}

	return result.String(), nil
}

// renderValue converts a resolved jq value into its textual form for
// embedding in a prompt. Strings embed bare; everything else as JSON.
func renderValue(val any) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
