// Package llm provides text generation for the analysis tasks and the
// retrieval pipeline's query expansion and reranking.
package llm

import (
	"context"
	"strings"
)

// Request describes a single generation call.
type Request struct {
	// System is an optional system instruction.
	System string
	// Prompt is the user prompt.
	Prompt string
	// Temperature overrides the model default when > 0.
	Temperature float64
	// JSONOutput asks the model for a JSON response body.
	JSONOutput bool
}

// Generator produces text completions.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// ExtractJSON strips markdown code fences around a JSON payload. Models
// often wrap JSON in ```json blocks even when asked not to.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
