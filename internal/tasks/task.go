// Package tasks defines the six analysis nodes the engine schedules over
// a document. Each node is a pure function of its input bundle: document
// text plus upstream outputs in, structured JSON out. Nodes never touch
// run state; the executor owns that.
package tasks

import (
	"context"
	"encoding/json"

	"github.com/bidflow/bidflow/pkg/schema"
)

// InputBundle is everything a node may read. The executor assembles it
// from the original document and the outputs of upstream done tasks.
type InputBundle struct {
	ProjectID    string
	DocumentID   string
	DocumentText string
	// Outputs holds the decoded output of every upstream done task.
	Outputs map[schema.TaskName]map[string]any
}

// scope flattens the bundle into the JSON object that jq templates and
// CEL guards evaluate against.
func (b *InputBundle) scope() map[string]any {
	tasks := make(map[string]any, len(b.Outputs))
	for name, out := range b.Outputs {
		tasks[string(name)] = out
	}
	return map[string]any{
		"project_id":  b.ProjectID,
		"document_id": b.DocumentID,
		"document":    b.DocumentText,
		"tasks":       tasks,
	}
}

// Node is one analysis task. Guard returns an optional CEL expression
// evaluated against the bundle scope before execution; a false guard
// means the node is skipped rather than run.
type Node interface {
	Name() schema.TaskName
	Guard() string
	Execute(ctx context.Context, bundle *InputBundle) (json.RawMessage, error)
}
