package store

import (
	"encoding/json"
	"time"

	"github.com/bidflow/bidflow/pkg/schema"
)

// Document is the persisted representation of an ingested document.
type Document struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Name       string    `json:"name"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chunk is a persisted document segment. Embedding is nil until computed.
// Chunks are immutable after creation; re-chunking a document under a
// different strategy writes a new set of rows instead of mutating these.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	ProjectID   string    `json:"project_id"`
	Ordinal     int       `json:"ordinal"`
	Text        string    `json:"text"`
	TokenCount  int       `json:"token_count"`
	Strategy    string    `json:"strategy"`
	Granularity int       `json:"granularity,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Run is the persisted representation of a workflow run.
type Run struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	DocumentID  string           `json:"document_id"`
	Status      schema.RunStatus `json:"status"`
	CurrentTask string           `json:"current_task,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// TaskState is the materialized view of a task's current execution state
// within a run.
type TaskState struct {
	RunID       string            `json:"run_id"`
	Task        schema.TaskName   `json:"task"`
	Status      schema.TaskStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Task      string          `json:"task,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Insight is a structured analysis result projected from a completed run.
type Insight struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	DocumentID string          `json:"document_id"`
	RunID      string          `json:"run_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ProjectID  string            `json:"project_id,omitempty"`
	DocumentID string            `json:"document_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	CurrentTask *string           `json:"current_task,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// InsightFilter specifies criteria for listing insights.
type InsightFilter struct {
	ProjectID  string `json:"project_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
