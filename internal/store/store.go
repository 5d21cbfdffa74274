package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context, projectID string) ([]*Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// Chunks
	ReplaceChunks(ctx context.Context, documentID, strategy string, chunks []*Chunk) error
	GetChunks(ctx context.Context, documentID, strategy string) ([]*Chunk, error)
	GetProjectChunks(ctx context.Context, projectID string) ([]*Chunk, error)
	UpdateChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error
	ListChunksMissingEmbedding(ctx context.Context, limit int) ([]*Chunk, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	GetActiveRun(ctx context.Context, projectID, documentID string) (*Run, error)

	// Task state (materialized view)
	UpsertTaskState(ctx context.Context, state *TaskState) error
	GetTaskState(ctx context.Context, runID, task string) (*TaskState, error)
	ListTaskStates(ctx context.Context, runID string) ([]*TaskState, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Insights
	SaveInsight(ctx context.Context, insight *Insight) error
	ListInsights(ctx context.Context, filter InsightFilter) ([]*Insight, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
