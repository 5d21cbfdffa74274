package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidflow/bidflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedDocument(t *testing.T, s *LibSQLStore, projectID string) *Document {
	t.Helper()
	doc := &Document{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Name:       "Healthcare RFP",
		Text:       "The department seeks a managed records platform.",
		TokenCount: 8,
	}
	require.NoError(t, s.CreateDocument(context.Background(), doc))
	return doc
}

func seedRun(t *testing.T, s *LibSQLStore, projectID, documentID string) *Run {
	t.Helper()
	run := &Run{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		DocumentID: documentID,
		Status:     schema.RunStatusNotStarted,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Document tests ---

func TestCreateAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := seedDocument(t, s, "proj-1")
	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, "Healthcare RFP", got.Name)
	assert.Equal(t, 8, got.TokenCount)
}

func TestGetDocument_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDocument(context.Background(), "nonexistent")
	require.Error(t, err)
	pe, ok := err.(*schema.PipelineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, pe.Code)
}

func TestListDocumentsByProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedDocument(t, s, "proj-1")
	seedDocument(t, s, "proj-1")
	seedDocument(t, s, "proj-2")

	docs, err := s.ListDocuments(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

// --- Chunk tests ---

func TestReplaceAndGetChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")

	chunks := []*Chunk{
		{ID: uuid.New().String(), ProjectID: "proj-1", Ordinal: 0, Text: "first", TokenCount: 1},
		{ID: uuid.New().String(), ProjectID: "proj-1", Ordinal: 1, Text: "second", TokenCount: 1,
			Embedding: []float32{0.1, 0.2, 0.3}},
	}
	require.NoError(t, s.ReplaceChunks(ctx, doc.ID, "fixed", chunks))

	got, err := s.GetChunks(ctx, doc.ID, "fixed")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Ordinal)
	assert.Equal(t, "first", got[0].Text)
	assert.Nil(t, got[0].Embedding)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got[1].Embedding)
	assert.Equal(t, "fixed", got[1].Strategy)
}

func TestReplaceChunksSupersedesSameStrategy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")

	first := []*Chunk{{ID: uuid.New().String(), ProjectID: "proj-1", Ordinal: 0, Text: "old", TokenCount: 1}}
	require.NoError(t, s.ReplaceChunks(ctx, doc.ID, "fixed", first))

	// A different strategy keeps its own chunk set.
	semantic := []*Chunk{{ID: uuid.New().String(), ProjectID: "proj-1", Ordinal: 0, Text: "sem", TokenCount: 1}}
	require.NoError(t, s.ReplaceChunks(ctx, doc.ID, "semantic", semantic))

	second := []*Chunk{
		{ID: uuid.New().String(), ProjectID: "proj-1", Ordinal: 0, Text: "new-0", TokenCount: 1},
		{ID: uuid.New().String(), ProjectID: "proj-1", Ordinal: 1, Text: "new-1", TokenCount: 1},
	}
	require.NoError(t, s.ReplaceChunks(ctx, doc.ID, "fixed", second))

	fixed, err := s.GetChunks(ctx, doc.ID, "fixed")
	require.NoError(t, err)
	require.Len(t, fixed, 2)
	assert.Equal(t, "new-0", fixed[0].Text)

	sem, err := s.GetChunks(ctx, doc.ID, "semantic")
	require.NoError(t, err)
	require.Len(t, sem, 1)
	assert.Equal(t, "sem", sem[0].Text)
}

func TestUpdateChunkEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")

	chunk := &Chunk{ID: uuid.New().String(), ProjectID: "proj-1", Ordinal: 0, Text: "text", TokenCount: 1}
	require.NoError(t, s.ReplaceChunks(ctx, doc.ID, "fixed", []*Chunk{chunk}))

	missing, err := s.ListChunksMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	require.NoError(t, s.UpdateChunkEmbedding(ctx, chunk.ID, []float32{1, 2}))

	missing, err = s.ListChunksMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	got, err := s.GetChunks(ctx, doc.ID, "fixed")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got[0].Embedding)
}

func TestGetProjectChunksIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docA := seedDocument(t, s, "proj-a")
	docB := seedDocument(t, s, "proj-b")

	require.NoError(t, s.ReplaceChunks(ctx, docA.ID, "fixed",
		[]*Chunk{{ID: uuid.New().String(), ProjectID: "proj-a", Ordinal: 0, Text: "a", TokenCount: 1}}))
	require.NoError(t, s.ReplaceChunks(ctx, docB.ID, "fixed",
		[]*Chunk{{ID: uuid.New().String(), ProjectID: "proj-b", Ordinal: 0, Text: "b", TokenCount: 1}}))

	chunks, err := s.GetProjectChunks(ctx, "proj-a")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "proj-a", chunks[0].ProjectID)
}

// --- Run tests ---

func TestCreateGetUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")
	run := seedRun(t, s, "proj-1", doc.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusNotStarted, got.Status)
	assert.Nil(t, got.StartedAt)

	running := schema.RunStatusRunning
	now := time.Now().UTC()
	task := string(schema.TaskRFPAnalysis)
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:      &running,
		CurrentTask: &task,
		StartedAt:   &now,
	}))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, task, got.CurrentTask)
	require.NotNil(t, got.StartedAt)

	completed := schema.RunStatusCompleted
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status: &completed,
		Output: json.RawMessage(`{"proposal_outline":{}}`),
	}))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.JSONEq(t, `{"proposal_outline":{}}`, string(got.Output))
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := schema.RunStatusRunning
	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &status})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestGetActiveRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")

	active, err := s.GetActiveRun(ctx, "proj-1", doc.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	run := seedRun(t, s, "proj-1", doc.ID)
	active, err = s.GetActiveRun(ctx, "proj-1", doc.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, run.ID, active.ID)

	// Terminal runs no longer count as active.
	failed := schema.RunStatusFailed
	running := schema.RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &running}))
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &failed}))
	active, err = s.GetActiveRun(ctx, "proj-1", doc.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")

	seedRun(t, s, "proj-1", doc.ID)
	r2 := seedRun(t, s, "proj-1", doc.ID)
	seedRun(t, s, "proj-2", "other-doc")

	completed := schema.RunStatusCompleted
	running := schema.RunStatusRunning
	require.NoError(t, s.UpdateRun(ctx, r2.ID, RunUpdate{Status: &running}))
	require.NoError(t, s.UpdateRun(ctx, r2.ID, RunUpdate{Status: &completed}))

	runs, err := s.ListRuns(ctx, RunFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{ProjectID: "proj-1", Status: &completed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r2.ID, runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// --- Task state tests ---

func TestUpsertAndGetTaskState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")
	run := seedRun(t, s, "proj-1", doc.ID)

	started := time.Now().UTC()
	state := &TaskState{
		RunID:     run.ID,
		Task:      schema.TaskRFPAnalysis,
		Status:    schema.TaskStatusRunning,
		StartedAt: &started,
	}
	require.NoError(t, s.UpsertTaskState(ctx, state))

	got, err := s.GetTaskState(ctx, run.ID, string(schema.TaskRFPAnalysis))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRunning, got.Status)

	completed := time.Now().UTC()
	state.Status = schema.TaskStatusDone
	state.Output = json.RawMessage(`{"requirements":[]}`)
	state.CompletedAt = &completed
	state.DurationMs = 1200
	require.NoError(t, s.UpsertTaskState(ctx, state))

	got, err = s.GetTaskState(ctx, run.ID, string(schema.TaskRFPAnalysis))
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusDone, got.Status)
	assert.JSONEq(t, `{"requirements":[]}`, string(got.Output))
	assert.Equal(t, int64(1200), got.DurationMs)
}

func TestListTaskStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")
	run := seedRun(t, s, "proj-1", doc.ID)

	for _, task := range []schema.TaskName{schema.TaskRFPAnalysis, schema.TaskChallengeExtract} {
		require.NoError(t, s.UpsertTaskState(ctx, &TaskState{
			RunID:  run.ID,
			Task:   task,
			Status: schema.TaskStatusPending,
		}))
	}

	states, err := s.ListTaskStates(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

// --- Event tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")
	run := seedRun(t, s, "proj-1", doc.ID)

	require.NoError(t, s.AppendEvent(ctx, &Event{
		RunID: run.ID,
		Type:  schema.EventRunStarted,
	}))
	require.NoError(t, s.AppendEvent(ctx, &Event{
		RunID:   run.ID,
		Task:    string(schema.TaskRFPAnalysis),
		Type:    schema.EventTaskStarted,
		Payload: json.RawMessage(`{"attempt":1}`),
	}))

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
	assert.Equal(t, schema.EventTaskStarted, events[1].Type)
	assert.Equal(t, string(schema.TaskRFPAnalysis), events[1].Task)

	// Since filter skips already-seen events.
	events, err = s.GetEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Sequence)
}

// --- Insight tests ---

func TestSaveAndListInsights(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := seedDocument(t, s, "proj-1")
	run := seedRun(t, s, "proj-1", doc.ID)

	insight := &Insight{
		ID:         uuid.New().String(),
		ProjectID:  "proj-1",
		DocumentID: doc.ID,
		RunID:      run.ID,
		Kind:       "challenges",
		Payload:    json.RawMessage(`{"items":["legacy migration"]}`),
	}
	require.NoError(t, s.SaveInsight(ctx, insight))

	got, err := s.ListInsights(ctx, InsightFilter{ProjectID: "proj-1", Kind: "challenges"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"items":["legacy migration"]}`, string(got[0].Payload))

	got, err = s.ListInsights(ctx, InsightFilter{ProjectID: "proj-2"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	// A second migration pass is a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}
