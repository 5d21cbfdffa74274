package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/bidflow/bidflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the vector index).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Documents ---

func (s *LibSQLStore) CreateDocument(ctx context.Context, doc *Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, project_id, name, text, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ProjectID, doc.Name, doc.Text, doc.TokenCount, timeOrNow(doc.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	d := &Document{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, text, token_count, created_at FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.ProjectID, &d.Name, &d.Text, &d.TokenCount, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("document", id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *LibSQLStore) ListDocuments(ctx context.Context, projectID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, text, token_count, created_at
		 FROM documents WHERE project_id = ? ORDER BY created_at DESC`, projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Text, &d.TokenCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *LibSQLStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "document", id)
}

// --- Chunks ---

// ReplaceChunks atomically swaps the chunk set for a document and strategy.
// Existing rows for the same strategy are superseded; other strategies'
// chunk sets are untouched.
func (s *LibSQLStore) ReplaceChunks(ctx context.Context, documentID, strategy string, chunks []*Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND strategy = ?`, documentID, strategy,
	); err != nil {
		return fmt.Errorf("delete superseded chunks: %w", err)
	}

	for _, c := range chunks {
		embedding, err := marshalEmbedding(c.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding for chunk %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, project_id, ordinal, text, token_count, strategy, granularity, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, documentID, c.ProjectID, c.Ordinal, c.Text, c.TokenCount, strategy, c.Granularity,
			embedding, timeOrNow(c.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetChunks(ctx context.Context, documentID, strategy string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, project_id, ordinal, text, token_count, strategy, granularity, embedding, created_at
		 FROM chunks WHERE document_id = ? AND strategy = ? ORDER BY ordinal ASC`,
		documentID, strategy,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *LibSQLStore) GetProjectChunks(ctx context.Context, projectID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, project_id, ordinal, text, token_count, strategy, granularity, embedding, created_at
		 FROM chunks WHERE project_id = ? ORDER BY document_id, ordinal ASC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *LibSQLStore) UpdateChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	data, err := marshalEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET embedding = ? WHERE id = ?`, data, chunkID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "chunk", chunkID)
}

func (s *LibSQLStore) ListChunksMissingEmbedding(ctx context.Context, limit int) ([]*Chunk, error) {
	query := `SELECT id, document_id, project_id, ordinal, text, token_count, strategy, granularity, embedding, created_at
		 FROM chunks WHERE embedding IS NULL ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		c := &Chunk{}
		var embedding sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ProjectID, &c.Ordinal, &c.Text, &c.TokenCount,
			&c.Strategy, &c.Granularity, &embedding, &c.CreatedAt); err != nil {
			return nil, err
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &c.Embedding); err != nil {
				return nil, fmt.Errorf("unmarshal embedding for chunk %s: %w", c.ID, err)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, document_id, status, current_task, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.DocumentID, string(run.Status), nullStr(run.CurrentTask),
		nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := s.scanRunRow(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, document_id, status, current_task, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) scanRunRow(row *sql.Row) (*Run, error) {
	run := &Run{}
	var (
		status                 string
		currentTask            sql.NullString
		outputJSON, errorJSON  sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&run.ID, &run.ProjectID, &run.DocumentID, &status, &currentTask,
		&outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.CurrentTask = currentTask.String
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentTask != nil {
		sets = append(sets, "current_task = ?")
		args = append(args, nullStr(*update.CurrentTask))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, project_id, document_id, status, current_task, output, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			status                 string
			currentTask            sql.NullString
			outputJSON, errorJSON  sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.DocumentID, &status, &currentTask,
			&outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.CurrentTask = currentTask.String
		run.Output = rawOrNil(outputJSON)
		run.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetActiveRun returns the in-progress run for a document, or nil if none.
// Used to reject concurrent analyze requests for the same document.
func (s *LibSQLStore) GetActiveRun(ctx context.Context, projectID, documentID string) (*Run, error) {
	run, err := s.scanRunRow(s.db.QueryRowContext(ctx,
		`SELECT id, project_id, document_id, status, current_task, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE project_id = ? AND document_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, documentID, string(schema.RunStatusNotStarted), string(schema.RunStatusRunning),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// --- Task state ---

func (s *LibSQLStore) UpsertTaskState(ctx context.Context, state *TaskState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_states (run_id, task, status, output, error_code, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, task) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error_code=excluded.error_code, error=excluded.error,
		   retry_count=excluded.retry_count, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.RunID, string(state.Task), string(state.Status),
		nullRaw(state.Output), nullStr(state.ErrorCode), nullStr(state.Error),
		state.RetryCount, nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetTaskState(ctx context.Context, runID, task string) (*TaskState, error) {
	ts := &TaskState{}
	var (
		taskName, status       string
		output                 sql.NullString
		errorCode, errMsg      sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, task, status, output, error_code, error, retry_count, started_at, completed_at, duration_ms
		 FROM task_states WHERE run_id = ? AND task = ?`, runID, task,
	).Scan(&ts.RunID, &taskName, &status, &output, &errorCode, &errMsg,
		&ts.RetryCount, &startedAt, &completedAt, &ts.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task state", runID+"/"+task)
	}
	if err != nil {
		return nil, err
	}
	ts.Task = schema.TaskName(taskName)
	ts.Status = schema.TaskStatus(status)
	ts.Output = rawOrNil(output)
	ts.ErrorCode = errorCode.String
	ts.Error = errMsg.String
	if startedAt.Valid {
		ts.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ts.CompletedAt = &completedAt.Time
	}
	return ts, nil
}

func (s *LibSQLStore) ListTaskStates(ctx context.Context, runID string) ([]*TaskState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task, status, output, error_code, error, retry_count, started_at, completed_at, duration_ms
		 FROM task_states WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*TaskState
	for rows.Next() {
		ts := &TaskState{}
		var (
			taskName, status       string
			output                 sql.NullString
			errorCode, errMsg      sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&ts.RunID, &taskName, &status, &output, &errorCode, &errMsg,
			&ts.RetryCount, &startedAt, &completedAt, &ts.DurationMs); err != nil {
			return nil, err
		}
		ts.Task = schema.TaskName(taskName)
		ts.Status = schema.TaskStatus(status)
		ts.Output = rawOrNil(output)
		ts.ErrorCode = errorCode.String
		ts.Error = errMsg.String
		if startedAt.Valid {
			ts.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ts.CompletedAt = &completedAt.Time
		}
		states = append(states, ts)
	}
	return states, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, task, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Task), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, task, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var task, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &task, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Task = task.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Insights ---

func (s *LibSQLStore) SaveInsight(ctx context.Context, insight *Insight) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO insights (id, project_id, document_id, run_id, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`,
		insight.ID, insight.ProjectID, insight.DocumentID, insight.RunID, insight.Kind,
		string(insight.Payload), timeOrNow(insight.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListInsights(ctx context.Context, filter InsightFilter) ([]*Insight, error) {
	var where []string
	var args []any

	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}

	query := `SELECT id, project_id, document_id, run_id, kind, payload, created_at FROM insights`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		in := &Insight{}
		var payload string
		if err := rows.Scan(&in.ID, &in.ProjectID, &in.DocumentID, &in.RunID, &in.Kind, &payload, &in.CreatedAt); err != nil {
			return nil, err
		}
		in.Payload = json.RawMessage(payload)
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalEmbedding(vec []float32) (any, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
