// Package index stores chunk vectors with metadata and answers
// nearest-neighbor queries by cosine similarity. Vectors live in a libSQL
// table as JSON arrays; ranking happens in process, which is plenty for
// per-project corpora of document chunks.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bidflow/bidflow/internal/embedding"
	"github.com/bidflow/bidflow/pkg/schema"
)

// Metadata identifies where a vector came from.
type Metadata struct {
	ProjectID  string `json:"project_id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
}

// Filter restricts a query to a project and optionally one document.
// ProjectID is mandatory; queries never cross project boundaries.
type Filter struct {
	ProjectID  string `json:"project_id"`
	DocumentID string `json:"document_id,omitempty"`
}

// Match is one query result, ordered by descending cosine similarity.
type Match struct {
	ChunkID    string  `json:"chunk_id"`
	Score      float64 `json:"score"`
	ProjectID  string  `json:"project_id"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
}

// VectorIndex persists and queries chunk vectors.
type VectorIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an open database. Call Ensure before first use.
func New(db *sql.DB, logger *slog.Logger) *VectorIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &VectorIndex{db: db, logger: logger}
}

// Ensure creates the index table if it does not exist. Safe to call
// repeatedly and against an already-populated index.
func (ix *VectorIndex) Ensure(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vector_index (
			chunk_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			vector TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vector_project ON vector_index(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vector_document ON vector_index(project_id, document_id)`,
	}
	for _, stmt := range stmts {
		if _, err := ix.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure vector index: %w", err)
		}
	}
	return nil
}

// Upsert writes or replaces the vector for a chunk.
func (ix *VectorIndex) Upsert(ctx context.Context, chunkID string, vector []float32, meta Metadata) error {
	if len(vector) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "empty vector for chunk %s", chunkID)
	}
	if meta.ProjectID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "missing project id for chunk %s", chunkID)
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	_, err = ix.db.ExecContext(ctx,
		`INSERT INTO vector_index (chunk_id, project_id, document_id, ordinal, vector)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET
		   project_id=excluded.project_id, document_id=excluded.document_id,
		   ordinal=excluded.ordinal, vector=excluded.vector`,
		chunkID, meta.ProjectID, meta.DocumentID, meta.Ordinal, string(data),
	)
	return err
}

// Delete removes a chunk's vector. Missing rows are not an error.
func (ix *VectorIndex) Delete(ctx context.Context, chunkID string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM vector_index WHERE chunk_id = ?`, chunkID)
	return err
}

// Query returns up to topK matches ordered by descending cosine
// similarity. Ties keep ordinal order. The filter's project id is
// required so results can never leak across projects.
func (ix *VectorIndex) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if filter.ProjectID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "vector query requires a project id")
	}
	if topK <= 0 {
		topK = 10
	}

	query := `SELECT chunk_id, project_id, document_id, ordinal, vector FROM vector_index WHERE project_id = ?`
	args := []any{filter.ProjectID}
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	skipped := 0
	for rows.Next() {
		var m Match
		var vecJSON string
		if err := rows.Scan(&m.ChunkID, &m.ProjectID, &m.DocumentID, &m.Ordinal, &vecJSON); err != nil {
			return nil, err
		}
		var candidate []float32
		if err := json.Unmarshal([]byte(vecJSON), &candidate); err != nil {
			skipped++
			continue
		}
		score, err := embedding.CosineSimilarity(vector, candidate)
		if err != nil {
			skipped++
			continue
		}
		m.Score = score
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		ix.logger.WarnContext(ctx, "skipped malformed or mismatched vectors", "count", skipped)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Ordinal < matches[j].Ordinal
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Count returns the number of indexed vectors for a project.
func (ix *VectorIndex) Count(ctx context.Context, projectID string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vector_index WHERE project_id = ?`, projectID,
	).Scan(&n)
	return n, err
}
