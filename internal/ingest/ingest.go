// Package ingest registers pre-extracted document text: it chunks the
// text under a configured strategy, embeds the chunks, and writes both
// the rows and the vectors so the document is immediately retrievable.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bidflow/bidflow/internal/chunker"
	"github.com/bidflow/bidflow/internal/embedding"
	"github.com/bidflow/bidflow/internal/index"
	"github.com/bidflow/bidflow/internal/logging"
	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/pkg/schema"
)

// Result summarizes one ingestion.
type Result struct {
	Document *store.Document  `json:"document"`
	Strategy chunker.Strategy `json:"strategy"`
	Chunks   int              `json:"chunks"`
	Embedded int              `json:"embedded"`
}

// Ingestor owns the document registration pipeline.
type Ingestor struct {
	store    store.Store
	embedder embedding.Engine
	index    *index.VectorIndex
	params   chunker.Params
	logger   *slog.Logger
}

// New builds an ingestor. embedder should already be wrapped with caching
// and resilience.
func New(st store.Store, embedder embedding.Engine, ix *index.VectorIndex, params chunker.Params, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:    st,
		embedder: embedder,
		index:    ix,
		params:   params,
		logger:   logger,
	}
}

// Ingest registers a document and makes its chunks retrievable. Embedding
// failures do not fail the ingest: the affected chunks are stored without
// a vector and the maintenance backfill picks them up later.
func (i *Ingestor) Ingest(ctx context.Context, projectID, name, text string, strategy chunker.Strategy) (*Result, error) {
	if projectID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "project_id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "document text is empty")
	}
	if strategy == "" {
		strategy = chunker.StrategyFixed
	}

	ck, err := chunker.New(strategy, i.params, i.embedder.Embed)
	if err != nil {
		return nil, err
	}

	doc := &store.Document{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Name:       name,
		Text:       text,
		TokenCount: chunker.CountTokens(text),
	}
	if err := i.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	ctx = logging.WithDocumentID(ctx, doc.ID)
	log := logging.LogWith(ctx, i.logger)

	pieces, err := ck.Chunk(ctx, text)
	if err != nil {
		return nil, err
	}

	embedded := 0
	rows := make([]*store.Chunk, 0, len(pieces))
	for _, piece := range pieces {
		row := &store.Chunk{
			ID:          uuid.New().String(),
			DocumentID:  doc.ID,
			ProjectID:   projectID,
			Ordinal:     piece.Ordinal,
			Text:        piece.Text,
			TokenCount:  piece.TokenCount,
			Strategy:    string(strategy),
			Granularity: piece.Granularity,
		}
		vec, embedErr := i.embedder.Embed(ctx, piece.Text)
		if embedErr != nil {
			log.WarnContext(ctx, "chunk embedding failed, deferring to backfill",
				"ordinal", piece.Ordinal, "error", embedErr.Error())
		} else {
			row.Embedding = vec
			embedded++
		}
		rows = append(rows, row)
	}

	if err := i.store.ReplaceChunks(ctx, doc.ID, string(strategy), rows); err != nil {
		return nil, err
	}

	for _, row := range rows {
		if row.Embedding == nil {
			continue
		}
		if err := i.index.Upsert(ctx, row.ID, row.Embedding, index.Metadata{
			ProjectID:  projectID,
			DocumentID: doc.ID,
			Ordinal:    row.Ordinal,
		}); err != nil {
			log.WarnContext(ctx, "index chunk vector", "ordinal", row.Ordinal, "error", err.Error())
		}
	}

	i.appendIndexedEvent(ctx, doc, strategy, len(rows), embedded)

	log.InfoContext(ctx, "document ingested",
		"strategy", string(strategy), "chunks", len(rows), "embedded", embedded)

	return &Result{Document: doc, Strategy: strategy, Chunks: len(rows), Embedded: embedded}, nil
}

// appendIndexedEvent records the ingestion in the event log, keyed by the
// document ID since no run exists yet.
func (i *Ingestor) appendIndexedEvent(ctx context.Context, doc *store.Document, strategy chunker.Strategy, chunks, embedded int) {
	payload, _ := json.Marshal(map[string]any{
		"project_id": doc.ProjectID,
		"strategy":   string(strategy),
		"chunks":     chunks,
		"embedded":   embedded,
		"at":         time.Now().UTC().Format(time.RFC3339),
	})
	if err := i.store.AppendEvent(ctx, &store.Event{
		RunID:   doc.ID,
		Type:    schema.EventDocumentIndexed,
		Payload: payload,
	}); err != nil {
		logging.LogWith(ctx, i.logger).WarnContext(ctx, "append indexed event", "error", err.Error())
	}
}
