package scheduler

import (
	"context"
	"log/slog"

	"github.com/bidflow/bidflow/internal/index"
	"github.com/bidflow/bidflow/internal/store"
)

// Cron expressions for the built-in maintenance jobs.
const (
	cachePurgeCron = "*/10 * * * *"
	backfillCron   = "*/5 * * * *"
	vacuumCron     = "0 3 * * *"
)

// defaultBackfillBatch bounds how many chunks one backfill pass embeds.
const defaultBackfillBatch = 64

// ChunkStore is the slice of the store the maintenance jobs need.
type ChunkStore interface {
	ListChunksMissingEmbedding(ctx context.Context, limit int) ([]*store.Chunk, error)
	UpdateChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error
	Vacuum(ctx context.Context) error
}

// Embedder computes a vector for one text. Satisfied by embedding.Cache.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CachePurger evicts expired cache entries. Satisfied by embedding.Cache.
type CachePurger interface {
	Purge() int
}

// VectorWriter persists chunk vectors. Satisfied by index.VectorIndex.
type VectorWriter interface {
	Upsert(ctx context.Context, chunkID string, vector []float32, meta index.Metadata) error
}

// Maintenance bundles the periodic upkeep of the retrieval pipeline.
type Maintenance struct {
	store    ChunkStore
	cache    CachePurger
	embedder Embedder
	index    VectorWriter
	batch    int
	logger   *slog.Logger
}

// NewMaintenance wires the maintenance jobs over the given components.
func NewMaintenance(st ChunkStore, cache CachePurger, embedder Embedder, ix VectorWriter, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		store:    st,
		cache:    cache,
		embedder: embedder,
		index:    ix,
		batch:    defaultBackfillBatch,
		logger:   logger,
	}
}

// Register adds the standard job set to a scheduler.
func (m *Maintenance) Register(s *Scheduler) error {
	if err := s.Register("cache-purge", cachePurgeCron, m.PurgeCache); err != nil {
		return err
	}
	if err := s.Register("embedding-backfill", backfillCron, m.BackfillEmbeddings); err != nil {
		return err
	}
	return s.Register("store-vacuum", vacuumCron, m.Vacuum)
}

// PurgeCache drops expired embedding cache entries.
func (m *Maintenance) PurgeCache(ctx context.Context) error {
	purged := m.cache.Purge()
	if purged > 0 {
		m.logger.InfoContext(ctx, "purged expired embeddings", "count", purged)
	}
	return nil
}

// BackfillEmbeddings embeds chunks whose embedding computation failed or
// was interrupted at ingest time, and writes the vectors to the index.
// Failures leave the chunk untouched for the next pass.
func (m *Maintenance) BackfillEmbeddings(ctx context.Context) error {
	chunks, err := m.store.ListChunksMissingEmbedding(ctx, m.batch)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	embedded := 0
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}

		vec, err := m.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			m.logger.WarnContext(ctx, "backfill embed failed",
				"chunk_id", chunk.ID, "error", err.Error())
			continue
		}
		if err := m.store.UpdateChunkEmbedding(ctx, chunk.ID, vec); err != nil {
			m.logger.WarnContext(ctx, "persist backfilled embedding",
				"chunk_id", chunk.ID, "error", err.Error())
			continue
		}
		if err := m.index.Upsert(ctx, chunk.ID, vec, index.Metadata{
			ProjectID:  chunk.ProjectID,
			DocumentID: chunk.DocumentID,
			Ordinal:    chunk.Ordinal,
		}); err != nil {
			m.logger.WarnContext(ctx, "index backfilled embedding",
				"chunk_id", chunk.ID, "error", err.Error())
			continue
		}
		embedded++
	}

	m.logger.InfoContext(ctx, "embedding backfill pass finished",
		"missing", len(chunks), "embedded", embedded)
	return nil
}

// Vacuum reclaims storage space.
func (m *Maintenance) Vacuum(ctx context.Context) error {
	return m.store.Vacuum(ctx)
}
