// Package retrieval combines lexical and vector ranking into a hybrid
// retriever over a project's chunk corpus, with optional query expansion
// and generation-based reranking.
package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/bidflow/bidflow/internal/embedding"
	"github.com/bidflow/bidflow/internal/index"
	"github.com/bidflow/bidflow/internal/llm"
	"github.com/bidflow/bidflow/internal/store"
)

// Config tunes the hybrid ranking. Weights only need to be meaningful
// relative to each other; a higher weight gives that signal more
// influence.
type Config struct {
	LexicalWeight  float64 `json:"lexical_weight"`
	SemanticWeight float64 `json:"semantic_weight"`
	// CandidateLimit bounds how many vector matches feed the ranking pool.
	CandidateLimit int `json:"candidate_limit"`
}

// DefaultConfig returns the standard hybrid weighting.
func DefaultConfig() Config {
	return Config{
		LexicalWeight:  0.3,
		SemanticWeight: 0.7,
		CandidateLimit: 50,
	}
}

// Options control per-call behavior.
type Options struct {
	// UseQueryExpansion paraphrases the query and merges candidate sets.
	UseQueryExpansion bool
	// UseReranking re-scores the leading candidates with a generation call.
	UseReranking bool
	// RerankPool is how many candidates to rerank; defaults to 3*topK.
	RerankPool int
}

// ScoredChunk is one ranked result with its component scores.
type ScoredChunk struct {
	Chunk         *store.Chunk `json:"chunk"`
	Score         float64      `json:"score"`
	LexicalScore  float64      `json:"lexical_score"`
	SemanticScore float64      `json:"semantic_score"`
}

// Retriever answers ad-hoc and task-driven retrieval requests. The
// generator is optional; without it, expansion and reranking are skipped.
type Retriever struct {
	store    store.Store
	index    *index.VectorIndex
	embedder embedding.Engine
	gen      llm.Generator
	cfg      Config
	logger   *slog.Logger
}

// New builds a retriever. embedder should already be wrapped with caching
// and resilience; gen may be nil.
func New(st store.Store, ix *index.VectorIndex, embedder embedding.Engine, gen llm.Generator, cfg Config, logger *slog.Logger) *Retriever {
	if cfg.LexicalWeight <= 0 && cfg.SemanticWeight <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:    st,
		index:    ix,
		embedder: embedder,
		gen:      gen,
		cfg:      cfg,
		logger:   logger,
	}
}

// Retrieve returns up to topK chunks for the query, ordered by descending
// combined score. Equal scores keep ordinal order. An empty candidate
// pool yields an empty result, not an error. Results never include chunks
// from another project.
func (r *Retriever) Retrieve(ctx context.Context, queryText, projectID string, topK int, opts Options) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 10
	}

	chunks, err := r.store.GetProjectChunks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return []ScoredChunk{}, nil
	}
	byID := make(map[string]*store.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	queries := r.expandQueries(ctx, queryText, opts)

	lexical := make(map[string]float64)
	semantic := make(map[string]float64)
	for _, q := range queries {
		for id, s := range lexicalScores(q, chunks) {
			if s > lexical[id] {
				lexical[id] = s
			}
		}
		r.mergeSemanticScores(ctx, q, projectID, semantic)
	}
	normalizeScores(lexical)

	// Union of both candidate sets, best score per chunk id.
	ids := make(map[string]struct{}, len(lexical)+len(semantic))
	for id := range lexical {
		ids[id] = struct{}{}
	}
	for id := range semantic {
		ids[id] = struct{}{}
	}

	results := make([]ScoredChunk, 0, len(ids))
	for id := range ids {
		chunk, ok := byID[id]
		if !ok {
			// Stale index entry; the chunk set was superseded.
			continue
		}
		lex := lexical[id]
		sem := semantic[id]
		if sem < 0 {
			sem = 0
		}
		results = append(results, ScoredChunk{
			Chunk:         chunk,
			Score:         r.cfg.LexicalWeight*lex + r.cfg.SemanticWeight*sem,
			LexicalScore:  lex,
			SemanticScore: sem,
		})
	}

	sortScored(results)

	if opts.UseReranking && r.gen != nil {
		pool := opts.RerankPool
		if pool < topK {
			pool = 3 * topK
		}
		if pool > len(results) {
			pool = len(results)
		}
		r.rerank(ctx, queryText, results[:pool])
		sortScored(results[:pool])
	}

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// mergeSemanticScores embeds one query variant and folds its vector
// matches into the score map, keeping the best score per chunk. Embedding
// or index failures degrade to lexical-only ranking rather than failing
// the retrieval.
func (r *Retriever) mergeSemanticScores(ctx context.Context, query, projectID string, into map[string]float64) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.WarnContext(ctx, "query embedding failed, using lexical ranking only",
			"error", err.Error())
		return
	}
	matches, err := r.index.Query(ctx, vec, r.cfg.CandidateLimit, index.Filter{ProjectID: projectID})
	if err != nil {
		r.logger.WarnContext(ctx, "vector query failed, using lexical ranking only",
			"error", err.Error())
		return
	}
	for _, m := range matches {
		if m.Score > into[m.ChunkID] {
			into[m.ChunkID] = m.Score
		}
	}
}

// sortScored orders by descending score; ties keep ordinal order, then
// document id for determinism across documents.
func sortScored(results []ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Chunk.DocumentID != results[j].Chunk.DocumentID {
			return results[i].Chunk.DocumentID < results[j].Chunk.DocumentID
		}
		return results[i].Chunk.Ordinal < results[j].Chunk.Ordinal
	})
}
