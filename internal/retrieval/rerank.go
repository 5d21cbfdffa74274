package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bidflow/bidflow/internal/llm"
)

const maxPassageChars = 600

// expandQueries returns the original query plus up to three generated
// paraphrases. Without a generator, or when generation fails, it returns
// just the original.
func (r *Retriever) expandQueries(ctx context.Context, query string, opts Options) []string {
	queries := []string{query}
	if !opts.UseQueryExpansion || r.gen == nil {
		return queries
	}

	out, err := r.gen.Generate(ctx, llm.Request{
		System: "You rewrite search queries. Respond with plain text only.",
		Prompt: fmt.Sprintf(
			"Write 3 alternative phrasings of the following search query, one per line, without numbering or commentary:\n\n%s",
			query),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "query expansion failed, searching with original query only",
			"error", err.Error())
		return queries
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, query) {
			continue
		}
		queries = append(queries, line)
		if len(queries) == 4 {
			break
		}
	}
	return queries
}

// rerank re-scores the candidates with a single generation call in the
// style of a cross-encoder: the model sees the query with every passage
// and rates each for relevance. Failures leave the hybrid order in place.
func (r *Retriever) rerank(ctx context.Context, query string, candidates []ScoredChunk) {
	if len(candidates) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nRate the relevance of each passage to the query on a 0-10 scale.\n", query)
	sb.WriteString("Respond with a JSON array of numbers, one per passage, in order.\n\n")
	for i, c := range candidates {
		text := c.Chunk.Text
		if len(text) > maxPassageChars {
			text = text[:maxPassageChars]
		}
		fmt.Fprintf(&sb, "Passage %d:\n%s\n\n", i+1, text)
	}

	out, err := r.gen.Generate(ctx, llm.Request{
		Prompt:     sb.String(),
		JSONOutput: true,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "reranking failed, keeping hybrid order", "error", err.Error())
		return
	}

	var scores []float64
	if err := json.Unmarshal([]byte(llm.ExtractJSON(out)), &scores); err != nil || len(scores) != len(candidates) {
		r.logger.WarnContext(ctx, "reranking returned unusable scores, keeping hybrid order",
			"passages", len(candidates), "scores", len(scores))
		return
	}

	for i := range candidates {
		candidates[i].Score = scores[i]
	}
}
