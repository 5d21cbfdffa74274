package chunker

import (
	"context"

	"github.com/bidflow/bidflow/internal/embedding"
)

// semanticChunker splits at sentence boundaries and merges adjacent
// sentences while their pairwise embedding similarity stays above the
// threshold. If no embed func is available, or embedding fails, it falls
// back to fixed-size chunking.
type semanticChunker struct {
	threshold float64
	maxTokens int
	embed     EmbedFunc
	fallback  *fixedChunker
}

func (c *semanticChunker) Strategy() Strategy { return StrategySemantic }

func (c *semanticChunker) Chunk(ctx context.Context, text string) ([]Chunk, error) {
	if c.embed == nil {
		return c.fallbackChunks(ctx, text)
	}

	sentences := sentenceSpans(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) == 1 {
		return c.emit(text, []span{sentences[0]}), nil
	}

	vectors := make([][]float32, len(sentences))
	for i, s := range sentences {
		vec, err := c.embed(ctx, text[s.start:s.end])
		if err != nil {
			return c.fallbackChunks(ctx, text)
		}
		vectors[i] = vec
	}

	var groups []span
	cur := sentences[0]
	curTokens := CountTokens(text[cur.start:cur.end])
	for i := 1; i < len(sentences); i++ {
		next := sentences[i]
		nextTokens := CountTokens(text[next.start:next.end])
		sim, err := embedding.CosineSimilarity(vectors[i-1], vectors[i])
		if err != nil {
			return c.fallbackChunks(ctx, text)
		}
		if sim >= c.threshold && curTokens+nextTokens <= c.maxTokens {
			cur.end = next.end
			curTokens += nextTokens
			continue
		}
		groups = append(groups, cur)
		cur = next
		curTokens = nextTokens
	}
	groups = append(groups, cur)

	return c.emit(text, groups), nil
}

func (c *semanticChunker) emit(text string, groups []span) []Chunk {
	chunks := make([]Chunk, 0, len(groups))
	for _, g := range groups {
		segment := text[g.start:g.end]
		if CountTokens(segment) > c.maxTokens {
			// A single run-on sentence can exceed the budget; hard-split it.
			for _, sub := range windowSpans(segment, c.maxTokens, 0) {
				piece := segment[sub.start:sub.end]
				chunks = append(chunks, Chunk{
					Ordinal:    len(chunks),
					Text:       piece,
					TokenCount: CountTokens(piece),
					Strategy:   StrategySemantic,
				})
			}
			continue
		}
		chunks = append(chunks, Chunk{
			Ordinal:    len(chunks),
			Text:       segment,
			TokenCount: CountTokens(segment),
			Strategy:   StrategySemantic,
		})
	}
	return chunks
}

func (c *semanticChunker) fallbackChunks(ctx context.Context, text string) ([]Chunk, error) {
	chunks, err := c.fallback.Chunk(ctx, text)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Strategy = StrategySemantic
	}
	return chunks, nil
}

// sentenceSpans splits text into sentence-sized spans. A sentence ends at
// '.', '!' or '?' followed by whitespace, or at a blank line. Spans are
// contiguous: each extends to the start of the next so that together they
// cover the whole input.
func sentenceSpans(text string) []span {
	if text == "" {
		return nil
	}

	var boundaries []int
	runes := []rune(text)
	bytePos := 0
	positions := make([]int, len(runes)+1)
	for i, r := range runes {
		positions[i] = bytePos
		bytePos += len(string(r))
	}
	positions[len(runes)] = bytePos

	for i := 0; i < len(runes)-1; i++ {
		r := runes[i]
		next := runes[i+1]
		if (r == '.' || r == '!' || r == '?') && (next == ' ' || next == '\n' || next == '\t') {
			boundaries = append(boundaries, positions[i+1])
			continue
		}
		if r == '\n' && next == '\n' {
			boundaries = append(boundaries, positions[i+1])
		}
	}

	var spans []span
	start := 0
	for _, b := range boundaries {
		if b <= start {
			continue
		}
		spans = append(spans, span{start, b})
		start = b
	}
	if start < len(text) {
		spans = append(spans, span{start, len(text)})
	}

	// Drop whitespace-only spans by folding them into the previous one.
	var out []span
	for _, s := range spans {
		if CountTokens(text[s.start:s.end]) == 0 && len(out) > 0 {
			out[len(out)-1].end = s.end
			continue
		}
		out = append(out, s)
	}
	return out
}
