package chunker

import "context"

// fixedChunker slides a token window of size tokens with overlap tokens
// shared between consecutive chunks.
type fixedChunker struct {
	size    int
	overlap int
}

func (c *fixedChunker) Strategy() Strategy { return StrategyFixed }

func (c *fixedChunker) Chunk(_ context.Context, text string) ([]Chunk, error) {
	spans := windowSpans(text, c.size, c.overlap)
	chunks := make([]Chunk, 0, len(spans))
	for i, s := range spans {
		segment := text[s.start:s.end]
		chunks = append(chunks, Chunk{
			Ordinal:    i,
			Text:       segment,
			TokenCount: CountTokens(segment),
			Strategy:   StrategyFixed,
		})
	}
	return chunks, nil
}
