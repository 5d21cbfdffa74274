package chunker

import "context"

// hierarchicalChunker produces parallel chunk sets at decreasing
// granularity, coarse to fine, so downstream consumers can pick a level.
// Each level uses a tenth of its window as overlap. Ordinals run
// contiguously across the flattened output; the Granularity field tells
// levels apart.
type hierarchicalChunker struct {
	levels []int
}

func (c *hierarchicalChunker) Strategy() Strategy { return StrategyHierarchical }

func (c *hierarchicalChunker) Chunk(_ context.Context, text string) ([]Chunk, error) {
	var chunks []Chunk
	for _, level := range c.levels {
		overlap := level / 10
		for _, s := range windowSpans(text, level, overlap) {
			segment := text[s.start:s.end]
			chunks = append(chunks, Chunk{
				Ordinal:     len(chunks),
				Text:        segment,
				TokenCount:  CountTokens(segment),
				Strategy:    StrategyHierarchical,
				Granularity: level,
			})
		}
	}
	return chunks, nil
}
