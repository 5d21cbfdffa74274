// Package chunker splits extracted document text into overlapping segments
// under one of several interchangeable strategies. Chunking is stateless
// per call; every input character is covered by at least one chunk and
// ordinals are contiguous starting at zero.
package chunker

import (
	"context"
	"strings"

	"github.com/bidflow/bidflow/pkg/schema"
)

// Strategy selects a chunking algorithm.
type Strategy string

const (
	StrategyFixed        Strategy = "fixed"
	StrategySemantic     Strategy = "semantic"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyAdaptive     Strategy = "adaptive"
)

// Chunk is one bounded segment of document text prepared for embedding and
// retrieval. Granularity is the token budget of the level that produced the
// chunk and is only set by the hierarchical strategy.
type Chunk struct {
	Ordinal     int      `json:"ordinal"`
	Text        string   `json:"text"`
	TokenCount  int      `json:"token_count"`
	Strategy    Strategy `json:"strategy"`
	Granularity int      `json:"granularity,omitempty"`
}

// Params tunes the strategies. Zero values fall back to defaults.
type Params struct {
	// Fixed-size window and overlap, in tokens.
	ChunkSize int `json:"chunk_size"`
	Overlap   int `json:"overlap"`

	// Semantic merge threshold on pairwise sentence similarity.
	Threshold float64 `json:"threshold"`

	// Hierarchical granularities, coarse to fine.
	Levels []int `json:"levels"`

	// Adaptive bounds, in tokens.
	MinSize int `json:"min_size"`
	MaxSize int `json:"max_size"`
}

func (p Params) withDefaults() Params {
	if p.ChunkSize <= 0 {
		p.ChunkSize = 500
	}
	if p.Overlap == 0 {
		p.Overlap = 50
	}
	if p.Overlap < 0 || p.Overlap >= p.ChunkSize {
		p.Overlap = 0
	}
	if p.Threshold <= 0 || p.Threshold >= 1 {
		p.Threshold = 0.82
	}
	if len(p.Levels) == 0 {
		p.Levels = []int{2048, 512, 128}
	}
	if p.MinSize <= 0 {
		p.MinSize = 100
	}
	if p.MaxSize <= 0 || p.MaxSize < p.MinSize {
		p.MaxSize = 800
	}
	return p
}

// EmbedFunc computes an embedding for a piece of text. The semantic
// strategy uses it to score sentence adjacency; a nil func makes semantic
// chunking fall back to fixed-size.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Chunker splits text under a single strategy.
type Chunker interface {
	Strategy() Strategy
	Chunk(ctx context.Context, text string) ([]Chunk, error)
}

// New builds a chunker for the strategy. The embed func is only consulted
// by the semantic strategy.
func New(strategy Strategy, params Params, embed EmbedFunc) (Chunker, error) {
	p := params.withDefaults()
	switch strategy {
	case StrategyFixed:
		return &fixedChunker{size: p.ChunkSize, overlap: p.Overlap}, nil
	case StrategySemantic:
		return &semanticChunker{
			threshold: p.Threshold,
			maxTokens: p.ChunkSize,
			embed:     embed,
			fallback:  &fixedChunker{size: p.ChunkSize, overlap: p.Overlap},
		}, nil
	case StrategyHierarchical:
		return &hierarchicalChunker{levels: p.Levels}, nil
	case StrategyAdaptive:
		return &adaptiveChunker{minTokens: p.MinSize, maxTokens: p.MaxSize}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown chunking strategy: %s", strategy)
	}
}

// CountTokens approximates the token count of a text as the number of
// whitespace-delimited words.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// span is a half-open [start, end) byte range into the source text.
type span struct {
	start, end int
}

// tokenSpans returns the byte ranges of every whitespace-delimited token.
func tokenSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

// windowSpans slides a token window of the given size with the given
// overlap over the text and returns character spans. The first span starts
// at 0 and the last ends at len(text); consecutive spans share the overlap
// tokens, so together they cover every character.
func windowSpans(text string, size, overlap int) []span {
	tokens := tokenSpans(text)
	if len(tokens) == 0 {
		if text == "" {
			return nil
		}
		return []span{{0, len(text)}}
	}

	stride := size - overlap
	if stride <= 0 {
		stride = size
	}

	var out []span
	prevEnd := 0
	for i := 0; i < len(tokens); i += stride {
		j := i + size - 1
		if j >= len(tokens) {
			j = len(tokens) - 1
		}
		start := tokens[i].start
		if len(out) == 0 {
			start = 0
		} else if start > prevEnd {
			// No overlapping tokens; close the whitespace gap so coverage
			// stays contiguous.
			start = prevEnd
		}
		end := tokens[j].end
		if j == len(tokens)-1 {
			end = len(text)
		}
		out = append(out, span{start, end})
		prevEnd = end
		if j == len(tokens)-1 {
			break
		}
	}
	return out
}
