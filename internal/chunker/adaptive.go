package chunker

import (
	"context"
	"strings"
)

// adaptiveChunker splits at structural markers (headings, bullets, blank
// lines) and packs consecutive blocks into chunks bounded between
// minTokens and maxTokens, preferring structural breaks over mid-sentence
// splits. Blocks larger than the maximum are hard-split.
type adaptiveChunker struct {
	minTokens int
	maxTokens int
}

func (c *adaptiveChunker) Strategy() Strategy { return StrategyAdaptive }

func (c *adaptiveChunker) Chunk(_ context.Context, text string) ([]Chunk, error) {
	blocks := structuralBlocks(text)
	if len(blocks) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	emit := func(start, end int) {
		segment := text[start:end]
		chunks = append(chunks, Chunk{
			Ordinal:    len(chunks),
			Text:       segment,
			TokenCount: CountTokens(segment),
			Strategy:   StrategyAdaptive,
		})
	}

	curStart := -1
	curTokens := 0
	flush := func(end int) {
		if curStart >= 0 {
			emit(curStart, end)
			curStart = -1
			curTokens = 0
		}
	}

	for _, b := range blocks {
		blockTokens := CountTokens(text[b.start:b.end])

		if blockTokens > c.maxTokens {
			flush(b.start)
			// Oversized block: fall back to token windows within it.
			segment := text[b.start:b.end]
			for _, sub := range windowSpans(segment, c.maxTokens, 0) {
				emit(b.start+sub.start, b.start+sub.end)
			}
			continue
		}

		if curStart >= 0 && curTokens+blockTokens > c.maxTokens {
			flush(b.start)
		}
		if curStart < 0 {
			curStart = b.start
		}
		curTokens += blockTokens

		// Once past the minimum, close at the next structural break.
		if curTokens >= c.minTokens {
			flush(b.end)
		}
	}
	flush(blocks[len(blocks)-1].end)

	return chunks, nil
}

// structuralBlocks splits text into contiguous spans at structural
// markers. A new block starts at a heading, a bullet or numbered item, or
// after a blank line. The spans cover the whole input.
func structuralBlocks(text string) []span {
	if text == "" {
		return nil
	}

	var starts []int
	lineStart := 0
	prevBlank := false
	for lineStart < len(text) {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += lineStart + 1
		}
		line := strings.TrimSpace(text[lineStart:min(lineEnd, len(text))])

		if lineStart > 0 && (isStructuralMarker(line) || prevBlank) {
			starts = append(starts, lineStart)
		}
		prevBlank = line == ""
		lineStart = lineEnd
	}

	spans := make([]span, 0, len(starts)+1)
	prev := 0
	for _, s := range starts {
		if s > prev {
			spans = append(spans, span{prev, s})
			prev = s
		}
	}
	spans = append(spans, span{prev, len(text)})
	return spans
}

// isStructuralMarker reports whether a trimmed line opens a heading,
// bullet, or numbered list item.
func isStructuralMarker(line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "#") {
		return true
	}
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, "• ") {
		return true
	}
	// Numbered items like "1." or "2)".
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')')
}
