package chunker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordText builds a synthetic document with n distinct whitespace tokens.
func wordText(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "w%d", i)
	}
	return sb.String()
}

// assertCoverage verifies that the chunks, in order, cover every character
// of the input with no gaps.
func assertCoverage(t *testing.T, text string, chunks []Chunk) {
	t.Helper()
	if text == "" {
		assert.Empty(t, chunks)
		return
	}
	require.NotEmpty(t, chunks)

	frontier := 0
	for i, c := range chunks {
		found := -1
		for start := frontier; start >= 0; start-- {
			if strings.HasPrefix(text[start:], c.Text) && start+len(c.Text) > frontier {
				found = start
				break
			}
		}
		require.GreaterOrEqual(t, found, 0, "chunk %d leaves a gap at offset %d", i, frontier)
		frontier = found + len(c.Text)
	}
	assert.Equal(t, len(text), frontier, "chunks do not reach the end of the input")
}

func assertContiguousOrdinals(t *testing.T, chunks []Chunk) {
	t.Helper()
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
}

func TestFixedChunkingFiveWindows(t *testing.T) {
	// 2,200 tokens at 500/50 slide with stride 450: five windows,
	// ordinals 0 through 4, the last one short.
	text := wordText(2200)
	c, err := New(StrategyFixed, Params{ChunkSize: 500, Overlap: 50}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	assertContiguousOrdinals(t, chunks)
	assertCoverage(t, text, chunks)

	for i := 0; i < 4; i++ {
		assert.Equal(t, 500, chunks[i].TokenCount)
	}
	assert.Equal(t, 400, chunks[4].TokenCount)
	assert.Less(t, chunks[4].TokenCount, 500)

	// Consecutive windows share the 50 overlap tokens.
	first := strings.Fields(chunks[1].Text)[:50]
	prev := strings.Fields(chunks[0].Text)
	assert.Equal(t, prev[len(prev)-50:], first)
}

func TestFixedChunkingSingleWindow(t *testing.T) {
	text := wordText(120)
	c, err := New(StrategyFixed, Params{ChunkSize: 500, Overlap: 50}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 120, chunks[0].TokenCount)
}

func TestFixedChunkingEmptyInput(t *testing.T) {
	c, err := New(StrategyFixed, Params{}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFixedChunkingWhitespaceOnly(t *testing.T) {
	c, err := New(StrategyFixed, Params{}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk(context.Background(), "  \n\t ")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "  \n\t ", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].TokenCount)
}

func TestCoverageAcrossStrategies(t *testing.T) {
	doc := "# Healthcare RFP\n\n" +
		"The department seeks a managed records platform. " +
		"Vendors must describe their migration approach in detail.\n\n" +
		"## Requirements\n" +
		"- Encrypted storage at rest\n" +
		"- Role based access control\n" +
		"- Audit logging for every access\n\n" +
		wordText(300) + "\n\n" +
		"Proposals are due within thirty days of publication."

	cases := []struct {
		strategy Strategy
		params   Params
	}{
		{StrategyFixed, Params{ChunkSize: 80, Overlap: 10}},
		{StrategySemantic, Params{ChunkSize: 80, Overlap: 10}},
		{StrategyHierarchical, Params{Levels: []int{128, 32}}},
		{StrategyAdaptive, Params{MinSize: 10, MaxSize: 60}},
	}

	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			c, err := New(tc.strategy, tc.params, nil)
			require.NoError(t, err)

			chunks, err := c.Chunk(context.Background(), doc)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)
			assertContiguousOrdinals(t, chunks)

			if tc.strategy == StrategyHierarchical {
				// Each level covers the input independently.
				for _, level := range tc.params.Levels {
					var levelChunks []Chunk
					for _, c := range chunks {
						if c.Granularity == level {
							levelChunks = append(levelChunks, c)
						}
					}
					assertCoverage(t, doc, levelChunks)
				}
				return
			}
			assertCoverage(t, doc, chunks)
		})
	}
}

func TestSemanticMergesSimilarSentences(t *testing.T) {
	embed := func(_ context.Context, text string) ([]float32, error) {
		if strings.Contains(strings.ToLower(text), "cat") {
			return []float32{1, 0}, nil
		}
		return []float32{0, 1}, nil
	}

	c, err := New(StrategySemantic, Params{ChunkSize: 100, Threshold: 0.8}, embed)
	require.NoError(t, err)

	text := "Cats purr softly. Cats nap all day. Dogs bark at strangers."
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "purr")
	assert.Contains(t, chunks[0].Text, "nap")
	assert.Contains(t, chunks[1].Text, "bark")
	assertCoverage(t, text, chunks)
}

func TestSemanticRespectsTokenBudget(t *testing.T) {
	// Every sentence is similar, but the budget forces a split.
	embed := func(_ context.Context, _ string) ([]float32, error) {
		return []float32{1, 0}, nil
	}

	c, err := New(StrategySemantic, Params{ChunkSize: 8, Threshold: 0.5}, embed)
	require.NoError(t, err)

	text := "One two three four five. Six seven eight nine ten. Eleven twelve thirteen fourteen."
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 8)
	}
	assertCoverage(t, text, chunks)
}

func TestSemanticFallsBackWithoutEmbedder(t *testing.T) {
	c, err := New(StrategySemantic, Params{ChunkSize: 50, Overlap: 5}, nil)
	require.NoError(t, err)

	text := wordText(120)
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.Equal(t, StrategySemantic, ch.Strategy)
	}
	assertCoverage(t, text, chunks)
}

func TestSemanticFallsBackOnEmbedFailure(t *testing.T) {
	embed := func(_ context.Context, _ string) ([]float32, error) {
		return nil, errors.New("backend unavailable")
	}

	c, err := New(StrategySemantic, Params{ChunkSize: 50, Overlap: 5}, embed)
	require.NoError(t, err)

	text := "First sentence here. Second sentence there. Third sentence anywhere."
	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assertCoverage(t, text, chunks)
}

func TestHierarchicalGranularities(t *testing.T) {
	text := wordText(600)
	c, err := New(StrategyHierarchical, Params{Levels: []int{2048, 512, 128}}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assertContiguousOrdinals(t, chunks)

	byLevel := map[int]int{}
	for _, ch := range chunks {
		byLevel[ch.Granularity]++
		assert.LessOrEqual(t, ch.TokenCount, ch.Granularity)
	}

	// 600 tokens fit one coarse window, need several medium and fine ones.
	assert.Equal(t, 1, byLevel[2048])
	assert.Greater(t, byLevel[512], 1)
	assert.Greater(t, byLevel[128], byLevel[512])
}

func TestAdaptiveBoundsAndBreaks(t *testing.T) {
	doc := "# Overview\n\n" +
		"Short intro paragraph with a handful of words.\n\n" +
		"## Scope\n" +
		"- first item one two three\n" +
		"- second item four five six\n\n" +
		"A closing paragraph that wraps up the section with some more words to count."

	c, err := New(StrategyAdaptive, Params{MinSize: 5, MaxSize: 25}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk(context.Background(), doc)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assertContiguousOrdinals(t, chunks)
	assertCoverage(t, doc, chunks)

	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 25)
	}
}

func TestAdaptiveOversizedBlock(t *testing.T) {
	// One long paragraph with no structural breaks at all.
	text := wordText(100)
	c, err := New(StrategyAdaptive, Params{MinSize: 5, MaxSize: 30}, nil)
	require.NoError(t, err)

	chunks, err := c.Chunk(context.Background(), text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 30)
	}
	assertCoverage(t, text, chunks)
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(Strategy("mystery"), Params{}, nil)
	assert.Error(t, err)
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 0, CountTokens("   \n"))
	assert.Equal(t, 3, CountTokens("one  two\nthree"))
}
