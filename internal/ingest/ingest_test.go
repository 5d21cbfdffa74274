package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidflow/bidflow/internal/chunker"
	"github.com/bidflow/bidflow/internal/index"
	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/pkg/schema"
)

// hashEmbedder returns a fixed-dimension vector derived from text length.
type hashEmbedder struct {
	err   error
	calls int
}

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (e *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *hashEmbedder) Dimensions() int { return 3 }
func (e *hashEmbedder) Name() string    { return "hash" }

type fixture struct {
	store    *store.LibSQLStore
	index    *index.VectorIndex
	embedder *hashEmbedder
	ingestor *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ingest.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	ix := index.New(s.DB(), nil)
	require.NoError(t, ix.Ensure(context.Background()))

	emb := &hashEmbedder{}
	return &fixture{
		store:    s,
		index:    ix,
		embedder: emb,
		ingestor: New(s, emb, ix, chunker.Params{ChunkSize: 10, Overlap: 2}, nil),
	}
}

func TestIngestCreatesDocumentAndChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text := strings.Repeat("migrate the records and validate the output totals ", 5)
	res, err := f.ingestor.Ingest(ctx, "proj-1", "rfp.txt", text, chunker.StrategyFixed)
	require.NoError(t, err)

	assert.Equal(t, "proj-1", res.Document.ProjectID)
	assert.Greater(t, res.Chunks, 1)
	assert.Equal(t, res.Chunks, res.Embedded)

	chunks, err := f.store.GetChunks(ctx, res.Document.ID, string(chunker.StrategyFixed))
	require.NoError(t, err)
	require.Len(t, chunks, res.Chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.NotEmpty(t, c.Embedding)
	}

	count, err := f.index.Count(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, res.Chunks, count)
}

func TestIngestDefaultsToFixedStrategy(t *testing.T) {
	f := newFixture(t)

	res, err := f.ingestor.Ingest(context.Background(), "proj-1", "doc", "short document text", "")
	require.NoError(t, err)
	assert.Equal(t, chunker.StrategyFixed, res.Strategy)
}

func TestIngestRejectsEmptyText(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingestor.Ingest(context.Background(), "proj-1", "doc", "   \n\t ", chunker.StrategyFixed)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestIngestRejectsMissingProject(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingestor.Ingest(context.Background(), "", "doc", "text", chunker.StrategyFixed)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestIngestRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingestor.Ingest(context.Background(), "proj-1", "doc", "text", "zigzag")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestIngestSurvivesEmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("quota exceeded")

	res, err := f.ingestor.Ingest(context.Background(), "proj-1", "doc",
		"a document whose chunks cannot be embedded right now", chunker.StrategyFixed)
	require.NoError(t, err)
	assert.Zero(t, res.Embedded)
	assert.Greater(t, res.Chunks, 0)

	// The chunks are stored without vectors for the backfill job.
	missing, err := f.store.ListChunksMissingEmbedding(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, missing, res.Chunks)
}

func TestIngestAppendsIndexedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.ingestor.Ingest(ctx, "proj-1", "doc", "some document text here", chunker.StrategyFixed)
	require.NoError(t, err)

	events, err := f.store.GetEvents(ctx, res.Document.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventDocumentIndexed, events[0].Type)
	assert.Contains(t, string(events[0].Payload), "proj-1")
}

func TestIngestHierarchicalStrategy(t *testing.T) {
	f := newFixture(t)

	text := strings.Repeat("clause about deliverables and acceptance criteria ", 40)
	res, err := f.ingestor.Ingest(context.Background(), "proj-1", "doc", text, chunker.StrategyHierarchical)
	require.NoError(t, err)

	chunks, err := f.store.GetChunks(context.Background(), res.Document.ID, string(chunker.StrategyHierarchical))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Greater(t, chunks[0].Granularity, 0)
}
