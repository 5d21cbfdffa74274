package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidflow/bidflow/internal/store"
	"github.com/bidflow/bidflow/pkg/schema"
)

func newTestIndex(t *testing.T) *VectorIndex {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ix := New(s.DB(), nil)
	require.NoError(t, ix.Ensure(context.Background()))
	return ix
}

func TestEnsureIsIdempotent(t *testing.T) {
	ix := newTestIndex(t)
	// Creating the index again against existing tables succeeds.
	require.NoError(t, ix.Ensure(context.Background()))
	require.NoError(t, ix.Ensure(context.Background()))
}

func TestUpsertAndQueryOrdering(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	meta := func(ordinal int) Metadata {
		return Metadata{ProjectID: "proj-1", DocumentID: "doc-1", Ordinal: ordinal}
	}
	require.NoError(t, ix.Upsert(ctx, "c-orthogonal", []float32{0, 1}, meta(0)))
	require.NoError(t, ix.Upsert(ctx, "c-identical", []float32{1, 0}, meta(1)))
	require.NoError(t, ix.Upsert(ctx, "c-partial", []float32{1, 1}, meta(2)))

	matches, err := ix.Query(ctx, []float32{1, 0}, 10, Filter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "c-identical", matches[0].ChunkID)
	assert.Equal(t, "c-partial", matches[1].ChunkID)
	assert.Equal(t, "c-orthogonal", matches[2].ChunkID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Greater(t, matches[1].Score, matches[2].Score)
}

func TestUpsertReplacesVector(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	meta := Metadata{ProjectID: "proj-1", DocumentID: "doc-1", Ordinal: 0}

	require.NoError(t, ix.Upsert(ctx, "c-1", []float32{0, 1}, meta))
	require.NoError(t, ix.Upsert(ctx, "c-1", []float32{1, 0}, meta))

	matches, err := ix.Query(ctx, []float32{1, 0}, 1, Filter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)

	n, err := ix.Count(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueryNeverCrossesProjects(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "a-1", []float32{1, 0},
		Metadata{ProjectID: "proj-a", DocumentID: "doc-a", Ordinal: 0}))
	require.NoError(t, ix.Upsert(ctx, "b-1", []float32{1, 0},
		Metadata{ProjectID: "proj-b", DocumentID: "doc-b", Ordinal: 0}))

	matches, err := ix.Query(ctx, []float32{1, 0}, 10, Filter{ProjectID: "proj-a"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a-1", matches[0].ChunkID)
	assert.Equal(t, "proj-a", matches[0].ProjectID)
}

func TestQueryRequiresProject(t *testing.T) {
	ix := newTestIndex(t)
	_, err := ix.Query(context.Background(), []float32{1, 0}, 10, Filter{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestQueryDocumentFilter(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "d1-c0", []float32{1, 0},
		Metadata{ProjectID: "proj-1", DocumentID: "doc-1", Ordinal: 0}))
	require.NoError(t, ix.Upsert(ctx, "d2-c0", []float32{1, 0},
		Metadata{ProjectID: "proj-1", DocumentID: "doc-2", Ordinal: 0}))

	matches, err := ix.Query(ctx, []float32{1, 0}, 10, Filter{ProjectID: "proj-1", DocumentID: "doc-2"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d2-c0", matches[0].ChunkID)
}

func TestQueryTopKAndTieBreak(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	// Same vector for all: equal scores, ordinal order decides.
	for i, id := range []string{"c-2", "c-0", "c-1"} {
		ordinal := []int{2, 0, 1}[i]
		require.NoError(t, ix.Upsert(ctx, id, []float32{1, 0},
			Metadata{ProjectID: "proj-1", DocumentID: "doc-1", Ordinal: ordinal}))
	}

	matches, err := ix.Query(ctx, []float32{1, 0}, 2, Filter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "c-0", matches[0].ChunkID)
	assert.Equal(t, "c-1", matches[1].ChunkID)
}

func TestQueryEmptyIndex(t *testing.T) {
	ix := newTestIndex(t)
	matches, err := ix.Query(context.Background(), []float32{1, 0}, 5, Filter{ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDelete(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, "c-1", []float32{1, 0},
		Metadata{ProjectID: "proj-1", DocumentID: "doc-1", Ordinal: 0}))
	require.NoError(t, ix.Delete(ctx, "c-1"))
	require.NoError(t, ix.Delete(ctx, "c-1"))

	n, err := ix.Count(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
