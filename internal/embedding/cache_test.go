package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEngine is a deterministic in-memory engine that records how many
// backend calls it receives.
type countingEngine struct {
	mu         sync.Mutex
	calls      int
	batchCalls int
	delay      time.Duration
	err        error
}

func (e *countingEngine) vectorFor(text string) []float32 {
	var sum float32
	for _, r := range text {
		sum += float32(r)
	}
	return []float32{sum, float32(len(text)), 1}
}

func (e *countingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.vectorFor(text), nil
}

func (e *countingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batchCalls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectorFor(t)
	}
	return out, nil
}

func (e *countingEngine) Dimensions() int { return 3 }
func (e *countingEngine) Name() string    { return "counting" }

func (e *countingEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestCacheHit(t *testing.T) {
	engine := &countingEngine{}
	cache := NewCache(engine, time.Minute, 100, nil)

	v1, err := cache.Embed(context.Background(), "request for proposal")
	require.NoError(t, err)
	v2, err := cache.Embed(context.Background(), "request for proposal")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, engine.callCount())

	hits, misses, size := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestCacheKeyNormalization(t *testing.T) {
	engine := &countingEngine{}
	cache := NewCache(engine, time.Minute, 100, nil)

	_, err := cache.Embed(context.Background(), "hello   world")
	require.NoError(t, err)
	_, err = cache.Embed(context.Background(), " hello world\n")
	require.NoError(t, err)

	// Whitespace differences collapse to the same key.
	assert.Equal(t, 1, engine.callCount())
}

func TestCacheSingleFlight(t *testing.T) {
	engine := &countingEngine{delay: 50 * time.Millisecond}
	cache := NewCache(engine, time.Minute, 100, nil)

	const callers = 10
	var wg sync.WaitGroup
	results := make([][]float32, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Embed(context.Background(), "shared text")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	// All concurrent callers share one backend call.
	assert.Equal(t, 1, engine.callCount())
}

func TestCacheFailureNotCached(t *testing.T) {
	engine := &countingEngine{err: errors.New("rate limited")}
	cache := NewCache(engine, time.Minute, 100, nil)

	_, err := cache.Embed(context.Background(), "doomed")
	require.Error(t, err)
	_, err = cache.Embed(context.Background(), "doomed")
	require.Error(t, err)

	// Failures are not memoized; each attempt reaches the backend.
	assert.Equal(t, 2, engine.callCount())
	_, _, size := cache.Stats()
	assert.Equal(t, 0, size)
}

func TestCacheFailurePropagatestoAllWaiters(t *testing.T) {
	engine := &countingEngine{delay: 30 * time.Millisecond, err: errors.New("backend down")}
	cache := NewCache(engine, time.Minute, 100, nil)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Embed(context.Background(), "same text")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		assert.Error(t, errs[i])
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	engine := &countingEngine{}
	cache := NewCache(engine, 20*time.Millisecond, 100, nil)

	_, err := cache.Embed(context.Background(), "short lived")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = cache.Embed(context.Background(), "short lived")
	require.NoError(t, err)
	assert.Equal(t, 2, engine.callCount())
}

func TestCachePurge(t *testing.T) {
	engine := &countingEngine{}
	cache := NewCache(engine, 20*time.Millisecond, 100, nil)

	for _, text := range []string{"a", "b", "c"} {
		_, err := cache.Embed(context.Background(), text)
		require.NoError(t, err)
	}

	time.Sleep(40 * time.Millisecond)
	dropped := cache.Purge()
	assert.Equal(t, 3, dropped)
	_, _, size := cache.Stats()
	assert.Equal(t, 0, size)
}

func TestCacheEviction(t *testing.T) {
	engine := &countingEngine{}
	cache := NewCache(engine, time.Minute, 2, nil)

	for _, text := range []string{"one", "two", "three"} {
		_, err := cache.Embed(context.Background(), text)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	_, _, size := cache.Stats()
	assert.LessOrEqual(t, size, 2)

	// The oldest entry was evicted; re-embedding it hits the backend again.
	before := engine.callCount()
	_, err := cache.Embed(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, before+1, engine.callCount())
}

func TestCacheEmbedBatch(t *testing.T) {
	engine := &countingEngine{}
	cache := NewCache(engine, time.Minute, 100, nil)

	// Warm one entry.
	_, err := cache.Embed(context.Background(), "alpha")
	require.NoError(t, err)

	vecs, err := cache.EmbedBatch(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 3)
	}

	// One single call for the warm-up, one batch call for the two misses.
	assert.Equal(t, 1, engine.calls)
	assert.Equal(t, 1, engine.batchCalls)
}
