package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a cached vector stays valid.
const DefaultCacheTTL = 24 * time.Hour

// DefaultCacheMaxSize bounds the number of cached vectors.
const DefaultCacheMaxSize = 10000

type cacheEntry struct {
	vector   []float32
	storedAt time.Time
}

// Cache memoizes embeddings keyed by a hash of the normalized text. It
// wraps an Engine and implements Engine itself, so callers embed through
// the cache transparently. Concurrent requests for the same uncached text
// share one in-flight computation; later callers wait for the first call
// and reuse its result. Nothing is cached on failure.
type Cache struct {
	engine  Engine
	ttl     time.Duration
	maxSize int
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group

	hits   int64
	misses int64
}

// NewCache wraps an engine with a TTL cache. A non-positive ttl or maxSize
// falls back to the defaults.
func NewCache(engine Engine, ttl time.Duration, maxSize int, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		engine:  engine,
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger,
		entries: make(map[string]cacheEntry),
	}
}

// CacheKey returns the cache key for a text: the hex SHA-256 of the text
// with whitespace runs collapsed to single spaces.
func CacheKey(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Embed returns the cached vector for the text, or computes and caches it.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(text)

	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		// A waiter may arrive after the winner stored the result and the
		// flight was forgotten; re-check before calling out.
		if vec, ok := c.lookup(key); ok {
			return vec, nil
		}
		vec, err := c.engine.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.store(key, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.DebugContext(ctx, "embedding computation shared with concurrent caller", "key", key[:12])
	}
	return v.([]float32), nil
}

// EmbedBatch embeds many texts, serving cached entries and computing the
// rest in a single backend call.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		key := CacheKey(text)
		if vec, ok := c.lookup(key); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.engine.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		i := missingIdx[j]
		out[i] = vec
		c.store(CacheKey(texts[i]), vec)
	}
	return out, nil
}

// Dimensions returns the wrapped engine's dimensionality.
func (c *Cache) Dimensions() int {
	return c.engine.Dimensions()
}

// Name returns the wrapped engine's name.
func (c *Cache) Name() string {
	return c.engine.Name()
}

func (c *Cache) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.vector, true
}

func (c *Cache) store(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{vector: vec, storedAt: time.Now()}
}

// evictOldestLocked removes the entry with the oldest store time.
// Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.storedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Purge removes expired entries and returns how many were dropped. Called
// periodically by the maintenance scheduler.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, entry := range c.entries {
		if time.Since(entry.storedAt) > c.ttl {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Stats reports cache hit/miss counters and the current size.
func (c *Cache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
