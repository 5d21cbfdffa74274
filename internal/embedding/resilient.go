package embedding

import (
	"context"

	"github.com/bidflow/bidflow/internal/resilience"
)

// Dependency is the circuit-breaker key for embedding calls.
const Dependency = "embeddings"

// Resilient wraps an Engine so every call runs under retry and
// circuit-breaker protection. Compose it under a Cache so only cache
// misses hit the breaker.
type Resilient struct {
	engine  Engine
	wrapper *resilience.Wrapper
}

// NewResilient wraps an engine with the given resilience wrapper.
func NewResilient(engine Engine, wrapper *resilience.Wrapper) *Resilient {
	return &Resilient{engine: engine, wrapper: wrapper}
}

func (r *Resilient) Embed(ctx context.Context, text string) ([]float32, error) {
	return resilience.Call(ctx, r.wrapper, Dependency, func(ctx context.Context) ([]float32, error) {
		return r.engine.Embed(ctx, text)
	})
}

func (r *Resilient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return resilience.Call(ctx, r.wrapper, Dependency, func(ctx context.Context) ([][]float32, error) {
		return r.engine.EmbedBatch(ctx, texts)
	})
}

func (r *Resilient) Dimensions() int { return r.engine.Dimensions() }

func (r *Resilient) Name() string { return r.engine.Name() }
