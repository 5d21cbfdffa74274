package llm

import (
	"context"

	"github.com/bidflow/bidflow/internal/resilience"
)

// Dependency is the circuit-breaker key for generation calls.
const Dependency = "generation"

// Resilient wraps a Generator so every call runs under retry and
// circuit-breaker protection.
type Resilient struct {
	gen     Generator
	wrapper *resilience.Wrapper
}

// NewResilient wraps a generator with the given resilience wrapper.
func NewResilient(gen Generator, wrapper *resilience.Wrapper) *Resilient {
	return &Resilient{gen: gen, wrapper: wrapper}
}

func (r *Resilient) Generate(ctx context.Context, req Request) (string, error) {
	return resilience.Call(ctx, r.wrapper, Dependency, func(ctx context.Context) (string, error) {
		return r.gen.Generate(ctx, req)
	})
}

func (r *Resilient) Name() string { return r.gen.Name() }
