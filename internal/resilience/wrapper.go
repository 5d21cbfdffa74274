package resilience

import (
	"context"
	"log/slog"

	"github.com/bidflow/bidflow/pkg/schema"
)

// Config bundles the retry and breaker policies for a Wrapper.
type Config struct {
	Retry   RetryConfig
	Breaker BreakerConfig
}

// DefaultConfig returns the standard wrapper configuration.
func DefaultConfig() Config {
	return Config{
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultBreakerConfig(),
	}
}

// Wrapper guards outbound calls with retry and a per-dependency circuit
// breaker. Safe for concurrent use.
type Wrapper struct {
	retry    RetryConfig
	breakers *BreakerRegistry
	logger   *slog.Logger
}

// NewWrapper builds a wrapper from the config.
func NewWrapper(cfg Config, logger *slog.Logger) *Wrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		retry:    cfg.Retry,
		breakers: NewBreakerRegistry(cfg.Breaker),
		logger:   logger,
	}
}

// Breakers exposes the registry for state inspection.
func (w *Wrapper) Breakers() *BreakerRegistry {
	return w.breakers
}

// Do runs fn under the retry policy and the dependency's circuit breaker.
// Transient failures are retried with exponential backoff; permanent
// failures, cancellation and an open circuit fail immediately. The
// returned error always carries a typed code.
func (w *Wrapper) Do(ctx context.Context, dependency string, fn func(context.Context) error) error {
	maxAttempts := w.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := w.breakers.AllowRequest(dependency); err != nil {
			w.logger.WarnContext(ctx, "circuit open, fast failing",
				"dependency", dependency)
			return err
		}

		err := fn(ctx)
		if err == nil {
			w.breakers.RecordSuccess(dependency)
			return nil
		}

		classified := ClassifyError(err)
		lastErr = classified

		if countsAgainstBreaker(classified.Code) {
			state := w.breakers.RecordFailure(dependency)
			if state == CircuitOpen {
				w.logger.WarnContext(ctx, "circuit breaker opened",
					"dependency", dependency,
					"error", err.Error())
			}
		}

		if !IsRetryableError(classified) {
			return classified
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := ComputeBackoff(w.retry, attempt)
		w.logger.DebugContext(ctx, "retrying after transient failure",
			"dependency", dependency,
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err.Error())
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return schema.NewError(schema.ErrCodeCancelled, "retry wait cancelled").WithCause(werr)
		}
	}
	return lastErr
}

// countsAgainstBreaker reports whether an error code reflects dependency
// health. Cancellation and validation failures originate with the caller
// and never trip the circuit.
func countsAgainstBreaker(code string) bool {
	switch code {
	case schema.ErrCodeCancelled, schema.ErrCodeValidation:
		return false
	}
	return true
}

// Call runs fn under Do and returns its value.
func Call[T any](ctx context.Context, w *Wrapper, dependency string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := w.Do(ctx, dependency, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
