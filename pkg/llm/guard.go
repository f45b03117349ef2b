package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/observability"
)

// Guard bounds every call to the wrapped generator with a timeout and a
// circuit breaker. It never retries.
type Guard struct {
	next    Generator
	timeout time.Duration
	breaker *CircuitBreaker
	obs     *observability.Provider
	logger  *slog.Logger
}

// NewGuard wraps next. A zero timeout leaves the caller's deadline alone; a
// nil breaker disables circuit breaking.
func NewGuard(next Generator, timeout time.Duration, breaker *CircuitBreaker) *Guard {
	return &Guard{
		next:    next,
		timeout: timeout,
		breaker: breaker,
		obs:     observability.Noop(),
		logger:  slog.Default().With("component", "llm"),
	}
}

// WithTimeout returns a copy of g using timeout instead.
func (g *Guard) WithTimeout(timeout time.Duration) *Guard {
	c := *g
	c.timeout = timeout
	return &c
}

// WithObservability returns a copy of g that tracks every call as a model
// call operation.
func (g *Guard) WithObservability(obs *observability.Provider) *Guard {
	c := *g
	if obs != nil {
		c.obs = obs
	}
	return &c
}

func (g *Guard) Generate(ctx context.Context, systemPrompt string, messages []Message) (text string, err error) {
	if g.breaker != nil && !g.breaker.Allow() {
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, g.breaker.Name())
	}

	provider := ""
	if g.breaker != nil {
		provider = g.breaker.Name()
	}
	ctx, finish := g.obs.TrackOperation(ctx, observability.OpGenerate, observability.GenerateOperation(provider)...)
	defer func() { finish(err) }()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	// buffered so a provider that ignores ctx cannot leak the goroutine past its own return
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		out, genErr := g.next.Generate(ctx, systemPrompt, messages)
		done <- result{text: out, err: genErr}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	if res.err != nil {
		// caller cancellation says nothing about provider health
		if g.breaker != nil {
			if errors.Is(res.err, context.Canceled) {
				g.breaker.Release()
			} else {
				g.breaker.Failure()
			}
		}
		g.logger.WarnContext(ctx, "generation failed",
			"error", res.err, "duration_ms", time.Since(start).Milliseconds())
		return "", res.err
	}
	if g.breaker != nil {
		g.breaker.Success()
	}
	return res.text, nil
}
