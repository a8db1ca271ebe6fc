// Package resilience wraps each external AI capability in a circuit breaker
// with bounded exponential-backoff retries inside it. The breaker sees one
// failure per exhausted retry loop, not one per attempt.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	retry "github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
)

// ErrBreakerOpen is returned without invoking the wrapped function while the
// breaker is open.
var ErrBreakerOpen = errors.New("breaker open")

// Config tunes one guard. Zero values fall back to defaults.
type Config struct {
	FailureThreshold uint32        // consecutive failures before opening
	ResetTimeout     time.Duration // open duration before a single trial call
	MaxRetries       uint64        // retries after the first attempt
	RetryBase        time.Duration // initial backoff, doubled per retry
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.RetryBase == 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	return c
}

// Guard protects calls to one external capability.
type Guard[T any] struct {
	name string
	cfg  Config
	cb   *gobreaker.CircuitBreaker[T]
}

// NewGuard builds a named guard. Name appears in logs and error messages.
func NewGuard[T any](name string, cfg Config) *Guard[T] {
	cfg = cfg.withDefaults()
	g := &Guard[T]{name: name, cfg: cfg}
	g.cb = gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("breaker state change", "capability", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A cancelled pipeline run says nothing about the capability.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return g
}

// Do runs fn through the breaker with retries. fn must build any single-use
// payload (request bodies, multipart readers) fresh on every invocation.
// Context cancellation stops retrying immediately and is never counted as a
// capability failure worth tripping on.
func (g *Guard[T]) Do(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := g.cb.Execute(func() (T, error) {
		var result T
		backoff := retry.WithMaxRetries(g.cfg.MaxRetries, retry.NewExponential(g.cfg.RetryBase))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			var attemptErr error
			result, attemptErr = fn(ctx)
			if attemptErr == nil {
				return nil
			}
			if ctx.Err() != nil {
				return attemptErr
			}
			return retry.RetryableError(attemptErr)
		})
		return result, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			var zero T
			return zero, fmt.Errorf("%s: %w", g.name, ErrBreakerOpen)
		}
		var zero T
		return zero, fmt.Errorf("%s: %w", g.name, err)
	}
	return out, nil
}

// State exposes the breaker state for health reporting.
func (g *Guard[T]) State() string { return g.cb.State().String() }
