// Package resilient implements the Resilient Executor (C4): operations
// run under a per-attempt timeout and are retried only when the error
// classifies as transient, with exponential backoff and jitter between
// attempts. The retry loop's shape (context-aware sleep, exponential
// delay with cap, permanent-error short-circuit) is carried over from
// the teacher's internal/retry/retry.go, generalized so the decision to
// retry comes from internal/classify's category/strategy taxonomy
// instead of a hand-wrapped PermanentError.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ParadoxReagent/coda-agent-sub001/internal/classify"
)

// tracer emits a span around every Execute call; with no SDK registered
// (the common case outside a configured OTLP collector) it is a no-op,
// per go.opentelemetry.io/otel's default global provider.
var tracer = otel.Tracer("coda-core/resilient")

// Config controls attempt count, per-attempt timeout, and backoff shape.
type Config struct {
	MaxAttempts  int
	Timeout      time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultConfig matches spec.md §3's defaults for the resilient executor.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		Timeout:      30 * time.Second,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	return c
}

// Result describes the outcome of Execute.
type Result struct {
	Attempts int
	Category classify.Category
	Err      error
	Duration time.Duration
}

// ErrAttemptTimeout wraps the error returned when a single attempt's
// context deadline elapses before the operation returns.
var ErrAttemptTimeout = errors.New("resilient: attempt timed out")

// Executor runs operations with bounded per-attempt timeouts and
// classification-driven retry.
type Executor struct {
	config Config
	rand   func() float64
}

// NewExecutor creates an Executor with the given Config.
func NewExecutor(config Config) *Executor {
	return &Executor{config: config.withDefaults(), rand: rand.Float64}
}

// Execute runs op, retrying while the classified category's default
// strategy is retry or backoff, up to MaxAttempts, sleeping between
// attempts with exponential backoff plus jitter. Each attempt gets its
// own Timeout-bounded context derived from ctx. The whole call is wrapped
// in a span recording attempt count and final status.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) Result {
	ctx, span := tracer.Start(ctx, "resilient.Execute", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	result := e.execute(ctx, op)

	span.SetAttributes(attribute.Int("resilient.attempts", result.Attempts))
	if result.Err != nil {
		span.SetAttributes(attribute.String("resilient.category", string(result.Category)))
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result
}

func (e *Executor) execute(ctx context.Context, op func(ctx context.Context) error) Result {
	start := time.Now()
	result := Result{}
	delay := e.config.InitialDelay

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		err := op(attemptCtx)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && err != nil
		cancel()

		if err == nil {
			result.Err = nil
			result.Category = ""
			result.Duration = time.Since(start)
			return result
		}
		if timedOut {
			err = fmt.Errorf("%w: %v", ErrAttemptTimeout, err)
		}

		result.Err = err
		result.Category = classify.Classify(err)
		strategy := classify.DefaultStrategy(result.Category)

		if strategy != classify.StrategyRetry && strategy != classify.StrategyBackoff {
			result.Duration = time.Since(start)
			return result
		}
		if attempt >= e.config.MaxAttempts {
			break
		}

		sleep := delay
		if e.config.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + e.rand()))
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * e.config.Factor)
		if delay > e.config.MaxDelay {
			delay = e.config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// Backoff computes the exponential delay for a given attempt, capped at max.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	if factor <= 0 {
		factor = 2.0
	}
	d := float64(initial) * math.Pow(factor, float64(attempt-1))
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}
