// Package circuitbreaker isolates REST network I/O from a failing upstream.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/util"
)

var cbTracer = otel.Tracer("avacord/circuitbreaker")

// Default settings.
const (
	DefaultThreshold = 10
	DefaultTimeout   = 30 * time.Second

	// tripRatio is the failure ratio that opens the breaker once Threshold
	// requests were seen in the current interval.
	tripRatio = 0.5
)

// Config holds breaker settings.
type Config struct {
	// Threshold is the minimum number of requests in an interval before the
	// failure ratio is evaluated. It also caps half-open trial requests.
	Threshold int

	// Timeout is how long the breaker stays open. It is also the counting
	// interval while closed.
	Timeout time.Duration
}

// CircuitBreaker wraps gobreaker.CircuitBreaker.
type CircuitBreaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the circuit breaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger for the circuit breaker.
func WithLogger(logger observability.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithMetrics reports state transitions to m.
func WithMetrics(m *observability.Metrics) Option {
	return func(cb *CircuitBreaker) {
		cb.metrics = m
	}
}

// New creates a new circuit breaker.
func New(name string, cfg Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}

	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	threshold := safeIntToUint32(cfg.Threshold)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: threshold,
		Interval:    cfg.Timeout,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < threshold {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= tripRatio
		},
		OnStateChange: cb.onStateChange,
	}

	cb.cb = gobreaker.NewCircuitBreaker(settings)
	cb.metrics.SetCircuitBreakerState(name, int(gobreaker.StateClosed))
	return cb
}

func (cb *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	cb.logger.Info("circuit breaker state change",
		observability.String("name", name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)
	cb.metrics.SetCircuitBreakerState(name, int(to))

	_, span := cbTracer.Start(context.Background(),
		"circuitbreaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("circuitbreaker.name", name),
		attribute.String("circuitbreaker.from", from.String()),
		attribute.String("circuitbreaker.to", to.String()),
	))
	span.End()
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// Execute runs fn with circuit breaker protection. A non-nil error from fn
// counts as a failure. When the breaker rejects the call the returned error
// matches util.ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", util.ErrCircuitOpen, cb.name, err)
	}
	return err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
