package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	// DefaultJitterFactor adds up to 25% on top of each delay.
	DefaultJitterFactor = 0.25
)

// Config bounds a retry loop. Zero fields take the package defaults and the
// jitter factor is clamped to [0, 1].
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

// resolved returns a copy with every default applied.
func (c *Config) resolved() Config {
	var out Config
	if c != nil {
		out = *c
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = DefaultInitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	switch {
	case out.JitterFactor <= 0:
		out.JitterFactor = DefaultJitterFactor
	case out.JitterFactor > 1:
		out.JitterFactor = 1
	}
	return out
}

// Options hooks into a retry loop. Both fields are optional.
type Options struct {
	// ShouldRetry stops the loop when it returns false. Nil retries every
	// error.
	ShouldRetry func(error) bool
	// OnRetry runs before sleeping. attempt counts retries from 1.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

func (o *Options) retryable(err error) bool {
	return o == nil || o.ShouldRetry == nil || o.ShouldRetry(err)
}

func (o *Options) notify(attempt int, err error, backoff time.Duration) {
	if o != nil && o.OnRetry != nil {
		o.OnRetry(attempt, err, backoff)
	}
}

// Do calls fn until it succeeds, the retries run out, ShouldRetry rejects the
// error or ctx ends. It returns the last error of fn, or the context error.
func Do(ctx context.Context, cfg *Config, fn func() error, opts *Options) error {
	c := cfg.resolved()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= c.MaxRetries || !opts.retryable(err) {
			return err
		}

		backoff := CalculateBackoff(attempt, c.InitialBackoff, c.MaxBackoff, c.JitterFactor)
		opts.notify(attempt+1, err, backoff)
		if err := sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CalculateBackoff returns initial*2^attempt plus up to jitterFactor of
// that, capped at maxBackoff.
func CalculateBackoff(attempt int, initial, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	base := float64(initial) * math.Pow(2, float64(attempt))
	//nolint:gosec // timing jitter
	d := base + base*jitterFactor*rand.Float64()
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}
