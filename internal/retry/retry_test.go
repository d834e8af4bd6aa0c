package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 0.25, cfg.JitterFactor)
}

func TestConfig_Resolved(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  *Config
		want Config
	}{
		{"nil", nil, *DefaultConfig()},
		{"zero", &Config{}, *DefaultConfig()},
		{"negative", &Config{MaxRetries: -1, JitterFactor: -0.5}, *DefaultConfig()},
		{
			"custom with clamped jitter",
			&Config{MaxRetries: 1, InitialBackoff: 250 * time.Millisecond, MaxBackoff: time.Second, JitterFactor: 1.5},
			Config{MaxRetries: 1, InitialBackoff: 250 * time.Millisecond, MaxBackoff: time.Second, JitterFactor: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cfg.resolved())
		})
	}
}

func TestDo_Success(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := &Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}

	callCount := 0
	err := Do(ctx, cfg, func() error {
		callCount++
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestDo_RetryThenSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := &Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}

	callCount := 0
	err := Do(ctx, cfg, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("temporary error")
		}
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestDo_AllRetriesFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := &Config{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}

	expectedErr := errors.New("persistent error")
	callCount := 0
	err := Do(ctx, cfg, func() error {
		callCount++
		return expectedErr
	}, nil)

	assert.ErrorIs(t, err, expectedErr)
	assert.Equal(t, 3, callCount)
}

func TestDo_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
	}

	callCount := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		callCount++
		return errors.New("error")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_ShouldRetryStops(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := &Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}

	retryableErr := errors.New("retryable")
	nonRetryableErr := errors.New("non-retryable")

	callCount := 0
	err := Do(ctx, cfg, func() error {
		callCount++
		if callCount == 1 {
			return retryableErr
		}
		return nonRetryableErr
	}, &Options{
		ShouldRetry: func(err error) bool {
			return errors.Is(err, retryableErr)
		},
	})

	assert.ErrorIs(t, err, nonRetryableErr)
	assert.Equal(t, 2, callCount)
}

func TestDo_OnRetryCallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := &Config{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	}

	retryAttempts := []int{}
	err := Do(ctx, cfg, func() error {
		return errors.New("error")
	}, &Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			retryAttempts = append(retryAttempts, attempt)
		},
	})

	assert.Error(t, err)
	assert.Equal(t, []int{1, 2}, retryAttempts)
}

func TestDo_NilConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	callCount := 0
	err := Do(ctx, nil, func() error {
		callCount++
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	// Without jitter the delay doubles until the cap.
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for attempt, ms := range want {
		got := CalculateBackoff(attempt, 100*time.Millisecond, time.Second, 0)
		assert.Equal(t, ms*time.Millisecond, got, "attempt %d", attempt)
	}

	for i := 0; i < 50; i++ {
		got := CalculateBackoff(1, 100*time.Millisecond, 10*time.Second, DefaultJitterFactor)
		assert.GreaterOrEqual(t, got, 200*time.Millisecond)
		assert.LessOrEqual(t, got, 250*time.Millisecond)
	}
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 1))
}

func TestDo_ContextCanceledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultConfig()

	callCount := 0
	err := Do(ctx, cfg, func() error {
		callCount++
		return nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, callCount)
}

func TestDo_ContextDeadlineExceeded(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := &Config{
		MaxRetries:     10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     1 * time.Second,
	}

	err := Do(ctx, cfg, func() error {
		return errors.New("error")
	}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}
