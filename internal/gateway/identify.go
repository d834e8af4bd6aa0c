package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avacord/internal/ratelimit/store"
)

// IdentifyInterval is the minimum spacing between two identifies.
const IdentifyInterval = 5 * time.Second

// IdentifyLimiter paces identify handshakes per concurrency bucket.
type IdentifyLimiter interface {
	// Wait blocks until the bucket may identify.
	Wait(ctx context.Context, bucket int) error
}

// LocalIdentifyLimiter paces identifies inside one process.
type LocalIdentifyLimiter struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

// NewLocalIdentifyLimiter creates a limiter allowing one identify per
// interval and bucket.
func NewLocalIdentifyLimiter(interval time.Duration) *LocalIdentifyLimiter {
	if interval <= 0 {
		interval = IdentifyInterval
	}
	return &LocalIdentifyLimiter{
		interval: interval,
		limiters: make(map[int]*rate.Limiter),
	}
}

// Wait implements IdentifyLimiter.
func (l *LocalIdentifyLimiter) Wait(ctx context.Context, bucket int) error {
	l.mu.Lock()
	lim, ok := l.limiters[bucket]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[bucket] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}

const storePollInterval = 50 * time.Millisecond

// StoreIdentifyLimiter paces identifies through a shared counter store so
// several processes running shards of the same bot respect one limit.
type StoreIdentifyLimiter struct {
	store    store.Store
	interval time.Duration
}

// NewStoreIdentifyLimiter creates a store backed limiter.
func NewStoreIdentifyLimiter(s store.Store, interval time.Duration) *StoreIdentifyLimiter {
	if interval <= 0 {
		interval = IdentifyInterval
	}
	return &StoreIdentifyLimiter{store: s, interval: interval}
}

// Wait implements IdentifyLimiter. The first process to create the bucket
// key owns the slot until the key expires.
func (l *StoreIdentifyLimiter) Wait(ctx context.Context, bucket int) error {
	key := "identify:" + strconv.Itoa(bucket)
	for {
		n, err := l.store.IncrementWithExpiry(ctx, key, 1, l.interval)
		if err != nil {
			return fmt.Errorf("failed to acquire identify slot %d: %w", bucket, err)
		}
		if n == 1 {
			return nil
		}

		wait := storePollInterval
		ttl, err := l.store.TTL(ctx, key)
		switch {
		case err != nil && !store.IsKeyNotFound(err):
			return fmt.Errorf("failed to read identify slot %d: %w", bucket, err)
		case err == nil && ttl > 0:
			wait = ttl
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
