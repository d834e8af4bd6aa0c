package ratelimit

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avacord/internal/observability"
)

// RouteCall is a queued call. It must invoke done exactly once when the
// call has finished and the bucket has been updated from the response.
type RouteCall func(done func())

// RouteBucket runs the calls of one REST route one at a time, in order, and
// waits out the route's reset when the server reports no remaining calls.
type RouteBucket struct {
	route   string
	latency *LatencyTracker
	metrics *observability.Metrics

	mu         sync.Mutex
	limit      int
	remaining  int
	reset      time.Time
	processing bool
	queue      []RouteCall
	timer      *time.Timer
	closed     bool
}

// NewRouteBucket creates an unpopulated bucket for route. The first call
// dispatches immediately.
func NewRouteBucket(route string, latency *LatencyTracker, metrics *observability.Metrics) *RouteBucket {
	return &RouteBucket{
		route:     route,
		latency:   latency,
		metrics:   metrics,
		remaining: 1,
	}
}

// Route returns the route key.
func (b *RouteBucket) Route() string {
	return b.route
}

// Queue adds a call. Short calls (retries) go to the head of the queue.
func (b *RouteBucket) Queue(call RouteCall, short bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		call(func() {})
		return
	}
	if short {
		b.queue = append([]RouteCall{call}, b.queue...)
	} else {
		b.queue = append(b.queue, call)
	}
	b.metrics.SetBucketQueueDepth(b.route, len(b.queue))
	processing := b.processing
	b.mu.Unlock()

	if !processing {
		b.Check(false)
	}
}

// Check dispatches the next call if the bucket allows it. While a call is
// in flight or a reset wait is armed, only an override may proceed.
func (b *RouteBucket) Check(override bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.queue) == 0 {
		b.processing = false
		b.mu.Unlock()
		return
	}
	if b.processing && !override {
		b.mu.Unlock()
		return
	}

	now := b.latency.Now()
	if !b.reset.IsZero() && !now.Before(b.reset) {
		b.remaining = b.limit
		if b.remaining <= 0 {
			b.remaining = 1
		}
		b.reset = time.Time{}
	}

	if b.remaining <= 0 && now.Before(b.reset) {
		b.processing = true
		wait := b.reset.Sub(now) + b.latency.Latency() + time.Millisecond
		if b.timer != nil {
			b.timer.Stop()
		}
		b.timer = time.AfterFunc(wait, func() {
			b.mu.Lock()
			b.timer = nil
			b.mu.Unlock()
			b.Check(true)
		})
		b.mu.Unlock()
		return
	}

	call := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	if b.remaining > 0 {
		b.remaining--
	}
	b.processing = true
	b.metrics.SetBucketQueueDepth(b.route, len(b.queue))
	b.mu.Unlock()

	var once sync.Once
	go call(func() {
		once.Do(func() {
			b.mu.Lock()
			b.processing = false
			b.mu.Unlock()
			b.Check(false)
		})
	})
}

// Update reconciles the bucket with server-reported limits. A zero reset
// leaves the current reset unchanged.
func (b *RouteBucket) Update(limit, remaining int, reset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit > 0 {
		b.limit = limit
	}
	if remaining < 0 {
		remaining = 0
	}
	b.remaining = remaining
	if !reset.IsZero() {
		b.reset = reset
	}
}

// BackOff blocks the bucket until now+d, as after a route 429.
func (b *RouteBucket) BackOff(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = 0
	b.reset = b.latency.Now().Add(d)
}

// Limits returns the bucket state.
func (b *RouteBucket) Limits() (limit, remaining int, reset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit, b.remaining, b.reset
}

// Len returns the number of queued calls.
func (b *RouteBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Idle reports whether the bucket has no queued or in-flight calls and its
// reset has passed, so it can be evicted.
func (b *RouteBucket) Idle(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.processing && len(b.queue) == 0 && (b.reset.IsZero() || now.After(b.reset))
}

// Close stops the reset timer and drops queued calls, returning them so the
// owner can reject them.
func (b *RouteBucket) Close() []RouteCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	pending := b.queue
	b.queue = nil
	b.metrics.SetBucketQueueDepth(b.route, 0)
	return pending
}
