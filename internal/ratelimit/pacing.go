package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avacord/internal/observability"
	"github.com/vyrodovalexey/avacord/internal/util"
)

// PacingBucket is a leaky token bucket that paces tasks pre-emptively.
// Tokens refill continuously at limit per interval. Priority tasks run
// ahead of normal tasks and may consume the reserved tokens; within a
// priority class tasks run in submission order.
//
// Tasks are run one at a time, in dequeue order, on the goroutine that
// made them runnable. They must not block.
type PacingBucket struct {
	name     string
	limit    int
	interval time.Duration
	reserved int
	latency  *LatencyTracker
	logger   observability.Logger
	metrics  *observability.Metrics

	mu        sync.Mutex
	tokens    float64
	lastCheck time.Time
	queue     []*pacedTask
	timer     *time.Timer
	closed    bool
	done      chan struct{}

	// ready holds dequeued tasks waiting to run; running marks the
	// goroutine currently running them.
	ready   []func()
	running bool
}

type pacedTask struct {
	fn       func()
	priority bool
}

// PacingOption configures a PacingBucket.
type PacingOption func(*PacingBucket)

// WithReservedTokens keeps n tokens for priority tasks only.
func WithReservedTokens(n int) PacingOption {
	return func(b *PacingBucket) {
		if n > 0 {
			b.reserved = n
		}
	}
}

// WithLatencyTracker compensates refills for the observed latency.
func WithLatencyTracker(t *LatencyTracker) PacingOption {
	return func(b *PacingBucket) {
		b.latency = t
	}
}

// WithPacingName names the bucket in logs and metrics.
func WithPacingName(name string) PacingOption {
	return func(b *PacingBucket) {
		b.name = name
	}
}

// WithPacingLogger sets the logger.
func WithPacingLogger(logger observability.Logger) PacingOption {
	return func(b *PacingBucket) {
		b.logger = logger
	}
}

// WithPacingMetrics sets the metrics sink.
func WithPacingMetrics(m *observability.Metrics) PacingOption {
	return func(b *PacingBucket) {
		b.metrics = m
	}
}

// NewPacingBucket creates a bucket allowing limit tasks per interval.
// The bucket starts full.
func NewPacingBucket(limit int, interval time.Duration, opts ...PacingOption) *PacingBucket {
	if limit <= 0 {
		limit = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	b := &PacingBucket{
		name:     "pacing",
		limit:    limit,
		interval: interval,
		logger:   observability.NopLogger(),
		tokens:   float64(limit),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reserved >= b.limit {
		b.reserved = b.limit - 1
	}
	b.lastCheck = b.latency.ServerNow()
	return b
}

// Queue adds a task. Priority tasks are placed after the last queued
// priority task and ahead of every normal task.
func (b *PacingBucket) Queue(task func(), priority bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return util.ErrShutdown
	}
	b.insertLocked(&pacedTask{fn: task, priority: priority})
	b.checkLocked()
	b.mu.Unlock()

	b.run()
	return nil
}

// Wait blocks until a token has been taken for the caller.
func (b *PacingBucket) Wait(ctx context.Context, priority bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	granted := make(chan struct{})
	t := &pacedTask{fn: func() { close(granted) }, priority: priority}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return util.ErrShutdown
	}
	b.insertLocked(t)
	b.checkLocked()
	b.mu.Unlock()
	b.run()

	select {
	case <-granted:
		return nil
	case <-b.done:
		select {
		case <-granted:
			return nil
		default:
		}
		return util.ErrShutdown
	case <-ctx.Done():
		if !b.remove(t) {
			// The token was already taken; the caller may still use it.
			<-granted
			return nil
		}
		return ctx.Err()
	}
}

// Tokens returns the currently available tokens after refill.
func (b *PacingBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Len returns the number of queued tasks.
func (b *PacingBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close discards the queued tasks and rejects new ones. It returns the
// number of discarded tasks.
func (b *PacingBucket) Close() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.closed = true
	close(b.done)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	n := len(b.queue)
	b.queue = nil
	b.metrics.SetBucketQueueDepth(b.name, 0)
	return n
}

func (b *PacingBucket) insertLocked(t *pacedTask) {
	if !t.priority {
		b.queue = append(b.queue, t)
		return
	}
	idx := 0
	for i, q := range b.queue {
		if q.priority {
			idx = i + 1
		}
	}
	b.queue = append(b.queue, nil)
	copy(b.queue[idx+1:], b.queue[idx:])
	b.queue[idx] = t
}

func (b *PacingBucket) remove(t *pacedTask) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.queue {
		if q == t {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.metrics.SetBucketQueueDepth(b.name, len(b.queue))
			return true
		}
	}
	return false
}

// effectiveInterval stretches the interval by the latency of every token so
// a full bucket cannot arrive at the server faster than the server window.
func (b *PacingBucket) effectiveInterval() time.Duration {
	return b.interval + time.Duration(b.limit)*b.latency.Latency()
}

func (b *PacingBucket) refillLocked() {
	now := b.latency.ServerNow()
	elapsed := now.Sub(b.lastCheck)
	b.lastCheck = now
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) / float64(b.effectiveInterval()) * float64(b.limit)
	if b.tokens > float64(b.limit) {
		b.tokens = float64(b.limit)
	}
}

// checkLocked moves every task that can be paid for into the ready list and
// arms the wake timer for the rest.
func (b *PacingBucket) checkLocked() {
	if b.closed {
		return
	}
	b.refillLocked()

	for len(b.queue) > 0 {
		head := b.queue[0]
		need := 1.0
		if !head.priority {
			need += float64(b.reserved)
		}
		if b.tokens < need {
			b.scheduleLocked(need)
			break
		}
		b.tokens--
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.ready = append(b.ready, head.fn)
	}
	b.metrics.SetBucketQueueDepth(b.name, len(b.queue))
}

func (b *PacingBucket) scheduleLocked(need float64) {
	if b.timer != nil {
		b.timer.Stop()
	}
	missing := need - b.tokens
	wait := time.Duration(missing / float64(b.limit) * float64(b.effectiveInterval()))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	b.timer = time.AfterFunc(wait, func() {
		b.mu.Lock()
		b.timer = nil
		b.checkLocked()
		b.mu.Unlock()
		b.run()
	})
}

// run executes ready tasks in order. Only one goroutine runs tasks at a
// time; tasks made ready while it runs are picked up by the same loop.
func (b *PacingBucket) run() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	for len(b.ready) > 0 {
		fn := b.ready[0]
		b.ready[0] = nil
		b.ready = b.ready[1:]
		b.mu.Unlock()
		fn()
		b.mu.Lock()
	}
	b.running = false
	b.mu.Unlock()
}
