package gateway

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avacord/internal/observability"
)

// DefaultReleaseTimeout frees an identify slot whose shard never reported
// back.
const DefaultReleaseTimeout = 30 * time.Second

// Connector is a shard that can be started by the ConnectQueue.
type Connector interface {
	ShardID() int
	// Resumable reports whether the next connect resumes a session.
	// Resumes do not take an identify slot.
	Resumable() bool
	// Connect opens the transport. release must be called once the
	// handshake finished or failed.
	Connect(ctx context.Context, release func()) error
}

// ConnectQueue serializes shard connects of one process. Shards sharing
// a concurrency bucket (id % maxConcurrency) identify one at a time, and
// successive identifies of the whole queue are at least one spacing apart.
type ConnectQueue struct {
	limiter        IdentifyLimiter
	spacing        *rate.Limiter
	spacingSet     bool
	releaseTimeout time.Duration
	logger         observability.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer

	mu             sync.Mutex
	maxConcurrency int
	pending        []Connector
	inFlight       map[int]bool
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
}

// QueueOption configures a ConnectQueue.
type QueueOption func(*ConnectQueue)

// WithIdentifyLimiter sets the identify limiter.
func WithIdentifyLimiter(l IdentifyLimiter) QueueOption {
	return func(q *ConnectQueue) {
		q.limiter = l
	}
}

// WithIdentifySpacing sets the minimum gap between two identifies of the
// queue, whatever their bucket. Zero or less disables the gap.
func WithIdentifySpacing(d time.Duration) QueueOption {
	return func(q *ConnectQueue) {
		q.spacingSet = true
		q.spacing = nil
		if d > 0 {
			q.spacing = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithReleaseTimeout sets how long an identify slot is held at most.
func WithReleaseTimeout(d time.Duration) QueueOption {
	return func(q *ConnectQueue) {
		if d > 0 {
			q.releaseTimeout = d
		}
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(logger observability.Logger) QueueOption {
	return func(q *ConnectQueue) {
		q.logger = logger
	}
}

// WithQueueMetrics sets the metrics.
func WithQueueMetrics(m *observability.Metrics) QueueOption {
	return func(q *ConnectQueue) {
		q.metrics = m
	}
}

// WithQueueTracer sets the tracer used for identify spans.
func WithQueueTracer(t *observability.Tracer) QueueOption {
	return func(q *ConnectQueue) {
		q.tracer = t
	}
}

// NewConnectQueue creates a queue and starts its dispatch loop.
func NewConnectQueue(maxConcurrency int, opts ...QueueOption) *ConnectQueue {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &ConnectQueue{
		releaseTimeout: DefaultReleaseTimeout,
		logger:         observability.NopLogger(),
		maxConcurrency: maxConcurrency,
		inFlight:       make(map[int]bool),
		ctx:            ctx,
		cancel:         cancel,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.limiter == nil {
		q.limiter = NewLocalIdentifyLimiter(IdentifyInterval)
	}
	if !q.spacingSet {
		q.spacing = rate.NewLimiter(rate.Every(IdentifyInterval), 1)
	}
	q.logger = q.logger.With(observability.Component("connect-queue"))

	q.wg.Add(1)
	go q.loop()
	return q
}

// SetMaxConcurrency changes the number of concurrency buckets. It should be
// called before shards are enqueued.
func (q *ConnectQueue) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrency = n
	q.mu.Unlock()
	q.signal()
}

// MaxConcurrency returns the number of concurrency buckets.
func (q *ConnectQueue) MaxConcurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrency
}

// Enqueue appends the connector at the tail. It returns false if the
// connector is already pending or the queue is closed.
func (q *ConnectQueue) Enqueue(c Connector) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	for _, p := range q.pending {
		if p.ShardID() == c.ShardID() {
			q.mu.Unlock()
			return false
		}
	}
	q.pending = append(q.pending, c)
	q.mu.Unlock()

	q.logger.Debug("shard queued for connect", observability.ShardID(c.ShardID()))
	q.signal()
	return true
}

// Len returns the number of pending connectors.
func (q *ConnectQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close drops pending connectors and stops the queue. It returns the number
// of dropped connectors.
func (q *ConnectQueue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return n
}

func (q *ConnectQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *ConnectQueue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			q.dispatch()
		}
	}
}

// dispatch starts every pending connector whose bucket is free, keeping
// submission order among the rest.
func (q *ConnectQueue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	for _, c := range q.pending {
		if c.Resumable() {
			q.start(c, -1)
			continue
		}
		bucket := c.ShardID() % q.maxConcurrency
		if q.inFlight[bucket] {
			kept = append(kept, c)
			continue
		}
		q.inFlight[bucket] = true
		q.start(c, bucket)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
}

// start runs the connector in its own goroutine. bucket is -1 for resumes.
func (q *ConnectQueue) start(c Connector, bucket int) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.connect(c, bucket)
	}()
}

func (q *ConnectQueue) connect(c Connector, bucket int) {
	shardID := c.ShardID()
	logger := q.logger.With(observability.ShardID(shardID))

	if bucket < 0 {
		if err := c.Connect(q.ctx, func() {}); err != nil {
			logger.Warn("resume connect failed", observability.Error(err))
		}
		return
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.inFlight, bucket)
			q.mu.Unlock()
			q.signal()
		})
	}

	ctx, span := q.tracer.StartSpan(q.ctx, "gateway.identify",
		trace.WithAttributes(
			attribute.Int("shard.id", shardID),
			attribute.Int("shard.bucket", bucket),
		),
	)
	start := time.Now()
	err := q.limiter.Wait(ctx, bucket)
	if err == nil && q.spacing != nil {
		err = q.spacing.Wait(ctx)
	}
	waited := time.Since(start)
	q.metrics.ObserveIdentifyWait(waited)
	observability.EndSpan(span, 0, err)
	if err != nil {
		release()
		if q.ctx.Err() == nil {
			logger.Error("identify limiter failed", observability.Error(err))
			// Retry later rather than dropping the shard.
			time.AfterFunc(time.Second, func() { q.Enqueue(c) })
		}
		return
	}

	logger.Debug("identify slot acquired",
		observability.Int("bucket", bucket),
		observability.Duration("waited", waited),
	)

	guard := time.AfterFunc(q.releaseTimeout, func() {
		logger.Warn("identify slot released by timeout")
		release()
	})
	err = c.Connect(q.ctx, func() {
		guard.Stop()
		release()
	})
	if err != nil {
		guard.Stop()
		release()
		logger.Warn("connect failed", observability.Error(err))
	}
}
