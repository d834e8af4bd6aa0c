// Package ratelimit provides the client-side rate limiting primitives shared
// by the gateway shards and the REST client: a latency and clock offset
// tracker, a leaky pacing bucket, and the sequential per-route bucket.
package ratelimit

import (
	"sync"
	"time"

	"github.com/vyrodovalexey/avacord/internal/observability"
)

const (
	// latencyWindow is the number of samples kept for the moving averages.
	latencyWindow = 10

	// offsetSampleInterval is the minimum spacing between clock offset samples.
	offsetSampleInterval = 5 * time.Second

	// dateResolutionCompensation centers the one second resolution of the
	// Date header.
	dateResolutionCompensation = 500 * time.Millisecond

	// DefaultLatencyThreshold is the clock skew that triggers a warning.
	DefaultLatencyThreshold = 30 * time.Second
)

// LatencyTracker keeps moving averages of REST round trips and of the
// offset between the server clock and the local clock. It is safe for
// concurrent use.
type LatencyTracker struct {
	mu sync.RWMutex

	rtts    [latencyWindow]time.Duration
	offsets [latencyWindow]time.Duration
	rttIdx  int
	offIdx  int
	offN    int

	latency         time.Duration
	offset          time.Duration
	lastOffsetCheck time.Time
	warned          bool

	threshold    time.Duration
	compensation bool
	logger       observability.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// LatencyOption configures a LatencyTracker.
type LatencyOption func(*LatencyTracker)

// WithInitialLatency seeds every latency sample with d.
func WithInitialLatency(d time.Duration) LatencyOption {
	return func(t *LatencyTracker) {
		for i := range t.rtts {
			t.rtts[i] = d
		}
		t.latency = d
	}
}

// WithLatencyThreshold sets the clock skew that triggers a warning.
func WithLatencyThreshold(d time.Duration) LatencyOption {
	return func(t *LatencyTracker) {
		t.threshold = d
	}
}

// WithoutLatencyCompensation stops round trips from moving the latency
// estimate; it stays at its initial value.
func WithoutLatencyCompensation() LatencyOption {
	return func(t *LatencyTracker) {
		t.compensation = false
	}
}

// WithLatencyLogger sets the logger.
func WithLatencyLogger(logger observability.Logger) LatencyOption {
	return func(t *LatencyTracker) {
		t.logger = logger
	}
}

// WithLatencyMetrics sets the metrics sink.
func WithLatencyMetrics(m *observability.Metrics) LatencyOption {
	return func(t *LatencyTracker) {
		t.metrics = m
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) LatencyOption {
	return func(t *LatencyTracker) {
		t.now = now
	}
}

// NewLatencyTracker creates a new LatencyTracker.
func NewLatencyTracker(opts ...LatencyOption) *LatencyTracker {
	t := &LatencyTracker{
		threshold:    DefaultLatencyThreshold,
		compensation: true,
		logger:       observability.NopLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordRTT adds a round trip sample.
func (t *LatencyTracker) RecordRTT(rtt time.Duration) {
	if t == nil || rtt < 0 {
		return
	}

	t.mu.Lock()
	if !t.compensation {
		t.mu.Unlock()
		return
	}
	t.rtts[t.rttIdx] = rtt
	t.rttIdx = (t.rttIdx + 1) % latencyWindow
	var sum time.Duration
	for _, s := range t.rtts {
		sum += s
	}
	t.latency = sum / latencyWindow
	latency := t.latency
	t.mu.Unlock()

	t.metrics.SetRESTLatency(latency)
}

// ObserveServerDate records the server Date header of a response received at
// receivedAt. Samples closer than five seconds to the previous one are
// ignored.
func (t *LatencyTracker) ObserveServerDate(serverDate, receivedAt time.Time) {
	if t == nil || serverDate.IsZero() {
		return
	}

	t.mu.Lock()
	if !t.lastOffsetCheck.IsZero() && receivedAt.Sub(t.lastOffsetCheck) < offsetSampleInterval {
		t.mu.Unlock()
		return
	}
	t.lastOffsetCheck = receivedAt

	t.offsets[t.offIdx] = serverDate.Add(dateResolutionCompensation).Sub(receivedAt)
	t.offIdx = (t.offIdx + 1) % latencyWindow
	if t.offN < latencyWindow {
		t.offN++
	}
	var sum time.Duration
	for i := 0; i < t.offN; i++ {
		sum += t.offsets[i]
	}
	t.offset = sum / time.Duration(t.offN)

	skew := t.offset - t.latency
	warn := t.threshold > 0 && skew >= t.threshold && !t.warned
	if warn {
		t.warned = true
	} else if skew < t.threshold {
		t.warned = false
	}
	offset, latency := t.offset, t.latency
	t.mu.Unlock()

	if warn {
		t.logger.Warn("local clock is behind the server clock, rate limits may be hit",
			observability.Duration("offset", offset),
			observability.Duration("latency", latency),
		)
	}
}

// Latency returns the smoothed round trip.
func (t *LatencyTracker) Latency() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latency
}

// Offset returns the smoothed server clock offset (server minus local).
func (t *LatencyTracker) Offset() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offset
}

// Now returns the local wall clock.
func (t *LatencyTracker) Now() time.Time {
	if t == nil || t.now == nil {
		return time.Now()
	}
	return t.now()
}

// ServerNow returns the local clock corrected to the server clock.
func (t *LatencyTracker) ServerNow() time.Time {
	return t.Now().Add(t.Offset())
}

// LocalTime converts a server timestamp into local wall time.
func (t *LatencyTracker) LocalTime(server time.Time) time.Time {
	return server.Add(-t.Offset())
}
