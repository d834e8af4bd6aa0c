package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectBackoff is the gateway reconnect delay for sessions that cannot
// resume. The first delay is the initial value; each following delay is the
// previous one multiplied by a random factor in [1, 3), capped at max.
type ReconnectBackoff struct {
	initial time.Duration
	max     time.Duration

	mu   sync.Mutex
	rand *rand.Rand
	last time.Duration
}

// NewReconnectBackoff creates a new reconnect backoff.
func NewReconnectBackoff(initial, max time.Duration) *ReconnectBackoff {
	return &ReconnectBackoff{
		initial: initial,
		max:     max,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
}

// Next returns the next delay. The attempt number is ignored; the delay
// grows from the previous value until Reset.
func (b *ReconnectBackoff) Next(_ int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last <= 0 {
		b.last = b.initial
	} else {
		next := math.Round(float64(b.last) * (b.rand.Float64()*2 + 1))
		b.last = time.Duration(math.Min(next, float64(b.max)))
	}
	if b.last > b.max {
		b.last = b.max
	}
	return b.last
}

// Reset starts the next sequence at the initial delay.
func (b *ReconnectBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = 0
}
