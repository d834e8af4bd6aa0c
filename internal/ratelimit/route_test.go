package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteBucket_SequentialInOrder(t *testing.T) {
	t.Parallel()

	b := NewRouteBucket("/channels/1/messages", nil, nil)

	var (
		mu       sync.Mutex
		order    []int
		inFlight int32
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		b.Queue(func(done func()) {
			defer wg.Done()
			if atomic.AddInt32(&inFlight, 1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
			done()
		}, false)
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "calls never overlap")
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestRouteBucket_WaitsForReset(t *testing.T) {
	t.Parallel()

	b := NewRouteBucket("/channels/123/messages", nil, nil)
	b.Update(1, 1, time.Now().Add(200*time.Millisecond))

	start := time.Now()
	times := make(chan time.Duration, 2)
	for i := 0; i < 2; i++ {
		b.Queue(func(done func()) {
			times <- time.Since(start)
			done()
		}, false)
	}

	first := <-times
	second := <-times
	assert.Less(t, first, 100*time.Millisecond)
	assert.GreaterOrEqual(t, second, 190*time.Millisecond)
}

func TestRouteBucket_NeverExceedsRemaining(t *testing.T) {
	t.Parallel()

	b := NewRouteBucket("/guilds/1/members", nil, nil)
	reset := time.Now().Add(300 * time.Millisecond)
	b.Update(5, 3, reset)

	var dispatched atomic.Int32
	var beforeReset atomic.Int32
	for i := 0; i < 6; i++ {
		b.Queue(func(done func()) {
			dispatched.Add(1)
			if time.Now().Before(reset) {
				beforeReset.Add(1)
			}
			done()
		}, false)
	}

	require.Eventually(t, func() bool { return dispatched.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), beforeReset.Load())
}

func TestRouteBucket_ShortGoesFirst(t *testing.T) {
	t.Parallel()

	b := NewRouteBucket("/channels/1/messages", nil, nil)

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	record := func(name string) RouteCall {
		return func(done func()) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done()
		}
	}

	b.Queue(func(done func()) {
		<-release
		done()
	}, false)
	b.Queue(record("normal"), false)
	b.Queue(record("retry"), true)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"retry", "normal"}, order)
}

func TestRouteBucket_BackOff(t *testing.T) {
	t.Parallel()

	b := NewRouteBucket("/channels/1/messages", nil, nil)
	b.BackOff(100 * time.Millisecond)

	_, remaining, reset := b.Limits()
	assert.Equal(t, 0, remaining)
	assert.False(t, reset.IsZero())

	start := time.Now()
	ran := make(chan time.Duration, 1)
	b.Queue(func(done func()) {
		ran <- time.Since(start)
		done()
	}, false)

	assert.GreaterOrEqual(t, <-ran, 90*time.Millisecond)
	assert.Eventually(t, func() bool { return b.Idle(time.Now()) }, time.Second, time.Millisecond)
}

func TestRouteBucket_Close(t *testing.T) {
	t.Parallel()

	b := NewRouteBucket("/channels/1/messages", nil, nil)
	b.BackOff(time.Hour)

	for i := 0; i < 3; i++ {
		b.Queue(func(done func()) { done() }, false)
	}
	assert.Equal(t, 3, b.Len())

	pending := b.Close()
	assert.Len(t, pending, 3)
	assert.Nil(t, b.Close())

	called := false
	b.Queue(func(done func()) {
		called = true
		done()
	}, false)
	assert.True(t, called, "calls queued after close run inline so the owner can reject them")
}
