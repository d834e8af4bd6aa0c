package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

var errFakeClosed = errors.New("use of closed connection")

// fakeConn is an in-memory gateway connection driven by the test.
type fakeConn struct {
	url string

	in       chan []byte
	remote   chan error
	writes   chan Packet
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	code     int
	closedBy string
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:    url,
		in:     make(chan []byte, 64),
		remote: make(chan error, 1),
		writes: make(chan Packet, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.remote:
		return nil, err
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) Write(data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	c.writes <- p
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// push sends a frame from the server.
func (c *fakeConn) push(t *testing.T, op Opcode, data any, seq uint64, name string) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(Packet{Op: op, Data: raw, Seq: seq, Type: name})
	require.NoError(t, err)
	c.in <- frame
}

func (c *fakeConn) hello(t *testing.T, interval int64) {
	t.Helper()
	c.push(t, OpHello, Hello{HeartbeatInterval: interval}, 0, "")
}

func (c *fakeConn) ready(t *testing.T, sessionID string, seq uint64) {
	t.Helper()
	c.push(t, OpDispatch, Ready{SessionID: sessionID, ResumeGatewayURL: "wss://resume.example"}, seq, "READY")
}

// serverClose closes the connection from the server side.
func (c *fakeConn) serverClose(code int, reason string) {
	c.remote <- &CloseError{Code: code, Reason: reason}
}

// expect returns the next written frame with the opcode, skipping others.
func (c *fakeConn) expect(t *testing.T, op Opcode) Packet {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case p := <-c.writes:
			if p.Op == op {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", op)
			return Packet{}
		}
	}
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for connection close")
	}
}

// fakeDialer hands out fakeConns.
type fakeDialer struct {
	mu    sync.Mutex
	fail  int
	dials int
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	c := newFakeConn(url)
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// instantLimiter never waits.
type instantLimiter struct{}

func (instantLimiter) Wait(ctx context.Context, _ int) error {
	return ctx.Err()
}

// newInstantQueue creates a queue without any identify pacing.
func newInstantQueue(maxConcurrency int, opts ...QueueOption) *ConnectQueue {
	base := []QueueOption{WithIdentifyLimiter(instantLimiter{}), WithIdentifySpacing(0)}
	return NewConnectQueue(maxConcurrency, append(base, opts...)...)
}

func newTestShard(t *testing.T, mutate func(*ShardConfig)) (*Shard, *fakeDialer) {
	t.Helper()

	cfg := ShardConfig{
		ID:             0,
		Count:          1,
		Token:          "Bot secret-token",
		Intents:        513,
		GatewayURL:     "wss://gateway.example",
		ReconnectDelay: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	dialer := newFakeDialer()
	queue := newInstantQueue(1)
	s, err := NewShard(cfg, dialer, queue)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
		queue.Close()
	})
	return s, dialer
}

// nextEvent returns the next event of type T, skipping other events.
func nextEvent[T Event](t *testing.T, s *Shard) T {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-s.Events():
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// readyShard starts a shard and completes a fresh identify.
func readyShard(t *testing.T, s *Shard, d *fakeDialer, sessionID string, seq uint64) *fakeConn {
	t.Helper()
	require.NoError(t, s.Start())
	conn := d.next(t)
	conn.hello(t, 45000)
	conn.expect(t, OpIdentify)
	conn.ready(t, sessionID, seq)
	nextEvent[*ReadyEvent](t, s)
	return conn
}
