package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avacord/internal/observability"
)

// Conn is an open gateway transport. Read is called from a single
// goroutine; Write and Close may be called concurrently.
type Conn interface {
	// Read returns the next text frame. A close from the peer is returned
	// as *CloseError.
	Read() ([]byte, error)
	Write(data []byte) error
	// Close sends a close frame with the code and closes the transport.
	Close(code int, reason string) error
}

// Dialer opens gateway transports.
type Dialer interface {
	Dial(ctx context.Context, gatewayURL string) (Conn, error)
}

// Gateway query defaults.
const (
	DefaultAPIVersion = 10
	DefaultEncoding   = "json"
	writeTimeout      = 10 * time.Second
)

// WebsocketDialer dials the gateway over gorilla/websocket. One dialer is
// shared by all shards; the dialing shard is taken from the context.
type WebsocketDialer struct {
	Dialer     *websocket.Dialer
	Header     http.Header
	APIVersion int
	Logger     observability.Logger
}

// NewWebsocketDialer creates a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		APIVersion: DefaultAPIVersion,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, gatewayURL string) (Conn, error) {
	target, err := gatewayQuery(gatewayURL, d.APIVersion)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	logger := d.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.WithContext(ctx)

	start := time.Now()
	ws, resp, err := dialer.DialContext(ctx, target, d.Header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}
	if err != nil {
		logger.Debug("gateway handshake failed",
			observability.Int("status", status),
			observability.Error(err),
		)
		return nil, fmt.Errorf("failed to dial gateway %s: %w", target, err)
	}
	logger.Debug("gateway handshake completed",
		observability.Duration("duration", time.Since(start)),
	)
	return &websocketConn{ws: ws}, nil
}

// gatewayQuery appends the version and encoding parameters.
func gatewayQuery(raw string, version int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", raw, err)
	}
	if version <= 0 {
		version = DefaultAPIVersion
	}
	q := u.Query()
	q.Set("v", fmt.Sprint(version))
	q.Set("encoding", DefaultEncoding)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type websocketConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func (c *websocketConn) Read() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *websocketConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
