package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/szsip239/rtmux/internal/rtmux"
)

// Status is the lifecycle state of one peer connection, mirrored into the
// registry by OnStatusChange so HTTP handlers can report it without
// reaching into the Endpoint directly.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection owns one rtmux.Endpoint dialed out to a single peer, plus the
// Dialer goroutine supervising its reconnects. It generalizes the gateway
// package's single-peer Client onto rtmux: the pending-map/handshake logic
// that Client hand-rolled is now just Endpoint.Request/Serve underneath a
// Dialer.
type Connection struct {
	name   string
	url    string
	logger *zap.Logger

	ep     *rtmux.Endpoint
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	version string

	OnStatusChange func(Status)
}

// Dial constructs a Connection and starts its Dialer loop in the background.
// It returns once the first connection attempt has been dispatched, not once
// it has succeeded — callers wanting to block for the first successful
// handshake should call WaitUntilReady on the returned Connection.
func Dial(ctx context.Context, selfName, peerName, url, token string, timeout, backoff time.Duration, logger *zap.Logger) *Connection {
	ep := rtmux.New(selfName, timeout, logger)
	conn := &Connection{
		name:   peerName,
		url:    url,
		logger: logger,
		ep:     ep,
		done:   make(chan struct{}),
	}

	dialCtx, cancel := context.WithCancel(ctx)
	conn.cancel = cancel

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := &rtmux.Dialer{URL: url, Header: header, Backoff: backoff}

	conn.notify(StatusConnecting)
	go func() {
		defer close(conn.done)
		if err := dialer.Run(dialCtx, ep, true, nil); err != nil && dialCtx.Err() == nil {
			logger.Error("peer: dial loop ended", zap.String("peer", peerName), zap.Error(err))
			conn.notify(StatusError)
			return
		}
		conn.notify(StatusDisconnected)
	}()

	return conn
}

// WaitUntilReady blocks until the connection's first handshake completes.
func (c *Connection) WaitUntilReady(ctx context.Context) error {
	return c.ep.WaitUntilReady(ctx)
}

// IsConnected reports whether the underlying endpoint currently has a live socket.
func (c *Connection) IsConnected() bool {
	return c.ep.IsConnected()
}

// Request proxies to the underlying endpoint's Request.
func (c *Connection) Request(ctx context.Context, event string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	return c.ep.Request(ctx, event, args, kwargs)
}

// SetEvent registers a handler the peer may invoke on us over this connection.
func (c *Connection) SetEvent(name string, handler rtmux.Handler) {
	c.ep.SetEvent(name, handler)
}

// Version returns the last-observed peer version string, if any.
func (c *Connection) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetVersion records the peer version string, typically parsed out of a
// health check response.
func (c *Connection) SetVersion(v string) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

// Disconnect stops the dial loop and closes the current socket, if any,
// blocking until the dial goroutine has exited.
func (c *Connection) Disconnect() {
	c.cancel()
	_ = c.ep.Close()
	<-c.done
}

func (c *Connection) notify(s Status) {
	if c.OnStatusChange != nil {
		c.OnStatusChange(s)
	}
}
