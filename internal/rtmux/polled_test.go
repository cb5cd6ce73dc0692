package rtmux

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePolledConn is an in-process PolledConn with a SetReadDeadline that
// actually times reads out, so Communicate's poll/send alternation can be
// exercised without a real socket.
type fakePolledConn struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
}

type polledTimeoutError struct{}

func (polledTimeoutError) Error() string   { return "fakePolledConn: i/o timeout" }
func (polledTimeoutError) Timeout() bool   { return true }
func (polledTimeoutError) Temporary() bool { return true }

func newFakePolledConn() *fakePolledConn {
	return &fakePolledConn{out: make(chan []byte, 64), in: make(chan []byte, 64), closed: make(chan struct{})}
}

func newFakePolledPair() (*fakePolledConn, *fakePolledConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &fakePolledConn{out: ab, in: ba, closed: make(chan struct{})}
	b := &fakePolledConn{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (c *fakePolledConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakePolledConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case data := <-c.in:
		return 1, data, nil
	case <-timeoutCh:
		return 0, nil, polledTimeoutError{}
	case <-c.closed:
		return 0, nil, errors.New("fakePolledConn: closed")
	}
}

func (c *fakePolledConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("fakePolledConn: closed")
	}
}

func (c *fakePolledConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func waitPolledConnected(t *testing.T, e *PolledEndpoint) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		connected := e.connected
		e.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("polled endpoint never became connected")
}

func TestPolledEndpointRequestResponse(t *testing.T) {
	a := NewPolled("a", 5*time.Millisecond, 2*time.Second, testLogger())
	b := NewPolled("b", 5*time.Millisecond, 2*time.Second, testLogger())
	b.SetEvent("echo", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	connA, connB := newFakePolledPair()
	go a.Communicate(ctx, connA)
	go b.Communicate(ctx, connB)
	waitPolledConnected(t, a)
	waitPolledConnected(t, b)

	resp, err := a.Request(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got string
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

// TestPolledEndpointSendsNothingSentinel verifies a tick with no outbound
// packet transmits the literal "Nothing" frame rather than staying silent.
func TestPolledEndpointSendsNothingSentinel(t *testing.T) {
	a := NewPolled("solo", 5*time.Millisecond, time.Second, testLogger())
	conn := newFakePolledConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Communicate(ctx, conn)

	handshake := <-conn.out
	var hs legacyFrame
	if err := json.Unmarshal(handshake, &hs); err != nil {
		t.Fatalf("handshake frame is not JSON: %v", err)
	}
	if hs.Status != StatusOk {
		t.Fatalf("expected Ok handshake, got %v", hs.Status)
	}

	select {
	case next := <-conn.out:
		if string(next) != sentinelNothing {
			t.Fatalf("expected %q sentinel, got %q", sentinelNothing, next)
		}
	case <-time.After(time.Second):
		t.Fatal("never received Nothing sentinel")
	}
}

// TestPolledEndpointAnswersPingImmediately verifies an inbound "ping" gets a
// "pong" reply without waiting behind the outbound queue.
func TestPolledEndpointAnswersPingImmediately(t *testing.T) {
	a := NewPolled("solo", 50*time.Millisecond, time.Second, testLogger())
	conn := newFakePolledConn()
	conn.in <- []byte(sentinelPing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Communicate(ctx, conn)

	<-conn.out // handshake

	select {
	case reply := <-conn.out:
		if string(reply) != sentinelPong {
			t.Fatalf("expected %q, got %q", sentinelPong, reply)
		}
	case <-time.After(time.Second):
		t.Fatal("never received pong reply")
	}
}

// TestPolledEndpointIgnoresPeerNothingSentinel verifies a received "Nothing"
// frame is treated like an empty read, not a decode failure that kills the
// connection.
func TestPolledEndpointIgnoresPeerNothingSentinel(t *testing.T) {
	a := NewPolled("solo", 5*time.Millisecond, time.Second, testLogger())
	a.SetEvent("echo", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	}))
	conn := newFakePolledConn()
	conn.in <- []byte(sentinelNothing)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Communicate(ctx, conn) }()

	<-conn.out // handshake

	req, _ := json.Marshal(legacyFrame{Status: StatusOk, Event: "echo", Session: "Name:peer,Time:0,Nonce:ab", Data: encodeValue("hi")})
	conn.in <- req

	var resp legacyFrame
	deadline := time.After(time.Second)
readLoop:
	for {
		select {
		case raw := <-conn.out:
			if string(raw) == sentinelNothing {
				continue
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				t.Fatalf("unexpected non-JSON frame after Nothing: %q", raw)
			}
			break readLoop
		case <-deadline:
			t.Fatal("never received echo response")
		}
	}
	if resp.Session != "Name:peer,Time:0,Nonce:ab" {
		t.Fatalf("unexpected response session: %q", resp.Session)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("Communicate never returned after cancel")
	}
}
