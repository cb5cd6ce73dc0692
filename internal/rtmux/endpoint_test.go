package rtmux

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeConn is an in-process duplex pipe satisfying Conn, used so the mux can
// be exercised end-to-end without a real network socket.
type fakeConn struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakePair() (*fakeConn, *fakeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &fakeConn{out: ab, in: ba, closed: make(chan struct{})}
	b := &fakeConn{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("fakeConn: closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("fakeConn: closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testLogger() *zap.Logger { return zap.NewNop() }

func startPair(t *testing.T, a, b *Endpoint) (*fakeConn, *fakeConn) {
	t.Helper()
	connA, connB := newFakePair()
	go a.Serve(context.Background(), connA)
	go b.Serve(context.Background(), connB)
	if err := a.WaitUntilReady(context.Background()); err != nil {
		t.Fatalf("endpoint a never became ready: %v", err)
	}
	if err := b.WaitUntilReady(context.Background()); err != nil {
		t.Fatalf("endpoint b never became ready: %v", err)
	}
	return connA, connB
}

// waitConnected polls until the endpoint has a live connection; WaitUntilReady
// is not enough on a reconnect, since the ready signal never resets.
func waitConnected(t *testing.T, e *Endpoint) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.IsConnected() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("endpoint never reconnected")
}

func TestEndpointEchoRequest(t *testing.T) {
	a := New("a", 2*time.Second, testLogger())
	b := New("b", 2*time.Second, testLogger())
	b.SetEvent("echo", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	}))
	startPair(t, a, b)

	resp, err := a.Request(context.Background(), "echo", []any{"hello"}, nil)
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

func TestEndpointHandlerErrorBecomesRemoteError(t *testing.T) {
	a := New("a", 2*time.Second, testLogger())
	b := New("b", 2*time.Second, testLogger())
	b.SetEvent("boom", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	}))
	startPair(t, a, b)

	_, err := a.Request(context.Background(), "boom", nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindRemoteError {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}

func TestEndpointHandlerPanicBecomesRemoteError(t *testing.T) {
	a := New("a", 2*time.Second, testLogger())
	b := New("b", 2*time.Second, testLogger())
	b.SetEvent("panics", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		panic("nope")
	}))
	startPair(t, a, b)

	_, err := a.Request(context.Background(), "panics", nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindRemoteError {
		t.Fatalf("expected RemoteError from recovered panic, got %v", err)
	}
}

func TestEndpointUnknownEventIsEventNotFound(t *testing.T) {
	a := New("a", 2*time.Second, testLogger())
	b := New("b", 2*time.Second, testLogger())
	startPair(t, a, b)

	_, err := a.Request(context.Background(), "nope", nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindEventNotFound {
		t.Fatalf("expected EventNotFound, got %v", err)
	}
}

func TestEndpointRequestTimesOut(t *testing.T) {
	a := New("a", 50*time.Millisecond, testLogger())
	b := New("b", 2*time.Second, testLogger())
	b.SetEvent("slow", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	}))
	startPair(t, a, b)

	_, err := a.Request(context.Background(), "slow", nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != KindTimeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if n := a.waits.len(); n != 0 {
		t.Fatalf("expected no waiter left after timeout, got %d", n)
	}
}

func TestEndpointDisconnectDrainsPendingRequests(t *testing.T) {
	a := New("a", 5*time.Second, testLogger())
	b := New("b", 5*time.Second, testLogger())
	b.SetEvent("hang", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		select {} // never responds; only closing connA should unblock the caller.
	}))
	connA, connB := startPair(t, a, b)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), "hang", nil, nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	connA.Close()

	select {
	case err := <-errCh:
		var reqErr *RequestError
		if !errors.As(err, &reqErr) || reqErr.Kind != KindDisconnected {
			t.Fatalf("expected Disconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request never resolved after disconnect")
	}
	if n := a.waits.len(); n != 0 {
		t.Fatalf("expected drained wait set, got %d waiters", n)
	}

	// A fresh connection over the same endpoints works after the drain.
	connB.Close()
	b.SetEvent("echo", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	}))
	startPair(t, a, b)
	waitConnected(t, a)
	waitConnected(t, b)

	resp, err := a.Request(context.Background(), "echo", []any{"back"}, nil)
	if err != nil {
		t.Fatalf("request after reconnect failed: %v", err)
	}
	var got string
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got != "back" {
		t.Fatalf("expected back, got %q", got)
	}
}

func TestEndpointConcurrentRequests(t *testing.T) {
	a := New("a", 5*time.Second, testLogger())
	b := New("b", 5*time.Second, testLogger())
	b.SetEvent("double", SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		n, _ := args[0].(float64)
		return n * 2, nil
	}))
	startPair(t, a, b)

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	results := make([]float64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := a.Request(context.Background(), "double", []any{float64(i)}, nil)
			if err != nil {
				errs[i] = err
				return
			}
			_ = json.Unmarshal(resp, &results[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if results[i] != float64(i)*2 {
			t.Fatalf("request %d expected %v, got %v", i, float64(i)*2, results[i])
		}
	}
	if got := a.waits.len(); got != 0 {
		t.Fatalf("expected wait set to return to empty, got %d", got)
	}
}
