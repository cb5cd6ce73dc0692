package rtmux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the narrow duplex byte-message channel the core mux consumes.
// *websocket.Conn satisfies this directly; tests substitute an in-process
// fake so the mux can be exercised without a real socket.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// state is the connection supervisor's lifecycle state for one Endpoint.
type state int

const (
	stateIdle state = iota
	stateRunning
	stateDraining
)

// Endpoint is one side of a symmetric request/response multiplexer. It owns
// a handler registry (for requests the peer sends us), a wait set (for
// requests we send the peer), and a send queue feeding its sender loop.
// All three are safe to use from any goroutine; Request, SetEvent, and
// RemoveEvent may be called concurrently with the loops and with each other.
type Endpoint struct {
	name    string
	timeout time.Duration
	logger  *zap.Logger

	registry *registry
	waits    *waitSet

	mu    sync.Mutex
	state state
	conn  Conn
	queue *sendQueue
	ready chan struct{}
}

// New constructs an Endpoint identified by name. timeout bounds how long
// Request waits for a response; zero means wait forever. A nil logger
// disables logging.
func New(name string, timeout time.Duration, logger *zap.Logger) *Endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Endpoint{
		name:     name,
		timeout:  timeout,
		logger:   logger,
		registry: newRegistry(),
		waits:    newWaitSet(),
		ready:    make(chan struct{}),
	}
}

// SetEvent registers handler under name. The peer invokes it by sending a
// request whose event equals name; whatever handler returns (or the error it
// produces) becomes the response.
func (e *Endpoint) SetEvent(name string, handler Handler) {
	e.registry.set(name, handler)
}

// RemoveEvent unregisters the handler for name, if any.
func (e *Endpoint) RemoveEvent(name string) {
	e.registry.remove(name)
}

// IsReady reports whether the endpoint has ever completed attaching to a
// connection. It never resets once set; callers query IsConnected for
// current liveness.
func (e *Endpoint) IsReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// WaitUntilReady blocks until the endpoint has attached to a connection at
// least once, or ctx is done.
func (e *Endpoint) WaitUntilReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the endpoint currently owns a live connection.
func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

// Request sends event to the peer with the given positional and keyword
// arguments and waits for its response. Errors are always *RequestError.
func (e *Endpoint) Request(ctx context.Context, event string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	e.mu.Lock()
	queue := e.queue
	e.mu.Unlock()
	if queue == nil {
		return nil, errDisconnected()
	}

	token := MintToken(e.name)
	w := e.waits.arm(token) // armed before the request is visible on the queue, so a racing response always finds it

	data, err := encodeRequestData(args, kwargs)
	if err != nil {
		e.waits.forget(token)
		return nil, errRemote(err.Error())
	}
	pkt := &Packet{Type: TypeRequest, Status: StatusOk, Event: event, Session: token, Data: data}

	if err := queue.put(ctx, pkt); err != nil {
		e.waits.forget(token)
		if err == ErrQueueClosed {
			return nil, errDisconnected()
		}
		return nil, errRemote(err.Error())
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	select {
	case resp := <-w.ch:
		if resp == nil {
			return nil, errDisconnected()
		}
		if resp.Status == StatusError {
			var msg string
			_ = json.Unmarshal(resp.Data, &msg)
			return nil, errRemote(msg)
		}
		return resp.Data, nil
	case <-waitCtx.Done():
		e.waits.forget(token)
		if ctx.Err() != nil {
			return nil, errDisconnected()
		}
		return nil, errTimeout()
	}
}

// Serve attaches conn and runs the receiver and sender loops until either
// terminates, then drains pending waiters and tears the connection down.
// It returns the error that ended the connection, or nil when the peer closed
// with a normal-closure code. A close initiated by Close ends the receiver's
// read with an error, which Serve returns.
func (e *Endpoint) Serve(ctx context.Context, conn Conn) error {
	queue := e.attach(conn)

	loopErrs := make(chan error, 2)
	go func() { loopErrs <- e.receiverLoop(ctx, conn, queue) }()
	go func() { loopErrs <- e.senderLoop(ctx, conn, queue) }()

	first := <-loopErrs
	e.drain(conn, queue, first)

	// Closing the connection and the send queue unblocks whichever loop is
	// still running; wait for it so Serve never leaves a loop behind.
	<-loopErrs

	if isGracefulClose(first) {
		return nil
	}
	return first
}

// Close tears the connection down from outside the loops, equivalent to the
// peer hanging up: pending requests resolve with Disconnected.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (e *Endpoint) attach(conn Conn) *sendQueue {
	queue := newSendQueue(DefaultSendQueueCapacity)

	e.mu.Lock()
	e.conn = conn
	e.queue = queue
	e.state = stateRunning
	e.mu.Unlock()

	select {
	case <-e.ready:
	default:
		close(e.ready)
	}

	e.logger.Info("rtmux: connection established", zap.String("endpoint", e.name))
	return queue
}

// drain tears down exactly the connection Serve attached: the identity check
// keeps a slow teardown from touching a connection attached afterwards.
func (e *Endpoint) drain(conn Conn, queue *sendQueue, firstErr error) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.state = stateDraining
	e.mu.Unlock()

	queue.close()
	_ = conn.Close()

	e.waits.drain(nil)

	if firstErr != nil && !isGracefulClose(firstErr) {
		e.logger.Error("rtmux: connection ended with error", zap.String("endpoint", e.name), zap.Error(firstErr))
	} else {
		e.logger.Info("rtmux: connection closed", zap.String("endpoint", e.name))
	}

	e.mu.Lock()
	if e.conn == conn {
		e.state = stateIdle
		e.conn = nil
		e.queue = nil
	}
	e.mu.Unlock()
}

func (e *Endpoint) receiverLoop(ctx context.Context, conn Conn, queue *sendQueue) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		pkt, err := Decode(data)
		if err != nil {
			e.logger.Error("rtmux: malformed packet", zap.String("endpoint", e.name), zap.Error(err))
			return err
		}

		if e.isResponse(pkt) {
			e.logger.Debug("rtmux: received response", zap.String("endpoint", e.name), zap.String("event", pkt.Event), zap.String("session", pkt.Session))
			e.waits.complete(pkt.Session, pkt)
		} else {
			e.logger.Debug("rtmux: received request", zap.String("endpoint", e.name), zap.String("event", pkt.Event), zap.String("session", pkt.Session))
			go e.dispatchRequest(ctx, queue, pkt)
		}
	}
}

func (e *Endpoint) senderLoop(ctx context.Context, conn Conn, queue *sendQueue) error {
	for {
		pkt, err := queue.take(ctx)
		if err != nil {
			if err == ErrQueueClosed {
				return nil
			}
			return err
		}

		raw, err := Encode(pkt)
		if err != nil {
			e.logger.Error("rtmux: failed to encode outgoing packet", zap.String("endpoint", e.name), zap.Error(err))
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return err
		}
	}
}

// isResponse classifies an inbound packet. Type is authoritative when
// present; otherwise the token's embedded endpoint name disambiguates: a
// token minted by us names us as the originator, so the packet carrying it
// back is our response.
func (e *Endpoint) isResponse(pkt *Packet) bool {
	switch pkt.Type {
	case TypeResponse:
		return true
	case TypeRequest:
		return false
	}
	if name, ok := EndpointName(pkt.Session); ok {
		return name == e.name
	}
	return false
}

// dispatchRequest answers one inbound request. It holds the queue of the
// connection the request arrived on, so a handler finishing after a
// reconnect writes into the closed old queue (and is discarded) rather than
// leaking a stale response onto the new connection.
func (e *Endpoint) dispatchRequest(ctx context.Context, queue *sendQueue, req *Packet) {
	handler, ok := e.registry.get(req.Event)
	if !ok {
		e.respond(queue, req, StatusError, encodeValue(eventNotFoundMessage(req.Event)))
		return
	}

	args, kwargs, err := decodeRequestData(req.Data)
	if err != nil {
		e.respond(queue, req, StatusError, encodeValue(err.Error()))
		return
	}

	result, err := invokeSafely(ctx, handler, args, kwargs)
	if err != nil {
		e.logger.Warn("rtmux: handler error", zap.String("endpoint", e.name), zap.String("event", req.Event), zap.Error(err))
		e.respond(queue, req, StatusError, encodeValue(err.Error()))
		return
	}
	e.respond(queue, req, StatusOk, encodeValue(result))
}

func (e *Endpoint) respond(queue *sendQueue, req *Packet, status Status, data []byte) {
	resp := &Packet{Type: TypeResponse, Status: status, Event: req.Event, Session: req.Session, Data: data}
	// Best effort: the sender loop drains the queue far faster than it fills
	// under normal load, and a torn-down connection closes the queue
	// underneath us, turning this into a silent discard.
	_ = queue.put(context.Background(), resp)
}

func invokeSafely(ctx context.Context, h Handler, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.invoke(ctx, args, kwargs)
}

func isGracefulClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
