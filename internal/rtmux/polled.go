package rtmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Literal (non-JSON) text frames the polled variant exchanges alongside
// legacyFrame: sentinelNothing keeps the wire alive on a tick with no
// outbound packet, sentinelPing/sentinelPong are a manual liveness probe for
// transports that don't offer native ping/pong control frames.
const (
	sentinelNothing = "Nothing"
	sentinelPing    = "ping"
	sentinelPong    = "pong"
)

// legacyFrame is the flat wire shape used by the polled-compatibility mode,
// distinct from Packet's nested [args, kwargs] request data: one value per
// frame, keyed by event_name rather than event.
type legacyFrame struct {
	Status  Status          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Event   string          `json:"event_name,omitempty"`
	Session string          `json:"session"`
}

// PolledConn is the connection surface the legacy compatibility loop needs:
// ReadMessage with a deadline, since there is no duplex receiver loop to
// block in independently of the sender.
type PolledConn interface {
	Conn
	SetReadDeadline(t time.Time) error
}

type pendingFrame struct {
	frame legacyFrame
}

// PolledEndpoint speaks the legacy half-duplex compatibility protocol: a
// single alternating loop that polls for an inbound frame, then flushes the
// oldest outbound frame, repeating on a fixed cooldown. It is a distinct type
// from Endpoint rather than a mode flag on it — duplex classification logic
// never needs to account for polled framing, and vice versa.
type PolledEndpoint struct {
	name     string
	cooldown time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	registry *registry
	waits    *waitSet

	mu        sync.Mutex
	connected bool
	conn      PolledConn
	outbound  []pendingFrame
}

// NewPolled constructs a PolledEndpoint. cooldown bounds each read poll (and
// is also the pause before each send phase); timeout bounds how long Request
// waits for a response.
func NewPolled(name string, cooldown, timeout time.Duration, logger *zap.Logger) *PolledEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = time.Millisecond
	}
	return &PolledEndpoint{
		name:     name,
		cooldown: cooldown,
		timeout:  timeout,
		logger:   logger,
		registry: newRegistry(),
		waits:    newWaitSet(),
	}
}

func (e *PolledEndpoint) SetEvent(name string, handler Handler) { e.registry.set(name, handler) }
func (e *PolledEndpoint) RemoveEvent(name string)               { e.registry.remove(name) }

// Request sends a single-value legacy request and waits for its response.
func (e *PolledEndpoint) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return nil, errDisconnected()
	}

	token := MintLegacyToken(e.name)
	w := e.waits.arm(token)
	e.enqueue(legacyFrame{Status: StatusOk, Data: encodeValue(data), Event: event, Session: token})

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

func (e *PolledEndpoint) enqueue(f legacyFrame) {
	e.mu.Lock()
	e.outbound = append(e.outbound, pendingFrame{frame: f})
	e.mu.Unlock()
}

func (e *PolledEndpoint) popOldest() (legacyFrame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.outbound) == 0 {
		return legacyFrame{}, false
	}
	f := e.outbound[0].frame
	e.outbound = e.outbound[1:]
	return f, true
}

// Communicate runs the single alternating poll/send loop over conn until
// conn closes, a protocol error occurs, or ctx is done. Only one connection
// may be active at a time; a second concurrent call fails immediately.
//
// Besides legacyFrame JSON, the loop speaks three literal text sentinels:
// it transmits "Nothing" on a tick with no outbound packet so the peer's
// read never sees a raw timeout, and answers an inbound "ping" with "pong"
// immediately rather than queuing the reply behind outbound.
func (e *PolledEndpoint) Communicate(ctx context.Context, conn PolledConn) error {
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return errors.New("rtmux: polled endpoint already connected")
	}
	e.connected = true
	e.conn = conn
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.connected = false
		e.conn = nil
		e.outbound = nil
		e.mu.Unlock()
		e.waits.drain(nil)
	}()

	if err := e.send(legacyFrame{Status: StatusOk}); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(e.cooldown)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		switch {
		case isReadTimeout(err):
			// Nothing arrived this tick; fall through to the send phase.
		case err != nil:
			return err
		case string(data) == sentinelPing:
			// Liveness probe, not a frame: answer immediately and skip the
			// rest of this tick rather than queuing a reply behind outbound.
			if werr := e.sendRaw(sentinelPong); werr != nil {
				return werr
			}
			continue
		case string(data) == sentinelNothing:
			// Peer had nothing to send this turn; same as a read timeout.
		default:
			var frame legacyFrame
			if jerr := json.Unmarshal(data, &frame); jerr != nil {
				e.logger.Error("rtmux: malformed legacy frame", zap.String("endpoint", e.name), zap.Error(jerr))
				return jerr
			}
			e.onFrame(ctx, frame)
		}

		time.Sleep(e.cooldown)

		if out, ok := e.popOldest(); ok {
			if err := e.send(out); err != nil {
				return err
			}
		} else if err := e.sendRaw(sentinelNothing); err != nil {
			return err
		}
	}
}

func (e *PolledEndpoint) onFrame(ctx context.Context, frame legacyFrame) {
	if frame.Session == "" {
		// Session-less frames (the peer's opening frame) carry no call to
		// route; answering one would bounce an unroutable error back and forth.
		return
	}
	if name, ok := EndpointName(frame.Session); ok && name == e.name {
		e.waits.complete(frame.Session, &Packet{Status: frame.Status, Data: frame.Data, Session: frame.Session})
		return
	}

	handler, ok := e.registry.get(frame.Event)
	if !ok {
		e.enqueue(legacyFrame{Status: StatusError, Data: encodeValue(eventNotFoundMessage(frame.Event)), Session: frame.Session})
		return
	}

	var arg any
	_ = json.Unmarshal(frame.Data, &arg)

	result, err := invokeSafely(ctx, handler, []any{arg}, nil)
	if err != nil {
		e.logger.Warn("rtmux: legacy handler error", zap.String("endpoint", e.name), zap.String("event", frame.Event), zap.Error(err))
		e.enqueue(legacyFrame{Status: StatusError, Data: encodeValue(err.Error()), Session: frame.Session})
		return
	}
	e.enqueue(legacyFrame{Status: StatusOk, Data: encodeValue(result), Session: frame.Session})
}

func (e *PolledEndpoint) send(f legacyFrame) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("rtmux: polled endpoint not connected")
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(1, raw) // websocket.TextMessage
}

func (e *PolledEndpoint) sendRaw(text string) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("rtmux: polled endpoint not connected")
	}
	return conn.WriteMessage(1, []byte(text)) // websocket.TextMessage
}

func isReadTimeout(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
