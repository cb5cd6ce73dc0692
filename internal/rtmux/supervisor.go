package rtmux

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the fixed pause between reconnect attempts when
// Dialer.Backoff is unset.
const DefaultReconnectDelay = 3 * time.Second

// DefaultOKCloseCodes are the close codes Run treats as a graceful shutdown
// that ends it instead of reconnecting, used when a caller passes a nil or
// empty okCloseCodes slice.
var DefaultOKCloseCodes = []int{websocket.CloseNormalClosure}

// Dialer connects an Endpoint to url, running Serve to completion and
// optionally reconnecting on failure until ctx is cancelled. Calling Close on
// the endpoint ends only the current connection; with reconnect enabled Run
// dials again after Backoff. It is the reconnect wrapper around
// Endpoint.Serve.
type Dialer struct {
	URL    string
	Header http.Header
	// Backoff is the pause between reconnect attempts. Zero uses
	// DefaultReconnectDelay. The delay is deliberately fixed; callers wanting
	// exponential backoff wrap Run and swap it in between iterations.
	Backoff time.Duration
	Dialer  *websocket.Dialer
}

// Run dials ep to URL. If reconnect is false, Run makes exactly one attempt
// and returns its outcome — dial failure or Serve's error — without retrying
// (one-shot connect-or-fail). If reconnect is true, Run loops until ctx is
// done: each iteration blocks for the lifetime of one connection, and a
// graceful close (a close code in okCloseCodes, or a nil Serve error) ends
// Run without reconnecting; any other outcome is logged and retried after
// Backoff. A nil or empty okCloseCodes uses DefaultOKCloseCodes.
func (d *Dialer) Run(ctx context.Context, ep *Endpoint, reconnect bool, okCloseCodes []int) error {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	backoff := d.Backoff
	if backoff <= 0 {
		backoff = DefaultReconnectDelay
	}
	if len(okCloseCodes) == 0 {
		okCloseCodes = DefaultOKCloseCodes
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			ep.logger.Warn("rtmux: failed to connect", zap.String("endpoint", ep.name), zap.String("url", d.URL), zap.Error(err))
			if !reconnect {
				return err
			}
			if !sleepOrDone(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}

		serveErr := ep.Serve(ctx, conn)
		if !reconnect {
			return serveErr
		}
		if serveErr == nil || isOKDisconnect(serveErr, okCloseCodes) {
			return nil
		}

		if !sleepOrDone(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func isOKDisconnect(err error, okCloseCodes []int) bool {
	return websocket.IsCloseError(err, okCloseCodes...)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
