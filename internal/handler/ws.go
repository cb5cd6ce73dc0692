package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/szsip239/rtmux/internal/rtmux"
)

// buildVersion is set at link time via -ldflags "-X ...buildVersion=...".
// It is what the "health" handler reports to callers, so operators can see
// which build answered a health check without grepping logs.
var buildVersion = "dev"

// WSHandler hosts the server side of the mux: every accepted connection gets
// its own rtmux.Endpoint, wired with the same application-level handlers
// (currently just "health"), and is served until the socket closes.
//
// The mux wire protocol carries no auth of its own (by design — session
// tokens are for correlation, not security), so anything that should gate
// who may open a connection belongs in front of this handler, e.g. JWTAuth
// or a shared-secret check on the upgrade request.
type WSHandler struct {
	selfName string
	timeout  time.Duration
	cooldown time.Duration
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a WSHandler. selfName is this process's own endpoint
// name, used to disambiguate requests from responses on connections that
// omit the packet "type" field. cooldown only matters to ServeLegacy's
// polled compatibility loop.
func NewWSHandler(selfName string, timeout, cooldown time.Duration, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		selfName: selfName,
		timeout:  timeout,
		cooldown: cooldown,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers dial in from wherever they're deployed; origin checking
			// is meaningless for a server-to-server socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /ws. It upgrades the connection, attaches a fresh
// Endpoint with the standard handler set, and blocks for the connection's
// lifetime.
func (h *WSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	ep := rtmux.New(h.selfName, h.timeout, h.logger.With(zap.String("remote", c.Request.RemoteAddr)))
	RegisterHandlers(ep)

	if err := ep.Serve(c.Request.Context(), conn); err != nil {
		h.logger.Info("ws: connection closed", zap.Error(err))
	}
}

// ServeLegacy handles GET /ws/legacy, the polled half-duplex compatibility
// listener for peers that cannot hold a true duplex socket open. Only
// registered when the mux's compat mode is enabled.
func (h *WSHandler) ServeLegacy(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws: legacy upgrade failed", zap.Error(err))
		return
	}

	ep := rtmux.NewPolled(h.selfName, h.cooldown, h.timeout, h.logger.With(zap.String("remote", c.Request.RemoteAddr)))
	RegisterHandlers(ep)

	if err := ep.Communicate(c.Request.Context(), conn); err != nil {
		h.logger.Info("ws: legacy connection closed", zap.Error(err))
	}
}

// EventSetter is satisfied by rtmux.Endpoint, rtmux.PolledEndpoint, and
// peer.Connection, letting the one application handler set serve every
// transport and dial direction.
type EventSetter interface {
	SetEvent(name string, handler rtmux.Handler)
}

// RegisterHandlers installs the application-level event set every Endpoint
// answers with — the mux is symmetric, so outbound connections register the
// same handlers inbound ones do.
func RegisterHandlers(ep EventSetter) {
	ep.SetEvent("health", rtmux.SyncHandler(func(args []any, kwargs map[string]any) (any, error) {
		return map[string]any{
			"status":  "ok",
			"version": buildVersion,
		}, nil
	}))
}
