package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/szsip239/rtmux/internal/model"
	"github.com/szsip239/rtmux/internal/pkg/crypto"
)

// Registry manages one Connection per Peer row, surviving individual HTTP
// request lifetimes and shared across all concurrent handlers — the
// generalization of the gateway package's Registry onto rtmux.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection // peer ID → *Connection
	status  map[string]Status

	selfName string
	timeout  time.Duration
	backoff  time.Duration

	db     *gorm.DB
	logger *zap.Logger
	enc    *crypto.Encryptor

	// OnDial, if set, runs against every freshly dialed Connection as soon as
	// Dial returns; the dial goroutine is already running by then, so the
	// first handshake may complete before the hook does. It is the hook the
	// application uses to register
	// its event handlers on outbound connections (the mux is symmetric; the
	// peer may call us over a socket we dialed).
	OnDial func(*Connection)
}

// NewRegistry creates an empty registry. Call Initialize to dial peers.
func NewRegistry(selfName string, timeout, backoff time.Duration, db *gorm.DB, logger *zap.Logger, enc *crypto.Encryptor) *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		status:   make(map[string]Status),
		selfName: selfName,
		timeout:  timeout,
		backoff:  backoff,
		db:       db,
		logger:   logger,
		enc:      enc,
	}
}

// Connect dials url for the given peer. If a connection already exists it is
// disconnected first.
func (r *Registry) Connect(ctx context.Context, peerID, peerName, url, token string) error {
	// Disconnect outside the lock: it waits for the dial goroutine, whose
	// OnStatusChange callback takes r.mu.
	r.mu.Lock()
	existing := r.conns[peerID]
	r.mu.Unlock()
	if existing != nil {
		existing.Disconnect()
	}

	conn := Dial(ctx, r.selfName, peerName, url, token, r.timeout, r.backoff, r.logger.With(zap.String("peerId", peerID)))
	if r.OnDial != nil {
		r.OnDial(conn)
	}
	conn.OnStatusChange = func(status Status) {
		r.mu.Lock()
		r.status[peerID] = status
		r.mu.Unlock()
		switch status {
		case StatusError:
			// The dial loop ended with an error while its context was still
			// live — distinct from a health-check-driven downgrade. A
			// cancelled context is reported as StatusDisconnected instead.
			r.db.Model(&model.Peer{}).Where("id = ?", peerID).Update("status", model.PeerStatusError)
		case StatusDisconnected:
			r.db.Model(&model.Peer{}).Where("id = ?", peerID).Update("status", model.PeerStatusOffline)
		}
	}

	r.mu.Lock()
	r.conns[peerID] = conn
	r.status[peerID] = StatusConnecting
	r.mu.Unlock()
	r.db.Model(&model.Peer{}).Where("id = ?", peerID).Update("status", model.PeerStatusConnecting)

	if err := conn.WaitUntilReady(ctx); err != nil {
		r.mu.Lock()
		delete(r.conns, peerID)
		delete(r.status, peerID)
		r.mu.Unlock()
		conn.Disconnect()
		return fmt.Errorf("registry: connect %s: %w", peerID, err)
	}
	r.db.Model(&model.Peer{}).Where("id = ?", peerID).Update("status", model.PeerStatusConnected)
	return nil
}

// Disconnect closes the connection for the given peer.
func (r *Registry) Disconnect(peerID string) {
	r.mu.Lock()
	conn := r.conns[peerID]
	delete(r.conns, peerID)
	delete(r.status, peerID)
	r.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
}

// GetConnection returns the Connection for the given peer, or nil.
func (r *Registry) GetConnection(peerID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[peerID]
}

// IsConnected reports whether the peer has a live connection.
func (r *Registry) IsConnected(peerID string) bool {
	r.mu.RLock()
	conn := r.conns[peerID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	return conn.IsConnected()
}

// GetStatus returns the current connection status for the peer.
func (r *Registry) GetStatus(peerID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.status[peerID]
	return s, ok
}

// GetVersion returns the peer's last-observed version string.
func (r *Registry) GetVersion(peerID string) string {
	r.mu.RLock()
	conn := r.conns[peerID]
	r.mu.RUnlock()
	if conn == nil {
		return ""
	}
	return conn.Version()
}

// GetConnectedIDs returns all peer IDs currently connected.
func (r *Registry) GetConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0)
	for id, conn := range r.conns {
		if conn.IsConnected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Request sends event to the given peer and waits for its response.
func (r *Registry) Request(ctx context.Context, peerID, event string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	conn := r.GetConnection(peerID)
	if conn == nil {
		return nil, fmt.Errorf("registry: peer %s is not connected", peerID)
	}
	return conn.Request(ctx, event, args, kwargs)
}

// DisconnectAll gracefully closes all open connections.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	conns := make(map[string]*Connection, len(r.conns))
	for id, c := range r.conns {
		conns[id] = c
	}
	r.conns = make(map[string]*Connection)
	r.status = make(map[string]Status)
	r.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
}

// Initialize loads all peers from the database and dials each one. Peers in
// OFFLINE or DEGRADED status are also attempted — the health checker
// promotes them to CONNECTED on success. Connection errors are logged but do
// not abort initialization.
func (r *Registry) Initialize(ctx context.Context) {
	var peers []model.Peer
	if err := r.db.Find(&peers).Error; err != nil {
		r.logger.Error("registry: failed to load peers", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, 5) // max 5 concurrent dials

	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			token := ""
			if p.GatewayToken != "" {
				var err error
				token, err = r.enc.Decrypt(p.GatewayToken)
				if err != nil {
					r.logger.Error("registry: failed to decrypt token",
						zap.String("peerId", p.ID), zap.Error(err))
					return
				}
			}

			connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()

			if err := r.Connect(connCtx, p.ID, p.Name, p.URL, token); err != nil {
				r.logger.Warn("registry: initial connect failed",
					zap.String("peerId", p.ID),
					zap.String("url", p.URL),
					zap.Error(err))
				if p.Status == model.PeerStatusConnected {
					r.db.Model(&p).Update("status", model.PeerStatusOffline)
				}
				return
			}

			if p.Status == model.PeerStatusOffline {
				r.db.Model(&p).Update("status", model.PeerStatusDegraded)
			}
		}()
	}

	wg.Wait()
	r.logger.Info("registry: initialization complete",
		zap.Int("total", len(peers)),
		zap.Int("connected", len(r.GetConnectedIDs())),
	)
}
