package peer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/szsip239/rtmux/internal/model"
	"github.com/szsip239/rtmux/internal/pkg/crypto"
)

const (
	recoveryInterval = 120 * time.Second
	healthTimeout    = 10 * time.Second
	maxConcurrent    = 5
	failureThreshold = 3
)

// HealthChecker runs periodic liveness checks against all connected peers
// and attempts to reconnect OFFLINE peers. It retargets the gateway
// package's instance health-check shape at a "health" rtmux request instead
// of a JSON-RPC method call.
type HealthChecker struct {
	registry      *Registry
	db            *gorm.DB
	enc           *crypto.Encryptor
	logger        *zap.Logger
	interval      time.Duration
	failureCounts sync.Map // peerID → *atomic.Int64
}

// NewHealthChecker creates a HealthChecker. Call Start to begin background checks.
func NewHealthChecker(registry *Registry, db *gorm.DB, enc *crypto.Encryptor, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		registry: registry,
		db:       db,
		enc:      enc,
		interval: interval,
		logger:   logger,
	}
}

// Start launches background goroutines for health checks and recovery.
// It blocks until ctx is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	h.checkAll(ctx)
	h.recoverPeers(ctx)

	checkTicker := time.NewTicker(h.interval)
	recoveryTicker := time.NewTicker(recoveryInterval)
	defer checkTicker.Stop()
	defer recoveryTicker.Stop()

	for {
		select {
		case <-checkTicker.C:
			h.checkAll(ctx)
		case <-recoveryTicker.C:
			h.recoverPeers(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkAll runs health checks against all CONNECTED/DEGRADED peers in batches.
func (h *HealthChecker) checkAll(ctx context.Context) {
	var peers []model.Peer
	if err := h.db.Where("status IN ?", []model.PeerStatus{
		model.PeerStatusConnected,
		model.PeerStatusDegraded,
	}).Find(&peers).Error; err != nil {
		h.logger.Error("health: failed to query peers", zap.Error(err))
		return
	}

	h.runBatched(ctx, peers, func(ctx context.Context, p model.Peer) {
		h.checkPeer(ctx, p)
	})
}

// recoverPeers attempts to reconnect peers that are OFFLINE.
func (h *HealthChecker) recoverPeers(ctx context.Context) {
	var peers []model.Peer
	if err := h.db.Where("status = ?", model.PeerStatusOffline).Find(&peers).Error; err != nil {
		h.logger.Error("health: failed to query peers for recovery", zap.Error(err))
		return
	}

	h.runBatched(ctx, peers, func(ctx context.Context, p model.Peer) {
		h.recoverPeer(ctx, p)
	})
}

// checkPeer runs a single health check for the given peer via rtmux's "health" event.
func (h *HealthChecker) checkPeer(ctx context.Context, p model.Peer) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if !h.registry.IsConnected(p.ID) {
		h.recordFailure(p)
		return
	}

	payload, err := h.registry.Request(ctx, p.ID, "health", nil, nil)
	if err != nil {
		h.logger.Warn("health: check failed",
			zap.String("peerId", p.ID),
			zap.String("name", p.Name),
			zap.Error(err))
		h.recordFailure(p)
		return
	}

	var healthData map[string]any
	_ = json.Unmarshal(payload, &healthData)

	version := ""
	if v, ok := healthData["version"].(string); ok && v != "" && v != "dev" && v != "unknown" {
		version = v
	}
	if version == "" {
		version = h.registry.GetVersion(p.ID)
	}
	if conn := h.registry.GetConnection(p.ID); conn != nil && version != "" {
		conn.SetVersion(version)
	}

	now := time.Now()
	updates := map[string]any{
		"status":            model.PeerStatusConnected,
		"last_health_check": now,
		"consecutive_fail":  0,
	}
	if version != "" {
		updates["version"] = version
	}
	h.db.Model(&p).Updates(updates)

	h.failureCounts.Delete(p.ID)

	h.logger.Debug("health: check passed", zap.String("peerId", p.ID), zap.String("name", p.Name))
}

// recoverPeer tries to (re-)establish a connection for an OFFLINE peer.
func (h *HealthChecker) recoverPeer(ctx context.Context, p model.Peer) {
	if h.registry.IsConnected(p.ID) {
		h.checkPeer(ctx, p)
		return
	}

	if _, ok := h.registry.GetStatus(p.ID); ok {
		h.registry.Disconnect(p.ID)
	}

	token := ""
	if p.GatewayToken != "" {
		var err error
		token, err = h.enc.Decrypt(p.GatewayToken)
		if err != nil {
			h.logger.Error("health: decrypt token failed", zap.String("peerId", p.ID), zap.Error(err))
			return
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := h.registry.Connect(connCtx, p.ID, p.Name, p.URL, token); err != nil {
		h.logger.Debug("health: recovery connect failed",
			zap.String("peerId", p.ID),
			zap.String("name", p.Name),
			zap.Error(err))
		return
	}

	h.checkPeer(ctx, p)
	h.logger.Info("health: recovered peer", zap.String("peerId", p.ID), zap.String("name", p.Name))
}

// recordFailure increments the failure counter and downgrades the peer's status.
func (h *HealthChecker) recordFailure(p model.Peer) {
	val, _ := h.failureCounts.LoadOrStore(p.ID, new(atomic.Int64))
	counter := val.(*atomic.Int64)
	failures := counter.Add(1)

	newStatus := model.PeerStatusDegraded
	if failures >= failureThreshold {
		newStatus = model.PeerStatusOffline
		counter.Store(0)
	}

	now := time.Now()
	h.db.Model(&p).Updates(map[string]any{
		"status":            newStatus,
		"last_health_check": now,
		"consecutive_fail":  failures,
	})
}

// runBatched executes fn for each peer in concurrent batches of maxConcurrent.
func (h *HealthChecker) runBatched(ctx context.Context, peers []model.Peer, fn func(context.Context, model.Peer)) {
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			fn(ctx, p)
		}()
	}

	wg.Wait()
}
