package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/szsip239/rtmux/internal/middleware"
	"github.com/szsip239/rtmux/internal/model"
	"github.com/szsip239/rtmux/internal/peer"
	"github.com/szsip239/rtmux/internal/pkg/crypto"
	"github.com/szsip239/rtmux/internal/pkg/response"
)

// PeerHandler exposes peer connection management endpoints.
type PeerHandler struct {
	db       *gorm.DB
	enc      *crypto.Encryptor
	registry *peer.Registry
}

// NewPeerHandler creates a PeerHandler.
func NewPeerHandler(db *gorm.DB, enc *crypto.Encryptor, registry *peer.Registry) *PeerHandler {
	return &PeerHandler{db: db, enc: enc, registry: registry}
}

// List handles GET /api/v1/peers
// Returns the persisted peer records, paginated.
func (h *PeerHandler) List(c *gin.Context) {
	page, pageSize := ParsePagination(c)

	var total int64
	if err := h.db.Model(&model.Peer{}).Count(&total).Error; err != nil {
		response.InternalError(c, "failed to count peers")
		return
	}

	var peers []model.Peer
	if err := h.db.Preload("CreatedBy").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&peers).Error; err != nil {
		response.InternalError(c, "failed to query peers")
		return
	}

	items := make([]model.PeerResponse, 0, len(peers))
	for _, p := range peers {
		items = append(items, p.ToResponse())
	}
	response.List(c, items, total, page, pageSize)
}

// Create handles POST /api/v1/peers
// Registers a new peer record. The connection is not dialed until the health
// checker's recovery pass picks the peer up, or Connect is called explicitly.
func (h *PeerHandler) Create(c *gin.Context) {
	var req struct {
		Name        string  `json:"name" binding:"required,min=1,max=100"`
		Description *string `json:"description"`
		URL         string  `json:"url" binding:"required,url"`
		Token       string  `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	var existing model.Peer
	if err := h.db.First(&existing, "name = ?", req.Name).Error; err == nil {
		response.Conflict(c, "peer name already in use")
		return
	}

	encToken := ""
	if req.Token != "" {
		var err error
		encToken, err = h.enc.Encrypt(req.Token)
		if err != nil {
			response.InternalError(c, "failed to encrypt peer token")
			return
		}
	}

	p := model.Peer{
		BaseModel:    newBaseModel(),
		Name:         req.Name,
		Description:  req.Description,
		URL:          req.URL,
		GatewayToken: encToken,
		Status:       model.PeerStatusOffline,
		CreatedByID:  middleware.GetUserID(c),
	}
	if err := h.db.Create(&p).Error; err != nil {
		response.InternalError(c, "failed to create peer")
		return
	}

	response.Created(c, p.ToResponse())
}

// Delete handles DELETE /api/v1/peers/:name
// Disconnects the peer if connected and soft-deletes its record.
func (h *PeerHandler) Delete(c *gin.Context) {
	name := c.Param("name")

	var p model.Peer
	if err := h.db.First(&p, "name = ?", name).Error; err != nil {
		response.NotFound(c, "peer not found")
		return
	}

	h.registry.Disconnect(p.ID)

	if err := h.db.Delete(&p).Error; err != nil {
		response.InternalError(c, "failed to delete peer")
		return
	}
	response.OK(c, nil)
}

// Status handles GET /api/v1/peers/status
// Returns the live connection status for every peer.
func (h *PeerHandler) Status(c *gin.Context) {
	var peers []model.Peer
	if err := h.db.Find(&peers).Error; err != nil {
		response.InternalError(c, "failed to query peers")
		return
	}

	type peerStatus struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		URL       string `json:"url"`
		Connected bool   `json:"connected"`
		Status    string `json:"status"`
		Version   string `json:"version,omitempty"`
	}

	result := make([]peerStatus, 0, len(peers))
	for _, p := range peers {
		statusStr := "disconnected"
		if s, ok := h.registry.GetStatus(p.ID); ok {
			statusStr = string(s)
		}
		result = append(result, peerStatus{
			ID:        p.ID,
			Name:      p.Name,
			URL:       p.URL,
			Connected: h.registry.IsConnected(p.ID),
			Status:    statusStr,
			Version:   h.registry.GetVersion(p.ID),
		})
	}

	response.OK(c, result)
}

// Connect handles POST /api/v1/peers/:name/connect
// Manually (re-)establishes a connection to the given peer.
func (h *PeerHandler) Connect(c *gin.Context) {
	name := c.Param("name")

	var p model.Peer
	if err := h.db.First(&p, "name = ?", name).Error; err != nil {
		response.NotFound(c, "peer not found")
		return
	}

	token := ""
	if p.GatewayToken != "" {
		var err error
		token, err = h.enc.Decrypt(p.GatewayToken)
		if err != nil {
			response.InternalError(c, "failed to decrypt peer token")
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	if err := h.registry.Connect(ctx, p.ID, p.Name, p.URL, token); err != nil {
		response.ServiceUnavailable(c, "failed to connect: "+err.Error())
		return
	}

	response.OK(c, gin.H{
		"id":        p.ID,
		"connected": true,
		"version":   h.registry.GetVersion(p.ID),
	})
}

// Disconnect handles DELETE /api/v1/peers/:name/connect
// Closes the connection to the given peer.
func (h *PeerHandler) Disconnect(c *gin.Context) {
	name := c.Param("name")

	var p model.Peer
	if err := h.db.First(&p, "name = ?", name).Error; err != nil {
		response.NotFound(c, "peer not found")
		return
	}

	h.registry.Disconnect(p.ID)
	response.OK(c, nil)
}

// Request handles POST /api/v1/peers/:name/request
// Forwards an arbitrary mux event to the peer (for debugging/admin use).
// Body: { "event": "agents.list", "args": [], "kwargs": {} }
func (h *PeerHandler) Request(c *gin.Context) {
	name := c.Param("name")

	var req struct {
		Event  string         `json:"event" binding:"required"`
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	var p model.Peer
	if err := h.db.First(&p, "name = ?", name).Error; err != nil {
		response.NotFound(c, "peer not found")
		return
	}

	if !h.registry.IsConnected(p.ID) {
		response.ServiceUnavailable(c, "peer not connected")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	payload, err := h.registry.Request(ctx, p.ID, req.Event, req.Args, req.Kwargs)
	if err != nil {
		response.InternalError(c, "peer request failed: "+err.Error())
		return
	}

	var result any
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &result)
	}

	response.OK(c, result)
}
