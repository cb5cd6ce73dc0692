package model

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel carries the fields every persisted record shares.
type BaseModel struct {
	ID        string         `gorm:"primaryKey;size:30" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// PeerStatus is the last-observed lifecycle state of a peer's rtmux
// connection. CONNECTING covers the window between a dial attempt starting
// and its first successful handshake; ERROR is set when the dial loop itself
// gives up (as opposed to DEGRADED/OFFLINE, which the health checker walks a
// peer through on repeated check failures).
type PeerStatus string

const (
	PeerStatusConnecting PeerStatus = "CONNECTING"
	PeerStatusConnected  PeerStatus = "CONNECTED"
	PeerStatusDegraded   PeerStatus = "DEGRADED"
	PeerStatusOffline    PeerStatus = "OFFLINE"
	PeerStatusError      PeerStatus = "ERROR"
)

// Peer is a remote rtmux endpoint this process dials out to and supervises.
// GatewayToken, if set, authenticates the dial (e.g. a bearer header) and is
// stored encrypted — never returned by ToResponse.
type Peer struct {
	BaseModel
	Name            string     `gorm:"uniqueIndex;size:100;not null" json:"name"`
	Description     *string    `gorm:"size:500" json:"description"`
	URL             string     `gorm:"size:500;not null" json:"url"`
	GatewayToken    string     `gorm:"size:2000" json:"-"` // AES encrypted
	Status          PeerStatus `gorm:"index;size:20;default:OFFLINE;not null" json:"status"`
	LastHealthCheck *time.Time `json:"lastHealthCheck"`
	ConsecutiveFail int        `gorm:"default:0" json:"consecutiveFail"`
	Version         *string    `gorm:"size:50" json:"version"`
	CreatedByID     string     `gorm:"index;size:30;not null" json:"createdById"`
	CreatedBy       AdminUser  `gorm:"foreignKey:CreatedByID" json:"createdBy,omitempty"`
}

func (Peer) TableName() string { return "peers" }

// PeerResponse is the API representation of a Peer (GatewayToken excluded).
type PeerResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     *string    `json:"description"`
	URL             string     `json:"url"`
	Status          PeerStatus `json:"status"`
	LastHealthCheck *time.Time `json:"lastHealthCheck"`
	ConsecutiveFail int        `json:"consecutiveFail"`
	Version         *string    `json:"version"`
	CreatedByID     string     `json:"createdById"`
	CreatedByName   string     `json:"createdByName"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ToResponse converts Peer to PeerResponse. Preload("CreatedBy") before calling
// if CreatedByName should be populated.
func (p *Peer) ToResponse() PeerResponse {
	return PeerResponse{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		URL:             p.URL,
		Status:          p.Status,
		LastHealthCheck: p.LastHealthCheck,
		ConsecutiveFail: p.ConsecutiveFail,
		Version:         p.Version,
		CreatedByID:     p.CreatedByID,
		CreatedByName:   p.CreatedBy.Email,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// AdminRole distinguishes admins who may manage peers from operators who may
// only view them.
type AdminRole string

const (
	AdminRoleAdmin    AdminRole = "ADMIN"
	AdminRoleOperator AdminRole = "OPERATOR"
)

// AdminUser is an operator of the admin HTTP API. Accounts are seeded, not
// self-registered.
type AdminUser struct {
	BaseModel
	Email        string    `gorm:"uniqueIndex;size:150;not null" json:"email"`
	PasswordHash string    `gorm:"size:200;not null" json:"-"`
	Role         AdminRole `gorm:"size:20;default:OPERATOR;not null" json:"role"`
}

func (AdminUser) TableName() string { return "admin_users" }
