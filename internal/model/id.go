package model

import (
	"crypto/rand"
	"encoding/hex"
)

// AllModels lists every model for GORM AutoMigrate.
func AllModels() []any {
	return []any{
		&Peer{},
		&AdminUser{},
	}
}

// GenerateID creates a record identifier: 12 random bytes as 24-character
// hex, short enough for the size:30 primary key columns.
func GenerateID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate random ID: " + err.Error())
	}
	return hex.EncodeToString(b)
}
