package model

import (
	"time"
)

// PresenceStatus is the durable online flag written through the persistence
// collaborator when a user gains their first or loses their last connection.
type PresenceStatus struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
