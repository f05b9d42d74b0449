// Package transport carries relay events over the two supported client
// transports: an upgraded persistent websocket and a long-polling fallback.
// Both feed frames into the same gateway dispatch.
package transport

import (
	"time"
)

// Config holds transport-level settings shared by both modes.
type Config struct {
	// PingInterval is how often the server pings a websocket client, and the
	// maximum time a long-poll request is held open.
	PingInterval time.Duration
	// PingTimeout is how long a connection may stay silent before it is
	// treated as disconnected.
	PingTimeout time.Duration
	// UpgradeTimeout bounds how long an unauthenticated polling session may
	// exist before it is cleaned up.
	UpgradeTimeout time.Duration
	// AllowedOrigins is the cross-origin allow-list. "*" allows any origin.
	AllowedOrigins []string
	// ReadLimit is the maximum inbound frame size in bytes.
	ReadLimit int64
}

// originAllowed checks an Origin header value against the allow-list. An
// absent origin (non-browser client) is allowed.
func (c Config) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
