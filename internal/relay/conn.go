// Package relay implements the real-time chat and presence core: the
// presence registry, per-user rooms, view-state tracking, the send_message
// pipeline and the event dispatch gateway. Transports feed it frames and
// receive fan-out through the Conn interface.
package relay

// Conn is a single client connection as seen by the relay, regardless of
// transport (websocket or long-polling session).
type Conn interface {
	// ID returns a process-unique connection id.
	ID() string
	// Send queues one event for delivery to this connection. It must not
	// block on a slow client.
	Send(event string, data any) error
	// Close tears the connection down; the transport fires the gateway's
	// disconnect path exactly once.
	Close() error
}
