package bus

import (
	"strings"
	"time"
)

// Event kinds. Subscribers filter by prefix, so "session." receives every
// session lifecycle event.
const (
	PresenceChanged = "presence.status_changed"
	MessageSent     = "delivery.message_sent"

	SessionStateChanged = "session.state_changed"
	SessionReconnecting = "session.reconnecting"
	SessionReconnected  = "session.reconnected"
	SessionDisconnected = "session.disconnected"

	ConversationUpdated  = "conversation.updated"
	ConversationResynced = "conversation.resynced"

	// PushPrefix namespaces server events republished by a client session.
	PushPrefix = "push."
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// PushKind returns the bus kind for a server event target.
func PushKind(target string) string {
	return PushPrefix + target
}

// PushTarget reports the server event target carried by kind, if any.
func PushTarget(kind string) (string, bool) {
	return strings.CutPrefix(kind, PushPrefix)
}
