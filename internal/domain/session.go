// Package domain holds the types shared across the session supervisor,
// the credential store and the message dispatcher.
package domain

// SessionState is the lifecycle state of the single messaging session.
type SessionState string

const (
	StateInitializing    SessionState = "initializing"
	StatePairingRequired SessionState = "pairing_required"
	StateConnected       SessionState = "connected"
	StateDisconnected    SessionState = "disconnected"
	StateReconnecting    SessionState = "reconnecting"
	// StateFailed is terminal; the process must exit.
	StateFailed SessionState = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == StateFailed
}

// Credentials is the serialized blob of a paired session. The driver owns its
// format; the store only moves bytes.
type Credentials []byte

// InboundMessage is a message pushed by the driver. It is consumed once.
type InboundMessage struct {
	ID               string
	From             string // conversation address replies go to
	Body             string
	IsGroup          bool
	IsStatus         bool
	IsEphemeral      bool
	HasQuotedMessage bool
}
