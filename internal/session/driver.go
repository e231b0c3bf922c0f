// Package session keeps the single messaging session alive: it owns the
// current driver, reacts to its lifecycle events, rebuilds it on disconnect or
// silent death, and runs the watchdog and heartbeat against it.
package session

import (
	"context"

	"github.com/ashureev/lelo-bot/internal/domain"
)

// Driver is one instance of the messaging-session automation. Instances are
// never reused after Destroy.
type Driver interface {
	// Initialize launches the session. Lifecycle events are delivered to the
	// Listener the driver was constructed with, possibly before Initialize returns.
	Initialize(ctx context.Context) error

	// SendMessage sends text to a conversation address.
	SendMessage(ctx context.Context, address, text string) error

	// QuotedMessage returns the body of the message msg quotes. A quote
	// without text yields an empty body and no error.
	QuotedMessage(ctx context.Context, msg domain.InboundMessage) (string, error)

	// ActivePages reports how many pages the automation surface has open.
	ActivePages(ctx context.Context) (int, error)

	// Destroy releases the browser and everything attached to it.
	Destroy(ctx context.Context) error
}

// Listener receives driver events. Drivers may call it from any goroutine
// and must not hold locks while doing so.
type Listener interface {
	OnPairingCode(code string)
	OnReady()
	OnDisconnected(reason string)
	OnAuthFailure(reason string)
	OnMessage(msg domain.InboundMessage)
}

// CredentialBackend is the persistence a driver saves its paired session to.
type CredentialBackend interface {
	Save(ctx context.Context, creds domain.Credentials) error
	Load(ctx context.Context) (domain.Credentials, bool)
	Clear(ctx context.Context) error
}

// Factory constructs a new, uninitialized driver.
type Factory func(creds CredentialBackend, listener Listener) (Driver, error)

// Source hands out the driver that is current at the moment of the call.
// Callers must not keep the result across a blocking operation.
type Source interface {
	Current() (Driver, error)
}

// Rebuilder replaces the current driver with a fresh one.
type Rebuilder interface {
	Rebuild(ctx context.Context, reason string) error
}

// MessageHandler consumes inbound messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg domain.InboundMessage)
}
