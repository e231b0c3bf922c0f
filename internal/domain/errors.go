package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStore marks credential persistence I/O failures.
	ErrStore = errors.New("credential store failure")
	// ErrAuthFailure is reported by the driver when stored credentials are rejected.
	ErrAuthFailure = errors.New("session authentication failed")
	// ErrDisconnected is reported by the driver when the remote session drops.
	ErrDisconnected = errors.New("session disconnected")
	// ErrSilentDeath is raised by the watchdog when the driver stops responding.
	ErrSilentDeath = errors.New("session driver unresponsive")
	// ErrReconnectBudgetExhausted ends the process after too many reconnects.
	ErrReconnectBudgetExhausted = errors.New("reconnect budget exhausted")
	// ErrNoSession is returned when no driver is currently installed.
	ErrNoSession = errors.New("no active session")
	// ErrRebuildInProgress rejects a rebuild request while another one runs.
	ErrRebuildInProgress = errors.New("session rebuild already in progress")
	// ErrSessionFailed rejects work after the supervisor reached StateFailed.
	ErrSessionFailed = errors.New("session failed")
	// ErrQuotedMessage is returned when a quoted message cannot be read.
	ErrQuotedMessage = errors.New("quoted message unavailable")
)

// StoreError wraps a failed credential store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("credential store %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrStore and the underlying cause to errors.Is.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}
