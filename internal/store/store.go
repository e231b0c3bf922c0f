// Package store provides the key-value persistence behind session credentials.
package store

import (
	"context"
)

// KV defines the key-value store session credentials live in.
type KV interface {
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Get returns the value for key, or nil with no error when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}
