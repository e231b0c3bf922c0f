package store

import (
	"context"
	"log/slog"

	"github.com/ashureev/lelo-bot/internal/domain"
)

// DefaultSessionKey is the key the paired session is stored under.
const DefaultSessionKey = "whatsapp-session"

// CredentialAdapter persists session credentials in a KV store under a
// single key. It is handed to the session driver as its persistence backend.
type CredentialAdapter struct {
	kv     KV
	key    string
	logger *slog.Logger
}

// NewCredentialAdapter creates an adapter storing credentials under key.
func NewCredentialAdapter(kv KV, key string, logger *slog.Logger) *CredentialAdapter {
	if key == "" {
		key = DefaultSessionKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialAdapter{kv: kv, key: key, logger: logger}
}

// Save overwrites the stored credentials. A failure leaves the session
// running in memory only; it will not survive a restart.
func (a *CredentialAdapter) Save(ctx context.Context, creds domain.Credentials) error {
	if err := a.kv.Set(ctx, a.key, creds); err != nil {
		a.logger.Error("Failed to save session credentials", "key", a.key, "error", err)
		return &domain.StoreError{Op: "save", Err: err}
	}
	a.logger.Debug("Session credentials saved", "key", a.key, "bytes", len(creds))
	return nil
}

// Load returns the stored credentials. A store failure is reported as absent
// so the driver falls back to fresh pairing.
func (a *CredentialAdapter) Load(ctx context.Context) (domain.Credentials, bool) {
	value, err := a.kv.Get(ctx, a.key)
	if err != nil {
		a.logger.Warn("Failed to load session credentials, pairing required", "key", a.key, "error", err)
		return nil, false
	}
	if len(value) == 0 {
		return nil, false
	}
	return domain.Credentials(value), true
}

// Clear deletes the stored credentials.
func (a *CredentialAdapter) Clear(ctx context.Context) error {
	if err := a.kv.Del(ctx, a.key); err != nil {
		a.logger.Error("Failed to clear session credentials", "key", a.key, "error", err)
		return &domain.StoreError{Op: "clear", Err: err}
	}
	a.logger.Info("Session credentials cleared", "key", a.key)
	return nil
}
