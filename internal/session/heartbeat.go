package session

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatMessage  = "still alive"
	heartbeatSendTimeout     = 20 * time.Second
)

// HeartbeatConfig configures the keep-alive sender.
type HeartbeatConfig struct {
	Interval time.Duration
	Address  string
	Message  string
}

// Heartbeat periodically sends a no-op message so the platform does not drop
// an idle session. Send failures are logged only; escalation is the
// watchdog's job.
type Heartbeat struct {
	periodic
	source Source
	cfg    HeartbeatConfig
}

// NewHeartbeat creates a heartbeat that sends through source's current driver.
func NewHeartbeat(source Source, cfg HeartbeatConfig, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Message == "" {
		cfg.Message = DefaultHeartbeatMessage
	}

	h := &Heartbeat{source: source, cfg: cfg}
	h.periodic = periodic{
		name:     "heartbeat",
		interval: cfg.Interval,
		tick:     h.beat,
		logger:   logger,
	}
	return h
}

func (h *Heartbeat) beat(ctx context.Context) bool {
	driver, err := h.source.Current()
	if err != nil {
		h.logger.Debug("Heartbeat skipped", "reason", err)
		return true
	}

	sendCtx, cancel := context.WithTimeout(ctx, heartbeatSendTimeout)
	defer cancel()

	if err := driver.SendMessage(sendCtx, h.cfg.Address, h.cfg.Message); err != nil {
		h.logger.Warn("Error sending keep-alive message", "address", h.cfg.Address, "error", err)
		return true
	}
	h.logger.Debug("Keep-alive sent", "address", h.cfg.Address)
	return true
}
