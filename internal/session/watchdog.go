package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ashureev/lelo-bot/internal/events"
)

const (
	DefaultWatchdogInterval = 30 * time.Second
	probeTimeout            = 10 * time.Second
)

// Watchdog probes the current driver for an open page. A driver with no
// pages, a failing probe, or no driver at all is treated as silently dead and
// rebuilt. Rebuilds requested here never touch the reconnect budget.
type Watchdog struct {
	periodic
	source    Source
	rebuilder Rebuilder
	companion Worker
	publisher events.Publisher
}

// NewWatchdog creates a watchdog. companion (the heartbeat, may be nil) is
// paused for the duration of a rebuild and restarted afterwards.
func NewWatchdog(source Source, rebuilder Rebuilder, companion Worker, interval time.Duration, publisher events.Publisher, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	w := &Watchdog{
		source:    source,
		rebuilder: rebuilder,
		companion: companion,
		publisher: publisher,
	}
	w.periodic = periodic{
		name:     "watchdog",
		interval: interval,
		tick:     w.check,
		logger:   logger,
	}
	return w
}

func (w *Watchdog) check(ctx context.Context) bool {
	err := w.probe(ctx)
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	w.logger.Error("Browser ping failed", "error", err)

	if w.companion != nil {
		w.companion.Stop()
	}

	err = w.rebuilder.Rebuild(ctx, err.Error())
	switch {
	case err == nil:
		w.logger.Info("Session rebuilt after silent death")
	case errors.Is(err, domain.ErrRebuildInProgress):
		w.logger.Info("Rebuild already in progress, watchdog resuming")
	default:
		// No further automatic recovery from here.
		w.logger.Error("Failed to reinitialize session, watchdog stopped", "error", err)
		w.publisher.Publish(events.Event{Type: events.WatchdogStopped, Detail: err.Error()})
		return false
	}

	if ctx.Err() != nil {
		return false
	}
	if w.companion != nil {
		w.companion.Start(ctx)
	}
	return true
}

func (w *Watchdog) probe(ctx context.Context) error {
	driver, err := w.source.Current()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSilentDeath, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	pages, err := driver.ActivePages(probeCtx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSilentDeath, err)
	}
	if pages == 0 {
		return fmt.Errorf("%w: no pages available", domain.ErrSilentDeath)
	}
	return nil
}
