package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Worker is a periodic background task that can be stopped and restarted.
type Worker interface {
	Name() string
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// periodic runs tick every interval until stopped, its context ends, or tick
// returns false.
type periodic struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context) bool
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the loop. It is a no-op while the loop is running.
func (p *periodic) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		select {
		case <-p.done:
		default:
			return
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	ticker := time.NewTicker(p.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		p.logger.Info("Worker started", "worker", p.name, "interval", p.interval)

		for {
			select {
			case <-ticker.C:
				if !p.tick(loopCtx) {
					p.logger.Warn("Worker stopped itself", "worker", p.name)
					cancel()
					return
				}
				if loopCtx.Err() != nil {
					return
				}
				// A long tick (a rebuild) must not be followed by a burst of
				// queued ticks.
				ticker.Reset(p.interval)
			case <-loopCtx.Done():
				p.logger.Info("Worker shutting down", "worker", p.name, "reason", loopCtx.Err())
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to return. It must
// not be called from inside tick.
func (p *periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Name identifies the worker in logs and status reports.
func (p *periodic) Name() string { return p.name }

// Running reports whether the loop goroutine is alive.
func (p *periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
