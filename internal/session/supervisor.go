package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ashureev/lelo-bot/internal/backoff"
	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ashureev/lelo-bot/internal/events"
	"github.com/oklog/ulid/v2"
)

// DefaultReconnectBudget is the number of reconnect attempts allowed between
// two successful connections.
const DefaultReconnectBudget = 5

var errShuttingDown = errors.New("supervisor shutting down")

// RebuildPolicy decides what a rebuilt driver starts from.
type RebuildPolicy int

const (
	// ResumeStored lets the new driver resume from stored credentials.
	ResumeStored RebuildPolicy = iota
	// RepairOnRebuild clears stored credentials first, forcing a new pairing.
	RepairOnRebuild
)

// Options configures a Supervisor.
type Options struct {
	Factory     Factory
	Credentials CredentialBackend
	// ReconnectBudget of zero fails on the first disconnect; negative selects
	// DefaultReconnectBudget.
	ReconnectBudget int
	Backoff         backoff.Policy
	RebuildPolicy   RebuildPolicy
	Publisher       events.Publisher

	// PairingDisplay shows a pairing code to the operator.
	PairingDisplay func(code string)

	// Sleep defaults to backoff.Sleep.
	Sleep  backoff.SleepFunc
	Logger *slog.Logger
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State      domain.SessionState `json:"state"`
	Reconnects int                 `json:"reconnects"`
	Generation uint64              `json:"generation"`
	Rebuilding bool                `json:"rebuilding"`
	Workers    map[string]bool     `json:"workers"`
	Error      string              `json:"error,omitempty"`
}

// Supervisor owns the session state machine and the current driver.
type Supervisor struct {
	factory   Factory
	creds     CredentialBackend
	budget    int
	backoff   backoff.Policy
	policy    RebuildPolicy
	publisher events.Publisher
	display   func(code string)
	sleep     backoff.SleepFunc
	logger    *slog.Logger

	handle     handle
	rebuilding atomic.Bool

	mu         sync.Mutex
	state      domain.SessionState
	reconnects int
	err        error
	closing    bool
	workers    []Worker
	messages   MessageHandler
	inflight   sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
	failed chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a supervisor. Nothing runs until Start.
func New(opts Options) (*Supervisor, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("session: driver factory is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("session: credential backend is required")
	}
	if opts.ReconnectBudget < 0 {
		opts.ReconnectBudget = DefaultReconnectBudget
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = backoff.DefaultPolicy()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Sleep == nil {
		opts.Sleep = backoff.Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		factory:   opts.Factory,
		creds:     opts.Credentials,
		budget:    opts.ReconnectBudget,
		backoff:   opts.Backoff,
		policy:    opts.RebuildPolicy,
		publisher: opts.Publisher,
		display:   opts.PairingDisplay,
		sleep:     opts.Sleep,
		logger:    opts.Logger,
		state:     domain.StateInitializing,
		runCtx:    runCtx,
		cancel:    cancel,
		failed:    make(chan struct{}),
	}, nil
}

// SetMessageHandler sets where inbound messages go. Call before Start.
func (s *Supervisor) SetMessageHandler(h MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = h
}

// AttachWorkers registers periodic workers started by Start and stopped, in
// the given order, by Shutdown or on failure. Attach the watchdog before the
// heartbeat it restarts.
func (s *Supervisor) AttachWorkers(workers ...Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, workers...)
}

// Start builds and initializes the first driver, then starts the workers.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.rebuilding.CompareAndSwap(false, true) {
		return domain.ErrRebuildInProgress
	}
	err := s.launch(ctx, false)
	s.rebuilding.Store(false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	workers := slices.Clone(s.workers)
	s.mu.Unlock()
	for _, w := range workers {
		w.Start(s.runCtx)
	}
	return nil
}

// Current returns the installed driver, or ErrNoSession while none is.
func (s *Supervisor) Current() (Driver, error) {
	if d, _ := s.handle.current(); d != nil {
		return d, nil
	}
	return nil, domain.ErrNoSession
}

// State returns the current lifecycle state.
func (s *Supervisor) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for operators.
func (s *Supervisor) Status() Status {
	_, gen := s.handle.current()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:      s.state,
		Reconnects: s.reconnects,
		Generation: gen,
		Rebuilding: s.rebuilding.Load(),
		Workers:    make(map[string]bool, len(s.workers)),
	}
	for _, w := range s.workers {
		st.Workers[w.Name()] = w.Running()
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// Done is closed once the supervisor reaches StateFailed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.failed
}

// Err returns why the supervisor failed, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Rebuild replaces the current driver without consuming the reconnect
// budget. It returns ErrRebuildInProgress if another rebuild is running.
func (s *Supervisor) Rebuild(ctx context.Context, reason string) error {
	if s.State().IsTerminal() {
		return domain.ErrSessionFailed
	}
	if !s.rebuilding.CompareAndSwap(false, true) {
		return domain.ErrRebuildInProgress
	}
	defer s.rebuilding.Store(false)

	s.logger.Warn("Rebuilding session", "reason", reason)
	s.emit(events.RebuildStarted, reason)

	if err := s.relaunch(ctx); err != nil {
		s.emit(events.RebuildFailed, err.Error())
		return err
	}
	return nil
}

// Shutdown stops the workers, cancels in-flight reconnects and dispatches,
// then destroys the driver. Timers are always stopped before the driver goes
// away. Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		workers := slices.Clone(s.workers)
		s.mu.Unlock()

		for _, w := range workers {
			w.Stop()
		}
		s.cancel()

		idle := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(idle)
		}()
		select {
		case <-idle:
		case <-ctx.Done():
			s.logger.Warn("Shutdown did not wait for in-flight work", "error", ctx.Err())
		}

		if d := s.handle.take(); d != nil {
			if err := d.Destroy(ctx); err != nil {
				s.shutdownErr = fmt.Errorf("destroy driver: %w", err)
			}
		}
	})
	return s.shutdownErr
}

// relaunch launches a new driver under the rebuild policy. The caller holds
// the rebuilding flag.
func (s *Supervisor) relaunch(ctx context.Context) error {
	return s.launch(ctx, s.policy == RepairOnRebuild)
}

// launch destroys the current driver, constructs a new one bound to a fresh
// generation and initializes it. With repair set, credentials are cleared
// after the old driver is gone so it cannot save over them. The caller holds
// the rebuilding flag.
func (s *Supervisor) launch(ctx context.Context, repair bool) error {
	if s.isClosing() {
		return errShuttingDown
	}

	old, gen := s.handle.advance()
	if old != nil {
		if err := old.Destroy(ctx); err != nil {
			s.logger.Warn("Failed to destroy previous driver", "error", err)
		}
	}
	if repair {
		if err := s.creds.Clear(ctx); err != nil {
			s.logger.Warn("Could not clear credentials before rebuild", "error", err)
		}
	}

	s.setState(domain.StateInitializing, "")

	driver, err := s.factory(s.creds, &boundListener{s: s, gen: gen})
	if err != nil {
		return fmt.Errorf("construct driver: %w", err)
	}
	if !s.handle.install(gen, driver) {
		_ = driver.Destroy(ctx)
		return errShuttingDown
	}

	if err := driver.Initialize(ctx); err != nil {
		s.handle.release(gen)
		if destroyErr := driver.Destroy(ctx); destroyErr != nil {
			s.logger.Warn("Failed to destroy driver after initialize error", "error", destroyErr)
		}
		return fmt.Errorf("initialize driver: %w", err)
	}

	s.logger.Info("Session driver initialized", "generation", gen)
	return nil
}

// reconnect runs the budgeted reconnect loop for a disconnect reported by
// generation gen.
func (s *Supervisor) reconnect(gen uint64, reason string) {
	if !s.rebuilding.CompareAndSwap(false, true) {
		s.logger.Info("Rebuild already in progress, ignoring disconnect", "reason", reason)
		return
	}
	defer s.rebuilding.Store(false)

	if !s.handle.isCurrent(gen) {
		return
	}

	for {
		attempt, ok := s.beginAttempt()
		if !ok {
			return
		}
		if attempt > s.budget {
			s.fail(fmt.Errorf("%w after %d attempts: %s", domain.ErrReconnectBudgetExhausted, s.budget, reason))
			return
		}

		delay := s.backoff.Delay(attempt)
		s.logger.Info("Attempting to reconnect", "attempt", attempt, "budget", s.budget, "delay", delay)
		s.emit(events.ReconnectScheduled, fmt.Sprintf("attempt %d in %s", attempt, delay))

		if err := s.sleep(s.runCtx, delay); err != nil {
			return
		}

		err := s.relaunch(s.runCtx)
		if err == nil {
			return
		}
		if s.runCtx.Err() != nil || errors.Is(err, errShuttingDown) {
			return
		}
		s.logger.Error("Reconnection failed", "attempt", attempt, "error", err)
		s.emit(events.RebuildFailed, err.Error())
	}
}

// beginAttempt moves to StateReconnecting and counts the attempt.
func (s *Supervisor) beginAttempt() (int, bool) {
	s.mu.Lock()
	if s.state.IsTerminal() || s.closing {
		s.mu.Unlock()
		return 0, false
	}
	s.reconnects++
	attempt := s.reconnects
	s.mu.Unlock()

	s.setState(domain.StateReconnecting, "")
	return attempt, true
}

// fail enters the terminal state and stops the workers. Destroying the driver
// is left to Shutdown, which the owner runs once Done is closed.
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateFailed
	s.err = err
	workers := slices.Clone(s.workers)
	s.mu.Unlock()

	s.logger.Error("Session failed, manual intervention required", "error", err)
	s.emit(events.StateChanged, "")
	s.emit(events.SessionFailed, err.Error())

	for _, w := range workers {
		w.Stop()
	}
	close(s.failed)
}

// setState records a non-terminal transition. It never leaves StateFailed.
func (s *Supervisor) setState(to domain.SessionState, detail string) {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == to {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = to
	if to == domain.StateConnected {
		s.reconnects = 0
	}
	s.mu.Unlock()

	s.logger.Info("Session state changed", "from", from, "to", to)
	s.emit(events.StateChanged, detail)
}

func (s *Supervisor) emit(t events.Type, detail string) {
	_, gen := s.handle.current()
	s.mu.Lock()
	// Stamped under the lock so ID order matches the order states were read.
	ev := events.Event{
		ID:         ulid.Make().String(),
		Type:       t,
		State:      s.state,
		Reconnects: s.reconnects,
		Generation: gen,
		Detail:     detail,
	}
	s.mu.Unlock()
	s.publisher.Publish(ev)
}

func (s *Supervisor) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// goTracked runs fn on its own goroutine unless shutdown has begun.
func (s *Supervisor) goTracked(fn func()) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		fn()
	}()
	return true
}

// active reports whether events from generation gen should be acted on.
func (s *Supervisor) active(gen uint64) bool {
	if !s.handle.isCurrent(gen) {
		s.logger.Debug("Ignoring event from replaced driver", "generation", gen)
		return false
	}
	return !s.State().IsTerminal()
}

func (s *Supervisor) onPairingCode(gen uint64, code string) {
	if !s.active(gen) {
		return
	}
	s.logger.Info("Pairing code received")
	s.setState(domain.StatePairingRequired, "")
	s.emit(events.PairingCode, code)
	if s.display != nil {
		s.display(code)
	}
}

func (s *Supervisor) onReady(gen uint64) {
	if !s.active(gen) {
		return
	}
	s.logger.Info("Client is ready")
	s.setState(domain.StateConnected, "")
}

func (s *Supervisor) onDisconnected(gen uint64, reason string) {
	if !s.active(gen) {
		return
	}
	if s.rebuilding.Load() {
		// A reconnect or rebuild already owns the state.
		s.logger.Info("Rebuild already in progress, ignoring disconnect", "reason", reason)
		return
	}
	s.logger.Warn("Client was disconnected", "reason", reason)
	s.setState(domain.StateDisconnected, reason)
	s.goTracked(func() { s.reconnect(gen, reason) })
}

func (s *Supervisor) onAuthFailure(gen uint64, reason string) {
	if !s.active(gen) {
		return
	}
	s.logger.Error("Authentication failure", "reason", reason)
	s.goTracked(func() {
		err := fmt.Errorf("%w: %s", domain.ErrAuthFailure, reason)
		if clearErr := s.creds.Clear(s.runCtx); clearErr != nil {
			err = errors.Join(err, clearErr)
		}
		s.fail(err)
	})
}

func (s *Supervisor) onMessage(gen uint64, msg domain.InboundMessage) {
	if !s.active(gen) {
		return
	}
	s.mu.Lock()
	h := s.messages
	s.mu.Unlock()
	if h == nil {
		return
	}
	s.goTracked(func() { h.HandleMessage(s.runCtx, msg) })
}

// boundListener tags driver events with the generation of the driver that
// raised them.
type boundListener struct {
	s   *Supervisor
	gen uint64
}

func (l *boundListener) OnPairingCode(code string)    { l.s.onPairingCode(l.gen, code) }
func (l *boundListener) OnReady()                     { l.s.onReady(l.gen) }
func (l *boundListener) OnDisconnected(reason string) { l.s.onDisconnected(l.gen, reason) }
func (l *boundListener) OnAuthFailure(reason string)  { l.s.onAuthFailure(l.gen, reason) }
func (l *boundListener) OnMessage(msg domain.InboundMessage) {
	l.s.onMessage(l.gen, msg)
}
