package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ashureev/lelo-bot/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// trace records side effects across fakes so tests can assert ordering.
type trace struct {
	mu      sync.Mutex
	entries []string
}

func (t *trace) add(format string, args ...any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, fmt.Sprintf(format, args...))
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.entries...)
}

type sentMessage struct {
	Address string
	Text    string
}

type fakeDriver struct {
	id       int
	listener Listener
	trace    *trace

	mu         sync.Mutex
	onInit     func(ctx context.Context, l Listener) error
	pages      int
	pagesErr   error
	sendErr    error
	quoted     string
	quoteErr   error
	destroyErr error
	sent       []sentMessage
	destroyed  bool
}

func (d *fakeDriver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	fn := d.onInit
	d.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, d.listener)
}

func (d *fakeDriver) SendMessage(_ context.Context, address, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, sentMessage{Address: address, Text: text})
	return nil
}

func (d *fakeDriver) QuotedMessage(context.Context, domain.InboundMessage) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quoted, d.quoteErr
}

func (d *fakeDriver) ActivePages(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pages, d.pagesErr
}

func (d *fakeDriver) Destroy(context.Context) error {
	d.mu.Lock()
	d.destroyed = true
	err := d.destroyErr
	d.mu.Unlock()
	d.trace.add("destroy:%d", d.id)
	return err
}

func (d *fakeDriver) setPages(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages, d.pagesErr = n, err
}

func (d *fakeDriver) setSendErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

func (d *fakeDriver) isDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *fakeDriver) sentMessages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

// fakeFactory builds fakeDrivers. configure runs on each new driver with its
// zero-based construction index.
type fakeFactory struct {
	trace     *trace
	configure func(n int, d *fakeDriver)

	mu      sync.Mutex
	drivers []*fakeDriver
}

func (f *fakeFactory) New(_ CredentialBackend, l Listener) (Driver, error) {
	f.mu.Lock()
	d := &fakeDriver{id: len(f.drivers), listener: l, trace: f.trace, pages: 1}
	f.drivers = append(f.drivers, d)
	configure := f.configure
	f.mu.Unlock()

	if configure != nil {
		configure(d.id, d)
	}
	return d, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drivers)
}

func (f *fakeFactory) driver(i int) *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[i]
}

func readyOnInit(_ context.Context, l Listener) error {
	l.OnReady()
	return nil
}

type fakeCreds struct {
	mu      sync.Mutex
	data    domain.Credentials
	clears  int
	saveErr error
}

func (c *fakeCreds) Save(_ context.Context, creds domain.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.data = append(domain.Credentials(nil), creds...)
	return nil
}

func (c *fakeCreds) Load(context.Context) (domain.Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return nil, false
	}
	return append(domain.Credentials(nil), c.data...), true
}

func (c *fakeCreds) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	c.clears++
	return nil
}

func (c *fakeCreds) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

// recordingSleep returns immediately and remembers every requested delay.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) list() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type fakeWorker struct {
	name  string
	trace *trace

	mu      sync.Mutex
	running bool
	starts  int
	stops   int
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Start(context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = true
	w.starts++
	w.trace.add("start:%s", w.name)
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.stops++
	w.trace.add("stop:%s", w.name)
}

func (w *fakeWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *fakeWorker) counts() (starts, stops int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts, w.stops
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg domain.InboundMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// staticSource serves one driver, or ErrNoSession when it is nil.
type staticSource struct {
	mu     sync.Mutex
	driver Driver
}

func (s *staticSource) Current() (Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return nil, domain.ErrNoSession
	}
	return s.driver, nil
}

func (s *staticSource) set(d Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = d
}

type fakeRebuilder struct {
	mu      sync.Mutex
	reasons []string
	err     error
	onCall  func()
}

func (r *fakeRebuilder) Rebuild(_ context.Context, reason string) error {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	err, fn := r.err, r.onCall
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
	return err
}

func (r *fakeRebuilder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}
