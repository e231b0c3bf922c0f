// Package browser drives a WhatsApp Web session inside headless Chromium.
// Credentials are the browser profile, archived into the credential backend
// once the session is paired and restored before the next launch.
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ashureev/lelo-bot/internal/session"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

//go:embed bridge.js
var bridgeJS string

const (
	DefaultURL       = "https://web.whatsapp.com"
	DefaultSaveDelay = 20 * time.Second

	bindingName     = "__chatbotEmit"
	navigateTimeout = 60 * time.Second
	maxQuotes       = 512
	userAgent       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// chromiumFlags keep Chromium alive in small containers without a sandbox.
var chromiumFlags = []flags.Flag{
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-accelerated-2d-canvas",
	"no-first-run",
	"no-zygote",
	"single-process",
	"disable-gpu",
	"disable-software-rasterizer",
	"disable-extensions",
	"disable-infobars",
	"ignore-certificate-errors",
	"ignore-certificate-errors-spki-list",
}

// Config controls how the browser is launched.
type Config struct {
	Bin       string // empty lets the launcher find or download Chromium
	Headless  bool
	URL       string
	SaveDelay time.Duration // wait after ready before archiving the profile
}

// NewFactory returns a session.Factory producing browser drivers.
func NewFactory(cfg Config, logger *slog.Logger) session.Factory {
	return func(creds session.CredentialBackend, listener session.Listener) (session.Driver, error) {
		return New(cfg, creds, listener, logger), nil
	}
}

// Driver is one browser instance bound to one listener. It is never reused
// after Destroy.
type Driver struct {
	cfg      Config
	creds    session.CredentialBackend
	listener session.Listener
	logger   *slog.Logger

	bgCtx  context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	userDir    string
	restored   bool
	paired     bool
	authFailed bool
	loggedOut  bool
	destroyed  bool
	lastCode   string
	quotes     map[string]string
	quoteOrder []string
}

var _ session.Driver = (*Driver)(nil)

// New creates an uninitialized driver.
func New(cfg Config, creds session.CredentialBackend, listener session.Listener, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	return &Driver{
		cfg:      cfg,
		creds:    creds,
		listener: listener,
		logger:   logger.With("driver", uuid.NewString()),
		bgCtx:    bgCtx,
		cancel:   cancel,
		quotes:   make(map[string]string),
	}
}

// Initialize restores the stored profile, launches Chromium and opens the
// session page. Pairing and readiness are reported to the listener.
func (d *Driver) Initialize(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "lelo-profile-*")
	if err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	restored := false
	if blob, ok := d.creds.Load(ctx); ok {
		if err := unpackProfile(blob, dir); err != nil {
			d.logger.Warn("Stored profile unusable, pairing from scratch", "error", err)
		} else {
			restored = true
		}
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		_ = os.RemoveAll(dir)
		return domain.ErrNoSession
	}
	d.userDir = dir
	d.restored = restored
	d.mu.Unlock()

	l := launcher.New().
		Context(d.bgCtx).
		UserDataDir(dir).
		Headless(d.cfg.Headless).
		NoSandbox(true).
		Set("disable-features", "IsolateOrigins,site-per-process").
		Set("window-position", "0,0")
	for _, f := range chromiumFlags {
		l = l.Set(f)
	}
	if d.cfg.Bin != "" {
		l = l.Bin(d.cfg.Bin)
	}

	d.mu.Lock()
	d.launcher = l
	d.mu.Unlock()

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(d.bgCtx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	d.mu.Lock()
	d.browser = b
	d.mu.Unlock()

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent}); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	if _, err := page.Expose(bindingName, d.handleBinding); err != nil {
		return fmt.Errorf("expose bridge binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		return fmt.Errorf("install bridge: %w", err)
	}

	d.mu.Lock()
	d.page = page
	d.mu.Unlock()

	wait := page.EachEvent(
		func(*proto.InspectorTargetCrashed) { d.disconnected("TARGET_CRASHED") },
		func(e *proto.InspectorDetached) { d.disconnected("DETACHED: " + e.Reason) },
	)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		wait()
	}()

	nav := page.Context(ctx).Timeout(navigateTimeout)
	if err := nav.Navigate(d.cfg.URL); err != nil {
		return fmt.Errorf("navigate to %s: %w", d.cfg.URL, err)
	}
	if err := nav.WaitLoad(); err != nil {
		return fmt.Errorf("wait for session page: %w", err)
	}

	d.logger.Info("Browser session page loaded", "url", d.cfg.URL, "restored", restored)
	return nil
}

// SendMessage sends text to a chat address through the page bridge.
func (d *Driver) SendMessage(ctx context.Context, address, text string) error {
	page, err := d.currentPage()
	if err != nil {
		return err
	}

	res, err := page.Context(ctx).Eval(`(to, text) => window.__chatbotSend(to, text)`, address, text)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if !boolean(res.Value, "ok") {
		return fmt.Errorf("send message: %s", str(res.Value, "error"))
	}
	return nil
}

// QuotedMessage returns the body of the message msg quotes, which is empty
// for a quote without text. Quotes seen with the inbound message are served
// from memory. ErrQuotedMessage means the quote could not be resolved.
func (d *Driver) QuotedMessage(ctx context.Context, msg domain.InboundMessage) (string, error) {
	d.mu.Lock()
	body, ok := d.quotes[msg.ID]
	d.mu.Unlock()
	if ok {
		return body, nil
	}

	page, err := d.currentPage()
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrQuotedMessage, err)
	}
	res, err := page.Context(ctx).Eval(`(id) => window.__chatbotQuoted(id)`, msg.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrQuotedMessage, err)
	}
	return quotedBody(res.Value, msg.ID)
}

// ActivePages reports how many pages the browser has open.
func (d *Driver) ActivePages(ctx context.Context) (int, error) {
	d.mu.Lock()
	b, destroyed := d.browser, d.destroyed
	d.mu.Unlock()
	if destroyed || b == nil {
		return 0, domain.ErrNoSession
	}

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}
	return len(pages), nil
}

// Destroy closes the browser, archives the profile if the session was paired
// and still valid, and removes the profile directory. Safe to call more than
// once.
func (d *Driver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	b, l, dir := d.browser, d.launcher, d.userDir
	save := d.paired && !d.authFailed && !d.loggedOut
	d.page = nil
	d.mu.Unlock()

	var errs []error
	if b != nil {
		if err := b.Context(ctx).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	d.cancel()
	d.wg.Wait()

	if save && dir != "" {
		d.saveProfile(ctx, dir)
	}
	if l != nil {
		l.Kill()
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			d.logger.Warn("Failed to remove profile dir", "dir", dir, "error", err)
		}
	}

	d.logger.Info("Browser driver destroyed")
	return errors.Join(errs...)
}

func (d *Driver) currentPage() (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed || d.page == nil {
		return nil, domain.ErrNoSession
	}
	return d.page, nil
}

func (d *Driver) saveProfile(ctx context.Context, dir string) {
	blob, err := packProfile(dir)
	if err != nil {
		d.logger.Error("Failed to archive browser profile", "error", err)
		return
	}
	if err := d.creds.Save(ctx, domain.Credentials(blob)); err != nil {
		d.logger.Error("Failed to save session credentials", "error", err)
		return
	}
	d.logger.Info("Session credentials saved", "bytes", len(blob))
}

// scheduleSave archives the profile once the page had time to persist the
// pairing.
func (d *Driver) scheduleSave() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTimer(d.cfg.SaveDelay)
		defer t.Stop()
		select {
		case <-d.bgCtx.Done():
			return
		case <-t.C:
		}

		d.mu.Lock()
		dir, ok := d.userDir, d.paired && !d.authFailed && !d.loggedOut && !d.destroyed
		d.mu.Unlock()
		if ok {
			d.saveProfile(d.bgCtx, dir)
		}
	}()
}
