package browser

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

type recordingListener struct {
	mu       sync.Mutex
	codes    []string
	ready    int
	discon   []string
	authFail []string
	messages []domain.InboundMessage
}

func (l *recordingListener) OnPairingCode(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.codes = append(l.codes, code)
}

func (l *recordingListener) OnReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready++
}

func (l *recordingListener) OnDisconnected(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discon = append(l.discon, reason)
}

func (l *recordingListener) OnAuthFailure(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authFail = append(l.authFail, reason)
}

func (l *recordingListener) OnMessage(msg domain.InboundMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

type memoryCreds struct {
	mu     sync.Mutex
	data   domain.Credentials
	clears int
}

func (c *memoryCreds) Save(_ context.Context, creds domain.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = creds
	return nil
}

func (c *memoryCreds) Load(context.Context) (domain.Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, len(c.data) > 0
}

func (c *memoryCreds) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	c.clears++
	return nil
}

func newTestDriver(t *testing.T) (*Driver, *recordingListener, *memoryCreds) {
	t.Helper()
	listener := &recordingListener{}
	creds := &memoryCreds{}
	d := New(Config{SaveDelay: time.Hour}, creds, listener, nil)
	t.Cleanup(func() { _ = d.Destroy(context.Background()) })
	return d, listener, creds
}

func emit(t *testing.T, d *Driver, ev map[string]any) {
	t.Helper()
	_, err := d.handleBinding(gson.New(ev))
	require.NoError(t, err)
}

func TestDriver_PairingCodeDeduplicated(t *testing.T) {
	d, listener, _ := newTestDriver(t)

	emit(t, d, map[string]any{"type": "qr", "code": "2@one"})
	emit(t, d, map[string]any{"type": "qr", "code": "2@one"})
	emit(t, d, map[string]any{"type": "qr", "code": "2@two"})

	assert.Equal(t, []string{"2@one", "2@two"}, listener.codes)
	assert.Empty(t, listener.authFail)
}

func TestDriver_RestoredProfileAskingForPairingIsAuthFailure(t *testing.T) {
	d, listener, _ := newTestDriver(t)
	d.restored = true

	emit(t, d, map[string]any{"type": "qr", "code": "2@one"})
	emit(t, d, map[string]any{"type": "qr", "code": "2@two"})
	emit(t, d, map[string]any{"type": "ready"})

	assert.Len(t, listener.authFail, 1)
	assert.Empty(t, listener.codes)
	assert.Zero(t, listener.ready)
}

func TestDriver_ReadyThenLogoutClearsCredentials(t *testing.T) {
	d, listener, creds := newTestDriver(t)
	creds.data = domain.Credentials("profile")

	emit(t, d, map[string]any{"type": "ready"})
	emit(t, d, map[string]any{"type": "disconnected", "reason": "LOGOUT"})
	emit(t, d, map[string]any{"type": "qr", "code": "2@after-logout"})

	assert.Equal(t, 1, listener.ready)
	assert.Equal(t, []string{"LOGOUT"}, listener.discon)
	assert.Empty(t, listener.codes)
	assert.Equal(t, 1, creds.clears)
}

func TestDriver_NetworkDisconnectKeepsCredentials(t *testing.T) {
	d, listener, creds := newTestDriver(t)
	creds.data = domain.Credentials("profile")

	emit(t, d, map[string]any{"type": "ready"})
	emit(t, d, map[string]any{"type": "disconnected", "reason": "NETWORK_OFFLINE"})

	assert.Equal(t, []string{"NETWORK_OFFLINE"}, listener.discon)
	assert.Zero(t, creds.clears)
}

func TestDriver_MessageForwardedAndQuoteCached(t *testing.T) {
	d, listener, _ := newTestDriver(t)

	emit(t, d, map[string]any{
		"type":         "message",
		"id":           "false_team@g.us_ABC",
		"from":         "team@g.us",
		"body":         "@bot explain",
		"isGroup":      true,
		"hasQuoted":    true,
		"quotedLoaded": true,
		"quotedBody":   "what is X",
	})
	emit(t, d, map[string]any{"type": "message", "from": "1@c.us"})

	require.Len(t, listener.messages, 1)
	msg := listener.messages[0]
	assert.Equal(t, domain.InboundMessage{
		ID:               "false_team@g.us_ABC",
		From:             "team@g.us",
		Body:             "@bot explain",
		IsGroup:          true,
		HasQuotedMessage: true,
	}, msg)

	body, err := d.QuotedMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "what is X", body)
}

func TestDriver_QuotedMessageUnavailable(t *testing.T) {
	d, _, _ := newTestDriver(t)

	_, err := d.QuotedMessage(context.Background(), domain.InboundMessage{ID: "unknown"})
	assert.ErrorIs(t, err, domain.ErrQuotedMessage)
}

func TestDriver_QuotedMediaHasEmptyBody(t *testing.T) {
	d, listener, _ := newTestDriver(t)

	emit(t, d, map[string]any{
		"type":         "message",
		"id":           "false_team@g.us_IMG",
		"from":         "team@g.us",
		"isGroup":      true,
		"hasQuoted":    true,
		"quotedLoaded": true,
	})

	require.Len(t, listener.messages, 1)
	body, err := d.QuotedMessage(context.Background(), listener.messages[0])
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestQuotedBody(t *testing.T) {
	tests := []struct {
		name    string
		result  map[string]any
		want    string
		wantErr bool
	}{
		{name: "text quote", result: map[string]any{"found": true, "body": "what is X"}, want: "what is X"},
		{name: "quote without text", result: map[string]any{"found": true, "body": ""}},
		{name: "not found", result: map[string]any{"found": false, "body": ""}, wantErr: true},
		{name: "malformed result", result: map[string]any{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := quotedBody(gson.New(tt.result), "m1")
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrQuotedMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestDriver_QuoteCacheBounded(t *testing.T) {
	d, _, _ := newTestDriver(t)

	d.mu.Lock()
	for i := 0; i < maxQuotes+10; i++ {
		d.rememberQuote("msg-"+strconv.Itoa(i), "body")
	}
	n := len(d.quotes)
	d.mu.Unlock()

	assert.Equal(t, maxQuotes, n)
	_, err := d.QuotedMessage(context.Background(), domain.InboundMessage{ID: "msg-0"})
	assert.ErrorIs(t, err, domain.ErrQuotedMessage, "oldest entry evicted")
}

func TestDriver_UninitializedOperations(t *testing.T) {
	d, _, _ := newTestDriver(t)

	assert.ErrorIs(t, d.SendMessage(context.Background(), "1@c.us", "hi"), domain.ErrNoSession)

	_, err := d.ActivePages(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoSession)

	require.NoError(t, d.Destroy(context.Background()))
	require.NoError(t, d.Destroy(context.Background()))
}

func TestDriver_EventsIgnoredAfterDestroy(t *testing.T) {
	d, listener, _ := newTestDriver(t)
	require.NoError(t, d.Destroy(context.Background()))

	emit(t, d, map[string]any{"type": "qr", "code": "2@late"})
	emit(t, d, map[string]any{"type": "ready"})
	emit(t, d, map[string]any{"type": "disconnected", "reason": "DETACHED"})
	emit(t, d, map[string]any{"type": "message", "id": "m", "from": "1@c.us"})

	assert.Empty(t, listener.codes)
	assert.Zero(t, listener.ready)
	assert.Empty(t, listener.discon)
	assert.Empty(t, listener.messages)
}

func TestDriver_InitializeAfterDestroy(t *testing.T) {
	d, _, _ := newTestDriver(t)
	require.NoError(t, d.Destroy(context.Background()))

	assert.ErrorIs(t, d.Initialize(context.Background()), domain.ErrNoSession)
}

func TestDriver_DestroySavesPairedProfile(t *testing.T) {
	d, _, creds := newTestDriver(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Default", "Local Storage"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Default", "Local Storage", "000003.log"), []byte("wa-token"), 0o600))
	d.userDir = dir

	emit(t, d, map[string]any{"type": "ready"})
	require.NoError(t, d.Destroy(context.Background()))

	blob, ok := creds.Load(context.Background())
	require.True(t, ok)

	restored := t.TempDir()
	require.NoError(t, unpackProfile(blob, restored))
	data, err := os.ReadFile(filepath.Join(restored, "Default", "Local Storage", "000003.log"))
	require.NoError(t, err)
	assert.Equal(t, "wa-token", string(data))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "profile dir removed on destroy")
}

func TestDriver_DestroySkipsSaveAfterAuthFailure(t *testing.T) {
	d, _, creds := newTestDriver(t)
	d.userDir = t.TempDir()
	d.restored = true

	emit(t, d, map[string]any{"type": "qr", "code": "2@rejected"})
	require.NoError(t, d.Destroy(context.Background()))

	_, ok := creds.Load(context.Background())
	assert.False(t, ok)
}
