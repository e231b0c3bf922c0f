package browser

import (
	"fmt"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ysmood/gson"
)

// Bridge event types emitted by bridge.js.
const (
	eventQR           = "qr"
	eventReady        = "ready"
	eventDisconnected = "disconnected"
	eventMessage      = "message"
)

const reasonLogout = "LOGOUT"

// handleBinding receives every event the page bridge emits. Listener calls
// are made without holding d.mu.
func (d *Driver) handleBinding(ev gson.JSON) (interface{}, error) {
	switch str(ev, "type") {
	case eventQR:
		d.pairingCode(str(ev, "code"))
	case eventReady:
		d.ready()
	case eventDisconnected:
		d.disconnected(str(ev, "reason"))
	case eventMessage:
		d.message(ev)
	default:
		d.logger.Debug("Unknown bridge event", "event", ev.JSON("", ""))
	}
	return nil, nil
}

func (d *Driver) pairingCode(code string) {
	if code == "" {
		return
	}

	d.mu.Lock()
	if d.destroyed || d.authFailed || d.loggedOut || code == d.lastCode {
		d.mu.Unlock()
		return
	}
	d.lastCode = code
	// A restored profile that still asks for pairing was rejected.
	rejected := d.restored && !d.paired
	if rejected {
		d.authFailed = true
	}
	d.mu.Unlock()

	if rejected {
		d.logger.Error("Stored session rejected, pairing requested")
		d.listener.OnAuthFailure("stored session rejected by server")
		return
	}
	d.listener.OnPairingCode(code)
}

func (d *Driver) ready() {
	d.mu.Lock()
	if d.destroyed || d.authFailed || d.loggedOut {
		d.mu.Unlock()
		return
	}
	first := !d.paired
	d.paired = true
	d.lastCode = ""
	d.mu.Unlock()

	if first {
		d.scheduleSave()
	}
	d.listener.OnReady()
}

func (d *Driver) disconnected(reason string) {
	d.mu.Lock()
	if d.destroyed || d.authFailed || d.loggedOut {
		d.mu.Unlock()
		return
	}
	logout := reason == reasonLogout
	if logout {
		d.loggedOut = true
	}
	d.mu.Unlock()

	if logout {
		// The stored profile is dead; the next driver pairs from scratch.
		if err := d.creds.Clear(d.bgCtx); err != nil {
			d.logger.Warn("Failed to clear credentials after logout", "error", err)
		}
	}
	d.listener.OnDisconnected(reason)
}

func (d *Driver) message(ev gson.JSON) {
	msg := domain.InboundMessage{
		ID:               str(ev, "id"),
		From:             str(ev, "from"),
		Body:             str(ev, "body"),
		IsGroup:          boolean(ev, "isGroup"),
		IsStatus:         boolean(ev, "isStatus"),
		IsEphemeral:      boolean(ev, "isEphemeral"),
		HasQuotedMessage: boolean(ev, "hasQuoted"),
	}
	if msg.ID == "" || msg.From == "" {
		return
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	if msg.HasQuotedMessage && boolean(ev, "quotedLoaded") {
		d.rememberQuote(msg.ID, str(ev, "quotedBody"))
	}
	d.mu.Unlock()

	d.listener.OnMessage(msg)
}

// rememberQuote caches a quoted body, evicting the oldest beyond maxQuotes.
// Caller holds d.mu.
func (d *Driver) rememberQuote(id, body string) {
	if _, ok := d.quotes[id]; !ok {
		d.quoteOrder = append(d.quoteOrder, id)
	}
	d.quotes[id] = body
	for len(d.quoteOrder) > maxQuotes {
		delete(d.quotes, d.quoteOrder[0])
		d.quoteOrder = d.quoteOrder[1:]
	}
}

// quotedBody reads the bridge's quote lookup result.
func quotedBody(res gson.JSON, id string) (string, error) {
	if !boolean(res, "found") {
		return "", fmt.Errorf("%w: message %s", domain.ErrQuotedMessage, id)
	}
	return str(res, "body"), nil
}

func str(j gson.JSON, key string) string {
	s, _ := j.Get(key).Val().(string)
	return s
}

func boolean(j gson.JSON, key string) bool {
	b, _ := j.Get(key).Val().(bool)
	return b
}
