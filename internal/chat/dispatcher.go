// Package chat turns inbound messages into generated replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/ashureev/lelo-bot/internal/session"
)

const (
	// QuoteUnavailableReply is sent when the quoted message cannot be read.
	QuoteUnavailableReply = "Sorry, I could not read the quoted message."
	// ErrorReply is the best-effort notice sent when handling a message fails.
	ErrorReply = "Sorry, I encountered an error. Please try again."
)

// Replier produces displayable reply text. It never fails.
type Replier interface {
	Generate(ctx context.Context, text string) string
}

// Dispatcher classifies inbound messages and replies through the current
// session driver.
type Dispatcher struct {
	sessions session.Source
	replier  Replier
	logger   *slog.Logger
}

var _ session.MessageHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher.
func NewDispatcher(sessions session.Source, replier Replier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		replier:  replier,
		logger:   logger,
	}
}

// HandleMessage processes one message. Failures, panics included, are
// contained here and answered with ErrorReply.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg domain.InboundMessage) {
	if err := d.safeHandle(ctx, msg); err != nil {
		d.logger.Error("Error handling message", "message_id", msg.ID, "from", msg.From, "error", err)
		d.apologize(ctx, msg)
	}
}

func (d *Dispatcher) safeHandle(ctx context.Context, msg domain.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.handle(ctx, msg)
}

func (d *Dispatcher) handle(ctx context.Context, msg domain.InboundMessage) error {
	if msg.IsStatus || msg.IsEphemeral {
		return nil
	}

	if !msg.IsGroup {
		d.logger.Debug("Direct message received", "message_id", msg.ID, "from", msg.From)
		return d.send(ctx, msg.From, d.replier.Generate(ctx, msg.Body))
	}

	if !msg.HasQuotedMessage {
		return nil
	}

	quoted, err := d.quotedBody(ctx, msg)
	if err != nil {
		d.logger.Warn("Could not read quoted message", "message_id", msg.ID, "error", err)
		return d.send(ctx, msg.From, QuoteUnavailableReply)
	}
	if strings.TrimSpace(quoted) == "" {
		return nil
	}
	return d.send(ctx, msg.From, d.replier.Generate(ctx, quoted))
}

func (d *Dispatcher) quotedBody(ctx context.Context, msg domain.InboundMessage) (string, error) {
	driver, err := d.sessions.Current()
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrQuotedMessage, err)
	}
	body, err := driver.QuotedMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, domain.ErrQuotedMessage) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", domain.ErrQuotedMessage, err)
	}
	return body, nil
}

func (d *Dispatcher) send(ctx context.Context, to, text string) error {
	driver, err := d.sessions.Current()
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if err := driver.SendMessage(ctx, to, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (d *Dispatcher) apologize(ctx context.Context, msg domain.InboundMessage) {
	if msg.From == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic sending error message", "to", msg.From, "panic", r)
		}
	}()
	if err := d.send(ctx, msg.From, ErrorReply); err != nil {
		d.logger.Error("Error sending error message", "to", msg.From, "error", err)
	}
}
