// Package agent turns inbound text into reply text through a text-generation
// backend.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/lelo-bot/internal/backoff"
)

const (
	// NetworkErrorReply is returned once every attempt has failed.
	NetworkErrorReply = "I encountered a network error while processing your request. Please try again later."
	// EmptyReply replaces a blank generated reply.
	EmptyReply = "I apologize, but I was unable to generate a response."

	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
)

var errGenerationTimeout = errors.New("generation request timeout")

// ClientConfig holds the retry settings of a Client.
type ClientConfig struct {
	Timeout    time.Duration
	MaxRetries int
	Backoff    backoff.Policy

	// Sleep defaults to backoff.Sleep.
	Sleep backoff.SleepFunc
}

// DefaultClientConfig returns a 30s timeout, 3 retries and the default policy.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		Backoff:    backoff.DefaultPolicy(),
	}
}

// Client wraps a Generator with a per-attempt timeout and bounded retries.
type Client struct {
	gen    Generator
	cfg    ClientConfig
	logger *slog.Logger
}

// NewClient creates a generation client.
func NewClient(gen Generator, cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = backoff.Sleep
	}
	return &Client{gen: gen, cfg: cfg, logger: logger}
}

// Generate returns displayable reply text for text. It never fails: after
// MaxRetries+1 failed attempts, or when ctx is cancelled, it returns
// NetworkErrorReply.
func (c *Client) Generate(ctx context.Context, text string) string {
	for attempt := 0; ; attempt++ {
		reply, err := c.attempt(ctx, text)
		if err == nil {
			if strings.TrimSpace(reply) == "" {
				return EmptyReply
			}
			return reply
		}

		c.logger.Error("Failed to generate reply", "attempt", attempt+1, "error", err)

		if attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return NetworkErrorReply
		}

		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Info("Retrying generation", "attempt", attempt+2, "delay", delay)
		if err := c.cfg.Sleep(ctx, delay); err != nil {
			return NetworkErrorReply
		}
	}
}

type result struct {
	text string
	err  error
}

// attempt races one backend call against the timeout. The call keeps running
// in the background if it overruns; its result is discarded.
func (c *Client) attempt(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("generator panic: %v", r)}
			}
		}()
		reply, err := c.gen.GenerateContent(ctx, text)
		done <- result{text: reply, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", errGenerationTimeout, c.cfg.Timeout)
		}
		return "", ctx.Err()
	}
}
