// Package console renders pairing codes for the operator's terminal.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mdp/qrterminal/v3"
)

// QRPrinter prints pairing codes as scannable QR codes.
type QRPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
}

// NewQRPrinter creates a printer writing to w.
func NewQRPrinter(w io.Writer, logger *slog.Logger) *QRPrinter {
	if logger == nil {
		logger = slog.Default()
	}
	return &QRPrinter{w: w, logger: logger}
}

// Show prints code. Empty codes are ignored.
func (p *QRPrinter) Show(code string) {
	if code == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintln(p.w, "Scan this QR code with the phone's linked-devices screen:"); err != nil {
		p.logger.Warn("Failed to print pairing code", "error", err)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, p.w)
	p.logger.Info("Pairing QR code printed")
}
