package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/lelo-bot/internal/events"
	"github.com/ashureev/lelo-bot/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	snapshotFrame = "session.snapshot"
	writeTimeout  = 10 * time.Second
)

// snapshot is the first frame on every event stream.
type snapshot struct {
	Type   string         `json:"type"`
	Status session.Status `json:"status"`
}

// Events upgrades to a websocket and streams lifecycle events. Client frames
// are ignored.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := ws.CloseRead(r.Context())

	stream, err := h.events.Subscribe(ctx)
	if err != nil {
		h.logger.Error("Failed to subscribe to lifecycle events", "error", err)
		return
	}

	h.logger.Info("Event stream opened", "remote", r.RemoteAddr)
	defer h.logger.Info("Event stream closed", "remote", r.RemoteAddr)

	if err := h.write(ctx, ws, snapshot{Type: snapshotFrame, Status: h.status.Status()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := wsjson.Write(ctx, ws, v)
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		h.logger.Debug("Failed to write event frame", "error", err)
	}
	return err
}

var _ EventSource = (*events.Hub)(nil)
