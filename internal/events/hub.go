// Package events fans session lifecycle events out to operator-facing
// consumers (the websocket feed and the gRPC health service).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ashureev/lelo-bot/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Type identifies a lifecycle event.
type Type string

const (
	StateChanged       Type = "session.state"
	PairingCode        Type = "session.pairing_code"
	ReconnectScheduled Type = "session.reconnect_scheduled"
	RebuildStarted     Type = "session.rebuild_started"
	RebuildFailed      Type = "session.rebuild_failed"
	SessionFailed      Type = "session.failed"
	WatchdogStopped    Type = "watchdog.stopped"
)

const (
	lifecycleTopic = "session.lifecycle"
	maxPending     = 1024
)

// Event is one lifecycle notification. Each subscriber receives events in
// publish order. IDs are monotonic ULIDs, so a consumer can also drop an event
// older than one it already applied.
type Event struct {
	ID         string              `json:"id"`
	Type       Type                `json:"type"`
	State      domain.SessionState `json:"state,omitempty"`
	Reconnects int                 `json:"reconnects"`
	Generation uint64              `json:"generation,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	Time       time.Time           `json:"time"`
}

// Publisher accepts lifecycle events. Publish must not block on consumers.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(Event) {}

// Hub is a Publisher backed by an in-process watermill gochannel.
type Hub struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// NewHub creates a hub. Events published while nobody is subscribed are
// dropped. Publish waits for every subscriber to take the event, which keeps
// per-subscriber delivery in order; subscribers queue internally so a slow
// reader never blocks the publisher.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            64,
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NewSlogLogger(logger.With("component", "events")),
		),
		logger: logger,
	}
}

// Publish stamps and sends ev.
func (h *Hub) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode lifecycle event", "type", ev.Type, "error", err)
		return
	}

	if err := h.pubsub.Publish(lifecycleTopic, message.NewMessage(ev.ID, payload)); err != nil {
		h.logger.Debug("Lifecycle event dropped", "type", ev.Type, "error", err)
	}
}

// Subscribe streams events until ctx is done or the hub is closed.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := h.pubsub.Subscribe(ctx, lifecycleTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to lifecycle events: %w", err)
	}

	out := make(chan Event)
	go h.relay(ctx, msgs, out)

	return out, nil
}

// relay acks each message as soon as it is decoded and queues it for out.
// Past maxPending the oldest queued event is dropped.
func (h *Hub) relay(ctx context.Context, msgs <-chan *message.Message, out chan<- Event) {
	defer close(out)

	var queue []Event
	for {
		var next Event
		var send chan<- Event
		if len(queue) > 0 {
			next, send = queue[0], out
		}

		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				h.logger.Warn("Dropping malformed lifecycle event", "uuid", msg.UUID, "error", err)
				continue
			}
			if len(queue) >= maxPending {
				h.logger.Warn("Lifecycle subscriber too slow, dropping event", "type", queue[0].Type)
				queue = queue[1:]
			}
			queue = append(queue, ev)
		case send <- next:
			queue = queue[1:]
		case <-ctx.Done():
			return
		}
	}
}

// Close stops delivery and closes all subscriptions.
func (h *Hub) Close() error {
	return h.pubsub.Close()
}
