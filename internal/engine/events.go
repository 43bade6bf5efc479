package engine

import (
	"log/slog"

	"github.com/cskr/pubsub"

	"github.com/floraldo/hive-sub000/internal/core/domain"
)

// =============================================================================
// Event Bus
// =============================================================================

// EventBus receives terminal deployment notifications. Publishing is best
// effort and must never block the agent; a slow or absent consumer loses
// messages rather than stalling deployments.
type EventBus interface {
	Publish(eventType domain.EventType, payload map[string]any)
}

// BusMessage is what subscribers receive per notification.
type BusMessage struct {
	Type    domain.EventType
	Payload map[string]any
}

// PubSubBus is an in-process EventBus with per-event-type topics.
type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

// NewPubSubBus creates a bus whose subscriber channels buffer capacity
// messages each.
func NewPubSubBus(capacity int, logger *slog.Logger) *PubSubBus {
	if capacity <= 0 {
		capacity = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubBus{
		ps:     pubsub.New(capacity),
		logger: logger.With("component", "event_bus"),
	}
}

// Publish delivers the message to current subscribers without blocking.
// Subscribers with full buffers miss the message.
func (b *PubSubBus) Publish(eventType domain.EventType, payload map[string]any) {
	b.ps.TryPub(BusMessage{Type: eventType, Payload: payload}, string(eventType))
	b.logger.Debug("event published", "event_type", eventType)
}

// Subscribe returns a channel of messages for the given event types. The
// caller must drain it or accept losses.
func (b *PubSubBus) Subscribe(eventTypes ...domain.EventType) chan interface{} {
	topics := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		topics[i] = string(t)
	}
	return b.ps.Sub(topics...)
}

// Unsubscribe removes the channel from all topics and closes it.
func (b *PubSubBus) Unsubscribe(ch chan interface{}) {
	b.ps.Unsub(ch)
}

// Shutdown closes all subscriber channels.
func (b *PubSubBus) Shutdown() {
	b.ps.Shutdown()
}

// NopBus drops every notification. Used when no consumer is configured.
type NopBus struct{}

// Publish discards the message.
func (NopBus) Publish(domain.EventType, map[string]any) {}
