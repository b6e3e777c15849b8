package bus

import (
	"context"
	"log/slog"
	"sync"
)

const inboundBufferSize = 256

// MessageBus routes inbound webhook events to the bridge consumer and
// broadcasts server-side events to subscribers (WebSocket clients).
// The webhook handler publishes and returns immediately; the platform
// contract requires a fast acknowledgment independent of processing.
type MessageBus struct {
	inbound chan InboundEvent

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundEvent, inboundBufferSize),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an inbound event for processing. Non-blocking:
// if the buffer is full the event is dropped with a warning rather than
// stalling the webhook acknowledgment path.
func (b *MessageBus) PublishInbound(ev InboundEvent) {
	select {
	case b.inbound <- ev:
	default:
		slog.Warn("bus: inbound buffer full, dropping event",
			"sender", ev.SenderID, "message_id", ev.MessageID)
	}
}

// ConsumeInbound blocks until an inbound event is available or the context
// is cancelled. Returns false when the consumer should stop.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case <-ctx.Done():
		return InboundEvent{}, false
	case ev := <-b.inbound:
		return ev, true
	}
}

// Subscribe registers an event handler under an id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to all subscribers. Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subscribers {
		h(event)
	}
}
