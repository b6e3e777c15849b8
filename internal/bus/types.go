package bus

import "context"

// ObjectKind tags the webhook envelope a message arrived under.
// Messenger deliveries arrive as "page" objects, Instagram Direct
// deliveries as "instagram" objects.
type ObjectKind string

const (
	ObjectPage      ObjectKind = "page"
	ObjectInstagram ObjectKind = "instagram"
)

// InboundEvent is one messaging event extracted from a webhook delivery.
type InboundEvent struct {
	Object      ObjectKind        `json:"object"`
	EntryID     string            `json:"entry_id"`     // raw source id from the webhook entry
	SenderID    string            `json:"sender_id"`    // platform-scoped sender id (PSID / IGSID)
	RecipientID string            `json:"recipient_id"` // account-side id in the messaging payload
	MessageID   string            `json:"message_id"`   // platform message id, used for dedup
	Text        string            `json:"text"`
	IsEcho      bool              `json:"is_echo"` // our own outbound message echoed back
	Timestamp   int64             `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side event broadcast to WebSocket dashboard clients.
type Event struct {
	Name    string      `json:"name"` // e.g. "conversation.activated", "conversation.done"
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the bridge to decouple from MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// EventRouter abstracts inbound event routing between the webhook ingress
// and the bridge runtime.
type EventRouter interface {
	PublishInbound(ev InboundEvent)
	ConsumeInbound(ctx context.Context) (InboundEvent, bool)
}
