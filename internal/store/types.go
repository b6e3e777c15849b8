package store

import (
	"time"

	"github.com/google/uuid"
)

// AccountKind distinguishes the two connected-identity shapes.
type AccountKind string

const (
	KindPage              AccountKind = "page"
	KindInstagramBusiness AccountKind = "instagram-business"
)

// AccountStatus is the linking-flow lifecycle state of an account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusPending  AccountStatus = "pending"
	StatusInactive AccountStatus = "inactive"
)

// Account is a connected page or Instagram business identity. Created by
// the external linking flow; the bridge reads it and may append to
// LinkedIDs when it discovers a new linked Instagram id during ingestion.
type Account struct {
	ID          string        `json:"id"` // stable external platform id
	Kind        AccountKind   `json:"kind"`
	Name        string        `json:"name"`
	AccessToken string        `json:"-"` // credential, never serialized
	Status      AccountStatus `json:"status"`
	LinkedIDs   []string      `json:"linked_ids,omitempty"` // IG ids routed through this account
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// HasLinkedID reports whether id is in the account's link set.
func (a *Account) HasLinkedID(id string) bool {
	for _, l := range a.LinkedIDs {
		if l == id {
			return true
		}
	}
	return false
}

// AccountConfig is the per-account bot configuration.
type AccountConfig struct {
	AccountID     string `json:"account_id"`
	TriggerPhrase string `json:"trigger_phrase"` // empty = always activate
	FirstMessage  string `json:"first_message"`  // forced follow-up after the first reply
	EndMessage    string `json:"end_message"`    // sent once when the cap is reached
	StopToken     string `json:"stop_token"`     // permanently silences the bot when observed
	MaxMessages   int    `json:"max_messages"`   // bot-answered turn cap
}

// Conversation is one persisted (sender, account) thread.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	SenderID     string    `json:"sender_id"`
	AccountID    string    `json:"account_id"`
	Status       string    `json:"status"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Turn roles.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Turn is one stored inbound or outbound message. Append-only.
type Turn struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "bot"
	Text           string    `json:"text"`
	LatencyMs      int64     `json:"latency_ms,omitempty"` // response latency for bot turns
	CreatedAt      time.Time `json:"created_at"`
}

// StateSnapshot is the persisted form of the bridge's in-process
// conversation state, written on every transition so the lifecycle
// survives a process restart.
type StateSnapshot struct {
	SenderID        string    `json:"sender_id"`
	AccountID       string    `json:"account_id"`
	Phase           string    `json:"phase"`
	Stopped         bool      `json:"stopped"`
	MessageCount    int       `json:"message_count"`
	LastMessageText string    `json:"last_message_text,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	AssistantThread string    `json:"assistant_thread,omitempty"`
	Rank            int       `json:"rank,omitempty"` // 0 = not rated yet
	Labels          []string  `json:"labels,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
