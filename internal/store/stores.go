package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// AccountStore is the authorized-accounts read surface consumed by the
// bridge. Accounts are created by the external linking flow; the bridge
// only reads them and appends newly discovered linked ids.
type AccountStore interface {
	// GetAccountByExternalID looks up an account by its stable platform id.
	GetAccountByExternalID(ctx context.Context, id string) (*Account, error)

	// FindAccountByLinkedID scans link sets for an Instagram id that routes
	// through a connected page.
	FindAccountByLinkedID(ctx context.Context, id string) (*Account, error)

	// AppendLinkedID adds id to the account's link set (no-op if present).
	AppendLinkedID(ctx context.Context, accountID, id string) error

	// GetAccountConfig returns the bot configuration for an account.
	GetAccountConfig(ctx context.Context, accountID string) (*AccountConfig, error)

	// UpsertAccount inserts or updates an account (linking flow / seeding).
	UpsertAccount(ctx context.Context, a *Account) error

	// UpsertAccountConfig inserts or updates an account's bot config.
	UpsertAccountConfig(ctx context.Context, c *AccountConfig) error

	// ListAccounts returns all connected accounts.
	ListAccounts(ctx context.Context) ([]Account, error)
}

// ConversationStore persists conversations, turns, and bridge state
// snapshots.
type ConversationStore interface {
	// GetOrCreateConversation returns the (sender, account) thread,
	// creating it on first contact.
	GetOrCreateConversation(ctx context.Context, senderID, accountID string) (*Conversation, error)

	// AppendTurn stores one message. latency is only meaningful for bot turns.
	AppendTurn(ctx context.Context, conversationID uuid.UUID, role, text string, latency time.Duration) error

	// LastNInboundTurns returns up to n most recent user turns, newest first.
	LastNInboundTurns(ctx context.Context, conversationID uuid.UUID, n int) ([]Turn, error)

	// Transcript returns all turns in chronological order.
	Transcript(ctx context.Context, conversationID uuid.UUID) ([]Turn, error)

	// TouchConversation updates the running count and last-activity time.
	TouchConversation(ctx context.Context, conversationID uuid.UUID, messageCount int) error

	// SaveState persists a bridge state snapshot (upsert by sender id).
	SaveState(ctx context.Context, snap *StateSnapshot) error

	// LoadStates returns all persisted snapshots, used to rehydrate the
	// bridge registry at startup.
	LoadStates(ctx context.Context) ([]StateSnapshot, error)
}

// Stores bundles the concrete store implementations.
type Stores struct {
	Accounts      AccountStore
	Conversations ConversationStore

	closeFn func() error
}

// SetCloser registers the function Close delegates to.
func (s *Stores) SetCloser(fn func() error) { s.closeFn = fn }

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	PostgresDSN string // managed mode
	SQLitePath  string // standalone mode
}
