package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

func (s *PGConversationStore) GetOrCreateConversation(ctx context.Context, senderID, accountID string) (*store.Conversation, error) {
	var c store.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, account_id, status, message_count, last_activity, created_at
		 FROM conversations WHERE sender_id = $1 AND account_id = $2`,
		senderID, accountID).
		Scan(&c.ID, &c.SenderID, &c.AccountID, &c.Status, &c.MessageCount, &c.LastActivity, &c.CreatedAt)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	now := time.Now()
	c = store.Conversation{
		ID:           uuid.Must(uuid.NewV7()),
		SenderID:     senderID,
		AccountID:    accountID,
		Status:       "open",
		LastActivity: now,
		CreatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, sender_id, account_id, status, message_count, last_activity, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $5)
		 ON CONFLICT (sender_id, account_id) DO NOTHING`,
		c.ID, c.SenderID, c.AccountID, c.Status, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	// Re-read in case a concurrent insert won the conflict.
	err = s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, account_id, status, message_count, last_activity, created_at
		 FROM conversations WHERE sender_id = $1 AND account_id = $2`,
		senderID, accountID).
		Scan(&c.ID, &c.SenderID, &c.AccountID, &c.Status, &c.MessageCount, &c.LastActivity, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("reload conversation: %w", err)
	}
	return &c, nil
}

func (s *PGConversationStore) AppendTurn(ctx context.Context, conversationID uuid.UUID, role, text string, latency time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, role, text, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.Must(uuid.NewV7()), conversationID, role, text, latency.Milliseconds(), time.Now())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PGConversationStore) LastNInboundTurns(ctx context.Context, conversationID uuid.UUID, n int) ([]store.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, latency_ms, created_at
		 FROM turns WHERE conversation_id = $1 AND role = $2
		 ORDER BY created_at DESC LIMIT $3`,
		conversationID, store.RoleUser, n)
	if err != nil {
		return nil, fmt.Errorf("last inbound turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *PGConversationStore) Transcript(ctx context.Context, conversationID uuid.UUID) ([]store.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, latency_ms, created_at
		 FROM turns WHERE conversation_id = $1 ORDER BY created_at`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *PGConversationStore) TouchConversation(ctx context.Context, conversationID uuid.UUID, messageCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET message_count = $2, last_activity = now() WHERE id = $1`,
		conversationID, messageCount)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *PGConversationStore) SaveState(ctx context.Context, snap *store.StateSnapshot) error {
	labels := snap.Labels
	if labels == nil {
		labels = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_states
		   (sender_id, account_id, phase, stopped, message_count, last_message_text,
		    last_message_at, assistant_thread, rank, labels, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (sender_id) DO UPDATE SET
		   account_id = EXCLUDED.account_id, phase = EXCLUDED.phase,
		   stopped = EXCLUDED.stopped, message_count = EXCLUDED.message_count,
		   last_message_text = EXCLUDED.last_message_text,
		   last_message_at = EXCLUDED.last_message_at,
		   assistant_thread = EXCLUDED.assistant_thread,
		   rank = EXCLUDED.rank, labels = EXCLUDED.labels,
		   updated_at = EXCLUDED.updated_at`,
		snap.SenderID, snap.AccountID, snap.Phase, snap.Stopped, snap.MessageCount,
		snap.LastMessageText, snap.LastMessageAt, snap.AssistantThread, snap.Rank,
		pq.Array(labels), time.Now())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *PGConversationStore) LoadStates(ctx context.Context) ([]store.StateSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, account_id, phase, stopped, message_count, last_message_text,
		        last_message_at, assistant_thread, rank, labels, updated_at
		 FROM conversation_states`)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	defer rows.Close()

	var snaps []store.StateSnapshot
	for rows.Next() {
		var snap store.StateSnapshot
		var labels pq.StringArray
		if err := rows.Scan(&snap.SenderID, &snap.AccountID, &snap.Phase, &snap.Stopped,
			&snap.MessageCount, &snap.LastMessageText, &snap.LastMessageAt,
			&snap.AssistantThread, &snap.Rank, &labels, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		snap.Labels = []string(labels)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanTurns(rows *sql.Rows) ([]store.Turn, error) {
	var turns []store.Turn
	for rows.Next() {
		var t store.Turn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Text, &t.LatencyMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
