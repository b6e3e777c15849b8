package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// ConversationStore implements store.ConversationStore on SQLite.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func (s *ConversationStore) GetOrCreateConversation(ctx context.Context, senderID, accountID string) (*store.Conversation, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, sender_id, account_id, status, message_count, last_activity, created_at)
		 VALUES (?, ?, ?, 'open', 0, ?, ?)
		 ON CONFLICT (sender_id, account_id) DO NOTHING`,
		uuid.Must(uuid.NewV7()).String(), senderID, accountID, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	var c store.Conversation
	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, account_id, status, message_count, last_activity, created_at
		 FROM conversations WHERE sender_id = ? AND account_id = ?`,
		senderID, accountID).
		Scan(&id, &c.SenderID, &c.AccountID, &c.Status, &c.MessageCount, &c.LastActivity, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse conversation id: %w", err)
	}
	return &c, nil
}

func (s *ConversationStore) AppendTurn(ctx context.Context, conversationID uuid.UUID, role, text string, latency time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, role, text, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), conversationID.String(), role, text,
		latency.Milliseconds(), time.Now())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *ConversationStore) LastNInboundTurns(ctx context.Context, conversationID uuid.UUID, n int) ([]store.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, latency_ms, created_at
		 FROM turns WHERE conversation_id = ? AND role = ?
		 ORDER BY created_at DESC LIMIT ?`,
		conversationID.String(), store.RoleUser, n)
	if err != nil {
		return nil, fmt.Errorf("last inbound turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *ConversationStore) Transcript(ctx context.Context, conversationID uuid.UUID) ([]store.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, text, latency_ms, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY created_at`,
		conversationID.String())
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *ConversationStore) TouchConversation(ctx context.Context, conversationID uuid.UUID, messageCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET message_count = ?, last_activity = ? WHERE id = ?`,
		messageCount, time.Now(), conversationID.String())
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *ConversationStore) SaveState(ctx context.Context, snap *store.StateSnapshot) error {
	labels := snap.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, _ := json.Marshal(labels)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_states
		   (sender_id, account_id, phase, stopped, message_count, last_message_text,
		    last_message_at, assistant_thread, rank, labels, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (sender_id) DO UPDATE SET
		   account_id = excluded.account_id, phase = excluded.phase,
		   stopped = excluded.stopped, message_count = excluded.message_count,
		   last_message_text = excluded.last_message_text,
		   last_message_at = excluded.last_message_at,
		   assistant_thread = excluded.assistant_thread,
		   rank = excluded.rank, labels = excluded.labels,
		   updated_at = excluded.updated_at`,
		snap.SenderID, snap.AccountID, snap.Phase, snap.Stopped, snap.MessageCount,
		snap.LastMessageText, snap.LastMessageAt, snap.AssistantThread, snap.Rank,
		string(labelsJSON), time.Now())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *ConversationStore) LoadStates(ctx context.Context) ([]store.StateSnapshot, error) {
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
		var lastAt sql.NullTime
		var labels string
		if err := rows.Scan(&snap.SenderID, &snap.AccountID, &snap.Phase, &snap.Stopped,
			&snap.MessageCount, &snap.LastMessageText, &lastAt,
			&snap.AssistantThread, &snap.Rank, &labels, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if lastAt.Valid {
			snap.LastMessageAt = lastAt.Time
		}
		if err := json.Unmarshal([]byte(labels), &snap.Labels); err != nil {
			snap.Labels = nil
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanTurns(rows *sql.Rows) ([]store.Turn, error) {
	var turns []store.Turn
	for rows.Next() {
		var t store.Turn
		var id, convID string
		if err := rows.Scan(&id, &convID, &t.Role, &t.Text, &t.LatencyMs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ID, _ = uuid.Parse(id)
		t.ConversationID, _ = uuid.Parse(convID)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
