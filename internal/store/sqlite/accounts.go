package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// AccountStore implements store.AccountStore on SQLite. Link sets are
// stored as JSON arrays; FindAccountByLinkedID scans in Go since the
// table is small (one row per connected account).
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) GetAccountByExternalID(ctx context.Context, id string) (*store.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT external_id, kind, name, access_token, status, linked_ids, created_at, updated_at
		 FROM accounts WHERE external_id = ?`, id)
	return scanAccount(row)
}

func (s *AccountStore) FindAccountByLinkedID(ctx context.Context, id string) (*store.Account, error) {
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].HasLinkedID(id) {
			return &accounts[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *AccountStore) AppendLinkedID(ctx context.Context, accountID, id string) error {
	a, err := s.GetAccountByExternalID(ctx, accountID)
	if err != nil {
		return err
	}
	if a.HasLinkedID(id) {
		return nil
	}
	linked, _ := json.Marshal(append(a.LinkedIDs, id))
	_, err = s.db.ExecContext(ctx,
		`UPDATE accounts SET linked_ids = ?, updated_at = ? WHERE external_id = ?`,
		string(linked), time.Now(), accountID)
	if err != nil {
		return fmt.Errorf("append linked id: %w", err)
	}
	return nil
}

func (s *AccountStore) GetAccountConfig(ctx context.Context, accountID string) (*store.AccountConfig, error) {
	var c store.AccountConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, trigger_phrase, first_message, end_message, stop_token, max_messages
		 FROM account_configs WHERE account_id = ?`, accountID).
		Scan(&c.AccountID, &c.TriggerPhrase, &c.FirstMessage, &c.EndMessage, &c.StopToken, &c.MaxMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account config: %w", err)
	}
	return &c, nil
}

func (s *AccountStore) UpsertAccount(ctx context.Context, a *store.Account) error {
	linked := a.LinkedIDs
	if linked == nil {
		linked = []string{}
	}
	linkedJSON, _ := json.Marshal(linked)
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (external_id, kind, name, access_token, status, linked_ids, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO UPDATE SET
		   kind = excluded.kind, name = excluded.name,
		   access_token = excluded.access_token, status = excluded.status,
		   linked_ids = excluded.linked_ids, updated_at = excluded.updated_at`,
		a.ID, a.Kind, a.Name, a.AccessToken, a.Status, string(linkedJSON), now, now)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *AccountStore) UpsertAccountConfig(ctx context.Context, c *store.AccountConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_configs (account_id, trigger_phrase, first_message, end_message, stop_token, max_messages)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET
		   trigger_phrase = excluded.trigger_phrase, first_message = excluded.first_message,
		   end_message = excluded.end_message, stop_token = excluded.stop_token,
		   max_messages = excluded.max_messages`,
		c.AccountID, c.TriggerPhrase, c.FirstMessage, c.EndMessage, c.StopToken, c.MaxMessages)
	if err != nil {
		return fmt.Errorf("upsert account config: %w", err)
	}
	return nil
}

func (s *AccountStore) ListAccounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, kind, name, access_token, status, linked_ids, created_at, updated_at
		 FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*store.Account, error) {
	var a store.Account
	var linked string
	err := row.Scan(&a.ID, &a.Kind, &a.Name, &a.AccessToken, &a.Status, &linked, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if err := json.Unmarshal([]byte(linked), &a.LinkedIDs); err != nil {
		a.LinkedIDs = nil
	}
	return &a, nil
}
