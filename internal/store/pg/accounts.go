package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// PGAccountStore implements store.AccountStore backed by Postgres.
type PGAccountStore struct {
	db *sql.DB
}

func NewPGAccountStore(db *sql.DB) *PGAccountStore {
	return &PGAccountStore{db: db}
}

const accountColumns = `external_id, kind, name, access_token, status, linked_ids, created_at, updated_at`

func (s *PGAccountStore) GetAccountByExternalID(ctx context.Context, id string) (*store.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`, id)
	return scanAccount(row)
}

func (s *PGAccountStore) FindAccountByLinkedID(ctx context.Context, id string) (*store.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE $1 = ANY(linked_ids)`, id)
	return scanAccount(row)
}

func (s *PGAccountStore) AppendLinkedID(ctx context.Context, accountID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET linked_ids = array_append(linked_ids, $2), updated_at = now()
		 WHERE external_id = $1 AND NOT ($2 = ANY(linked_ids))`,
		accountID, id)
	if err != nil {
		return fmt.Errorf("append linked id: %w", err)
	}
	return nil
}

func (s *PGAccountStore) GetAccountConfig(ctx context.Context, accountID string) (*store.AccountConfig, error) {
	var c store.AccountConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, trigger_phrase, first_message, end_message, stop_token, max_messages
		 FROM account_configs WHERE account_id = $1`, accountID).
		Scan(&c.AccountID, &c.TriggerPhrase, &c.FirstMessage, &c.EndMessage, &c.StopToken, &c.MaxMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account config: %w", err)
	}
	return &c, nil
}

func (s *PGAccountStore) UpsertAccount(ctx context.Context, a *store.Account) error {
	now := time.Now()
	linked := a.LinkedIDs
	if linked == nil {
		linked = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (external_id, kind, name, access_token, status, linked_ids, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (external_id) DO UPDATE SET
		   kind = EXCLUDED.kind, name = EXCLUDED.name,
		   access_token = EXCLUDED.access_token, status = EXCLUDED.status,
		   linked_ids = EXCLUDED.linked_ids, updated_at = EXCLUDED.updated_at`,
		a.ID, a.Kind, a.Name, a.AccessToken, a.Status, pq.Array(linked), now)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *PGAccountStore) UpsertAccountConfig(ctx context.Context, c *store.AccountConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_configs (account_id, trigger_phrase, first_message, end_message, stop_token, max_messages)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (account_id) DO UPDATE SET
		   trigger_phrase = EXCLUDED.trigger_phrase, first_message = EXCLUDED.first_message,
		   end_message = EXCLUDED.end_message, stop_token = EXCLUDED.stop_token,
		   max_messages = EXCLUDED.max_messages`,
		c.AccountID, c.TriggerPhrase, c.FirstMessage, c.EndMessage, c.StopToken, c.MaxMessages)
	if err != nil {
		return fmt.Errorf("upsert account config: %w", err)
	}
	return nil
}

func (s *PGAccountStore) ListAccounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
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
	var linked pq.StringArray
	err := row.Scan(&a.ID, &a.Kind, &a.Name, &a.AccessToken, &a.Status, &linked, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.LinkedIDs = []string(linked)
	return &a, nil
}
