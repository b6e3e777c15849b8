package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// schema is applied on open; standalone mode has no migration tooling.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	external_id  TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	linked_ids   TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS account_configs (
	account_id     TEXT PRIMARY KEY REFERENCES accounts(external_id),
	trigger_phrase TEXT NOT NULL DEFAULT '',
	first_message  TEXT NOT NULL DEFAULT '',
	end_message    TEXT NOT NULL DEFAULT '',
	stop_token     TEXT NOT NULL DEFAULT '',
	max_messages   INTEGER NOT NULL DEFAULT 5
);

CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	sender_id     TEXT NOT NULL,
	account_id    TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'open',
	message_count INTEGER NOT NULL DEFAULT 0,
	last_activity TIMESTAMP NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	UNIQUE (sender_id, account_id)
);

CREATE TABLE IF NOT EXISTS turns (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	text            TEXT NOT NULL,
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS conversation_states (
	sender_id         TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL,
	phase             TEXT NOT NULL,
	stopped           INTEGER NOT NULL DEFAULT 0,
	message_count     INTEGER NOT NULL DEFAULT 0,
	last_message_text TEXT NOT NULL DEFAULT '',
	last_message_at   TIMESTAMP,
	assistant_thread  TEXT NOT NULL DEFAULT '',
	rank              INTEGER NOT NULL DEFAULT 0,
	labels            TEXT NOT NULL DEFAULT '[]',
	updated_at        TIMESTAMP NOT NULL
);
`

// OpenDB opens (and creates if missing) the standalone SQLite database.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize access at the pool level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by a local SQLite file
// (standalone mode).
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	s := &store.Stores{
		Accounts:      NewAccountStore(db),
		Conversations: NewConversationStore(db),
	}
	s.SetCloser(db.Close)
	return s, nil
}
