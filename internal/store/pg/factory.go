package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
// Schema is managed by the migrate command, not created here.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	s := &store.Stores{
		Accounts:      NewPGAccountStore(db),
		Conversations: NewPGConversationStore(db),
	}
	s.SetCloser(db.Close)
	return s, nil
}
