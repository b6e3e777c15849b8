package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/leadflow/internal/bus"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// ErrUnroutable marks an event for an account the system never
// authorized. The caller drops it (logged, not retried).
var ErrUnroutable = errors.New("platform: unroutable event")

// SendMode selects how outbound calls for a resolved account are made.
type SendMode string

const (
	// ModePage: Messenger conversation on a connected page.
	ModePage SendMode = "page"
	// ModeInstagramDirect: standalone Instagram business account.
	ModeInstagramDirect SendMode = "instagram-direct"
	// ModeInstagramViaPage: Instagram account reachable only through the
	// credential of a linked page.
	ModeInstagramViaPage SendMode = "instagram-via-page"
)

// Resolution is the canonical (account, mode) pair for an inbound event.
type Resolution struct {
	Account *store.Account
	Mode    SendMode
}

// Resolver maps raw webhook entry ids to connected accounts. A single
// human conversation can arrive under three identity shapes: a page id,
// a standalone Instagram business id, or an Instagram id that only routes
// through a linked page's credential.
type Resolver struct {
	accounts store.AccountStore
}

func NewResolver(accounts store.AccountStore) *Resolver {
	return &Resolver{accounts: accounts}
}

// Resolve returns the canonical account for an inbound event, or
// ErrUnroutable if no authorized account matches. Newly discovered linked
// ids are persisted so subsequent events skip the link-set scan.
func (r *Resolver) Resolve(ctx context.Context, ev bus.InboundEvent) (*Resolution, error) {
	res, err := r.resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	// The account must still be authorized even when identity resolution
	// itself succeeded.
	if res.Account.Status != store.StatusActive {
		return nil, fmt.Errorf("%w: account %s is %s", ErrUnroutable, res.Account.ID, res.Account.Status)
	}
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, ev bus.InboundEvent) (*Resolution, error) {
	if ev.Object == bus.ObjectPage {
		acct, err := r.accounts.GetAccountByExternalID(ctx, ev.EntryID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown page %s", ErrUnroutable, ev.EntryID)
		}
		if err != nil {
			return nil, err
		}
		return &Resolution{Account: acct, Mode: ModePage}, nil
	}

	// Instagram object. First: an id routed through a linked page.
	acct, err := r.accounts.FindAccountByLinkedID(ctx, ev.EntryID)
	if err == nil {
		r.selfHeal(ctx, acct, ev)
		return &Resolution{Account: acct, Mode: ModeInstagramViaPage}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Second: a standalone Instagram business account.
	acct, err = r.accounts.GetAccountByExternalID(ctx, ev.EntryID)
	if err == nil {
		if acct.Kind == store.KindInstagramBusiness {
			return &Resolution{Account: acct, Mode: ModeInstagramDirect}, nil
		}
		// A page whose own id arrived under an instagram object: treat the
		// entry id as a newly discovered linked identity.
		r.selfHeal(ctx, acct, ev)
		return &Resolution{Account: acct, Mode: ModeInstagramViaPage}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return nil, fmt.Errorf("%w: unknown instagram id %s", ErrUnroutable, ev.EntryID)
}

// selfHeal appends the account-side id from the nested messaging payload
// to the link set, so the next delivery resolves without a scan. Failures
// only cost a future scan, so they are logged and ignored.
func (r *Resolver) selfHeal(ctx context.Context, acct *store.Account, ev bus.InboundEvent) {
	for _, id := range []string{ev.RecipientID, ev.EntryID} {
		if id == "" || id == acct.ID || acct.HasLinkedID(id) {
			continue
		}
		if err := r.accounts.AppendLinkedID(ctx, acct.ID, id); err != nil {
			slog.Warn("resolver: failed to persist discovered linked id",
				"account", acct.ID, "linked_id", id, "error", err)
			continue
		}
		acct.LinkedIDs = append(acct.LinkedIDs, id)
		slog.Info("resolver: discovered linked instagram id",
			"account", acct.ID, "linked_id", id)
	}
}
