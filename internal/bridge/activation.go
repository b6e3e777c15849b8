package bridge

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/leadflow/internal/platform"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

// recentOutboundLimit bounds how far back the activation gate reads the
// business-side transcript.
const recentOutboundLimit = 25

// isActivated decides whether the bot should answer this sender. The gate
// only ever inspects messages the business sent: a human typing the
// trigger phrase can never activate their own conversation.
//
// An empty trigger phrase means the account answers everyone. The caller
// runs this gate once per sender; a transcript read failure counts as not
// activated.
func (b *Bridge) isActivated(ctx context.Context, res *platform.Resolution, cfg *store.AccountConfig, senderID string) (bool, error) {
	if cfg.TriggerPhrase == "" {
		return true, nil
	}

	convID, err := b.platform.FindConversationID(ctx, res.Account, res.Mode, senderID)
	if err != nil {
		return false, err
	}
	if convID == "" {
		// No thread yet, so nothing outbound could carry the trigger.
		return false, nil
	}

	msgs, err := b.platform.RecentOutboundMessages(ctx, res.Account, res.Mode, convID, recentOutboundLimit)
	if err != nil {
		return false, err
	}
	return containsTrigger(msgs, cfg.TriggerPhrase), nil
}

// containsTrigger checks each outbound message for the trigger phrase.
// A plain substring pass runs first; on a miss both sides are NFC
// normalized and rechecked, since copy-pasted triggers with accents often
// arrive in a different composition form than the stored one.
func containsTrigger(msgs []string, trigger string) bool {
	for _, m := range msgs {
		if strings.Contains(m, trigger) {
			return true
		}
	}

	nt := norm.NFC.String(trigger)
	for _, m := range msgs {
		if strings.Contains(norm.NFC.String(m), nt) {
			return true
		}
	}
	return false
}
