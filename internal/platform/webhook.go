// Package platform handles the Meta webhook surface: envelope parsing,
// signature verification, and resolution of raw entry ids to connected
// accounts.
package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/leadflow/internal/bus"
)

type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []messagingEvent `json:"messaging"`
}

type messagingEvent struct {
	Sender    idRef           `json:"sender"`
	Recipient idRef           `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *messagePayload `json:"message,omitempty"`
}

type idRef struct {
	ID string `json:"id"`
}

type messagePayload struct {
	MID    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo,omitempty"`
}

// ParseWebhook flattens a webhook delivery into inbound events. Entries
// without a text payload (reactions, read receipts, postbacks, and
// attachment-only messages) are skipped; echo events are kept tagged so
// the bridge can ignore them after dedup.
func ParseWebhook(body []byte) ([]bus.InboundEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse webhook envelope: %w", err)
	}

	var kind bus.ObjectKind
	switch env.Object {
	case "page":
		kind = bus.ObjectPage
	case "instagram":
		kind = bus.ObjectInstagram
	default:
		return nil, fmt.Errorf("unsupported webhook object %q", env.Object)
	}

	var events []bus.InboundEvent
	for _, entry := range env.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.Text == "" {
				continue
			}
			events = append(events, bus.InboundEvent{
				Object:      kind,
				EntryID:     entry.ID,
				SenderID:    m.Sender.ID,
				RecipientID: m.Recipient.ID,
				MessageID:   m.Message.MID,
				Text:        m.Message.Text,
				IsEcho:      m.Message.IsEcho,
				Timestamp:   m.Timestamp,
			})
		}
	}
	return events, nil
}

// VerifySignature checks the X-Hub-Signature-256 header (HMAC-SHA256 of
// the raw body keyed by the app secret). An empty appSecret disables the
// check (local development).
func VerifySignature(body []byte, header, appSecret string) bool {
	if appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}
