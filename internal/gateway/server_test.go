package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/leadflow/internal/bus"
)

type captureRouter struct {
	mu     sync.Mutex
	events []bus.InboundEvent
}

func (c *captureRouter) PublishInbound(ev bus.InboundEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRouter) ConsumeInbound(context.Context) (bus.InboundEvent, bool) {
	return bus.InboundEvent{}, false
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const webhookBody = `{
	"object": "page",
	"entry": [{
		"id": "page-1",
		"messaging": [{
			"sender": {"id": "user-9"},
			"recipient": {"id": "page-1"},
			"message": {"mid": "m.1", "text": "hello"}
		}]
	}]
}`

func TestVerifyHandshake(t *testing.T) {
	s := NewServer(Config{VerifyToken: "tok"}, &captureRouter{}, nil)
	mux := s.buildMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=42", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("code=%d body=%q, want 200 with challenge echoed", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code=%d for bad token, want 403", rec.Code)
	}
}

func TestWebhookDelivery(t *testing.T) {
	router := &captureRouter{}
	s := NewServer(Config{AppSecret: "secret"}, router, nil)
	mux := s.buildMux()

	body := []byte(webhookBody)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body, "secret"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "EVENT_RECEIVED" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}
	if len(router.events) != 1 || router.events[0].MessageID != "m.1" {
		t.Fatalf("published = %+v, want one event for m.1", router.events)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router := &captureRouter{}
	s := NewServer(Config{AppSecret: "secret"}, router, nil)
	mux := s.buildMux()

	body := []byte(webhookBody)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("code=%d for bad signature, want 403", rec.Code)
	}
	if len(router.events) != 0 {
		t.Fatalf("events published despite bad signature: %+v", router.events)
	}
}

func TestWebhookAcksUnparsablePayload(t *testing.T) {
	router := &captureRouter{}
	s := NewServer(Config{}, router, nil)
	mux := s.buildMux()

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// 200 so the platform does not retry forever.
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d for unparsable body, want 200", rec.Code)
	}
	if len(router.events) != 0 {
		t.Fatalf("events published from unparsable body: %+v", router.events)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewWebhookRateLimiter(60, 2)

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("burst requests rejected")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("request beyond burst allowed")
	}
	// Other keys have their own bucket.
	if !rl.Allow("5.6.7.8") {
		t.Fatal("independent key rejected")
	}

	// Disabled limiter always allows.
	off := NewWebhookRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !off.Allow("1.2.3.4") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{}, &captureRouter{}, nil)
	rec := httptest.NewRecorder()
	s.buildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
}
