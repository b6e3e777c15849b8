// Package graph is the outbound Meta Graph API client: messaging, typing
// indicators, conversation history reads, and contact labels.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/leadflow/internal/platform"
	"github.com/nextlevelbuilder/leadflow/internal/store"
)

const (
	defaultBaseURL          = "https://graph.facebook.com"
	defaultInstagramBaseURL = "https://graph.instagram.com"
	defaultAPIVersion       = "v19.0"
)

// Config tunes the Graph client. Zero values fall back to sane defaults.
type Config struct {
	BaseURL           string
	InstagramBaseURL  string
	APIVersion        string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the Meta Graph API. All calls are rate limited through
// a single shared limiter so bursts of concurrent conversations cannot
// trip platform throttling.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	retry   retryConfig
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.InstagramBaseURL == "" {
		cfg.InstagramBaseURL = defaultInstagramBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		tracer:  otel.Tracer("leadflow/graph"),
		retry:   defaultRetryConfig(),
	}
}

// baseFor picks the API host. Standalone Instagram business accounts use
// graph.instagram.com; everything page-scoped goes to graph.facebook.com.
func (c *Client) baseFor(mode platform.SendMode) string {
	if mode == platform.ModeInstagramDirect {
		return c.cfg.InstagramBaseURL
	}
	return c.cfg.BaseURL
}

// SendText delivers one text message to a recipient.
func (c *Client) SendText(ctx context.Context, acct *store.Account, mode platform.SendMode, recipientID, text string) error {
	ctx, span := c.tracer.Start(ctx, "graph.SendText",
		trace.WithAttributes(
			attribute.String("account.id", acct.ID),
			attribute.String("send.mode", string(mode)),
		))
	defer span.End()

	payload := map[string]any{
		"recipient":      map[string]string{"id": recipientID},
		"message":        map[string]string{"text": text},
		"messaging_type": "RESPONSE",
	}
	return c.post(ctx, c.baseFor(mode), "me/messages", acct.AccessToken, payload, nil)
}

// SetTyping toggles the typing indicator. Best effort: callers ignore the
// error beyond logging.
func (c *Client) SetTyping(ctx context.Context, acct *store.Account, mode platform.SendMode, recipientID string, on bool) error {
	action := "typing_off"
	if on {
		action = "typing_on"
	}
	payload := map[string]any{
		"recipient":     map[string]string{"id": recipientID},
		"sender_action": action,
	}
	return c.post(ctx, c.baseFor(mode), "me/messages", acct.AccessToken, payload, nil)
}

type conversationsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// FindConversationID returns the platform conversation id for a sender,
// or "" when no thread exists yet.
func (c *Client) FindConversationID(ctx context.Context, acct *store.Account, mode platform.SendMode, senderID string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "graph.FindConversationID")
	defer span.End()

	q := url.Values{"user_id": {senderID}}
	if mode != platform.ModePage {
		q.Set("platform", "instagram")
	}
	var resp conversationsResponse
	path := url.PathEscape(acct.ID) + "/conversations"
	if err := c.get(ctx, c.baseFor(mode), path, acct.AccessToken, q, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].ID, nil
}

type messagesResponse struct {
	Data []struct {
		Message string `json:"message"`
		From    struct {
			ID string `json:"id"`
		} `json:"from"`
	} `json:"data"`
}

// RecentOutboundMessages returns the latest business-side messages in a
// conversation, newest first. Messages authored by the human are excluded
// so their text can never satisfy an activation check.
func (c *Client) RecentOutboundMessages(ctx context.Context, acct *store.Account, mode platform.SendMode, conversationID string, limit int) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "graph.RecentOutboundMessages")
	defer span.End()

	q := url.Values{
		"fields": {"message,from"},
		"limit":  {strconv.Itoa(limit)},
	}
	var resp messagesResponse
	path := url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, c.baseFor(mode), path, acct.AccessToken, q, &resp); err != nil {
		return nil, err
	}

	var out []string
	for _, m := range resp.Data {
		if m.From.ID == acct.ID || acct.HasLinkedID(m.From.ID) {
			out = append(out, m.Message)
		}
	}
	return out, nil
}

type labelsResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"page_label_name"`
	} `json:"data"`
}

// ListLabels returns the account's contact labels as name -> id.
func (c *Client) ListLabels(ctx context.Context, acct *store.Account) (map[string]string, error) {
	ctx, span := c.tracer.Start(ctx, "graph.ListLabels")
	defer span.End()

	q := url.Values{"fields": {"page_label_name"}}
	var resp labelsResponse
	if err := c.get(ctx, c.cfg.BaseURL, "me/custom_labels", acct.AccessToken, q, &resp); err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(resp.Data))
	for _, l := range resp.Data {
		labels[l.Name] = l.ID
	}
	return labels, nil
}

// CreateLabel creates a contact label and returns its id.
func (c *Client) CreateLabel(ctx context.Context, acct *store.Account, name string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "graph.CreateLabel",
		trace.WithAttributes(attribute.String("label.name", name)))
	defer span.End()

	var resp struct {
		ID string `json:"id"`
	}
	payload := map[string]any{"page_label_name": name}
	if err := c.post(ctx, c.cfg.BaseURL, "me/custom_labels", acct.AccessToken, payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AttachLabel associates a label with a conversation participant.
func (c *Client) AttachLabel(ctx context.Context, acct *store.Account, labelID, senderID string) error {
	ctx, span := c.tracer.Start(ctx, "graph.AttachLabel")
	defer span.End()

	payload := map[string]any{"user": senderID}
	path := url.PathEscape(labelID) + "/label"
	return c.post(ctx, c.cfg.BaseURL, path, acct.AccessToken, payload, nil)
}

func (c *Client) get(ctx context.Context, base, path, token string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("access_token", token)
	endpoint := fmt.Sprintf("%s/%s/%s?%s",
		strings.TrimRight(base, "/"), c.cfg.APIVersion, path, q.Encode())

	_, err := retryDo(ctx, c.retry, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.do(ctx, req, out)
	})
	return err
}

func (c *Client) post(ctx context.Context, base, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("graph: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/%s/%s?access_token=%s",
		strings.TrimRight(base, "/"), c.cfg.APIVersion, path, url.QueryEscape(token))

	_, err = retryDo(ctx, c.retry, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		return struct{}{}, c.do(ctx, req, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{
			Status: resp.StatusCode,
			Path:   req.URL.Path,
			Body:   string(snippet),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("graph: decode response: %w", err)
	}
	return nil
}

// APIError is a non-2xx Graph API response.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph: %s returned %d: %s", e.Path, e.Status, e.Body)
}

// Retryable reports whether the request is worth repeating.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
