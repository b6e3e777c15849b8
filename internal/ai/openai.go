package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const ratePrompt = `You are rating a sales conversation. Based on the transcript, rate the customer's interest and sentiment from 1 (hostile or no interest) to 5 (enthusiastic, ready to buy). Reply with a single digit and nothing else.`

// Config for the OpenAI backend.
type Config struct {
	APIKey       string
	APIBase      string // defaults to https://api.openai.com/v1
	AssistantID  string // threaded completions
	RatingModel  string // one-shot sentiment rating
	PollInterval time.Duration
}

// OpenAIClient implements Completer on the Assistants API (persistent
// threads) and Rater on chat completions.
type OpenAIClient struct {
	cfg    Config
	client *http.Client
	tracer trace.Tracer
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.RatingModel == "" {
		cfg.RatingModel = "gpt-4o-mini"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
		tracer: otel.Tracer("leadflow/ai"),
	}
}

// Complete appends prompt to the thread (creating one when threadRef is
// empty), runs the assistant, and returns its reply. The caller enforces
// its own deadline through ctx.
func (c *OpenAIClient) Complete(ctx context.Context, threadRef, prompt string) (Completion, error) {
	ctx, span := c.tracer.Start(ctx, "ai.Complete")
	defer span.End()

	if threadRef == "" {
		ref, err := c.createThread(ctx)
		if err != nil {
			return Completion{}, err
		}
		threadRef = ref
	}

	if err := c.addMessage(ctx, threadRef, prompt); err != nil {
		return Completion{}, err
	}
	runID, err := c.createRun(ctx, threadRef)
	if err != nil {
		return Completion{}, err
	}
	if err := c.waitRun(ctx, threadRef, runID); err != nil {
		return Completion{}, err
	}
	text, err := c.latestAssistantMessage(ctx, threadRef)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Text: text, ThreadRef: threadRef}, nil
}

// Rate asks the chat model for a 1..5 digit. Any reply that does not
// parse as one maps to ErrUnparsableRank.
func (c *OpenAIClient) Rate(ctx context.Context, transcript string) (int, error) {
	ctx, span := c.tracer.Start(ctx, "ai.Rate")
	defer span.End()

	reqBody := map[string]any{
		"model": c.cfg.RatingModel,
		"messages": []map[string]string{
			{"role": "system", "content": ratePrompt},
			{"role": "user", "content": transcript},
		},
		"max_tokens":  4,
		"temperature": 0,
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/chat/completions", reqBody, &resp); err != nil {
		return 0, err
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("%w: empty response", ErrUnparsableRank)
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	rank, err := strconv.Atoi(raw)
	if err != nil || rank < 1 || rank > 5 {
		return 0, fmt.Errorf("%w: %q", ErrUnparsableRank, raw)
	}
	return rank, nil
}

func (c *OpenAIClient) createThread(ctx context.Context) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *OpenAIClient) addMessage(ctx context.Context, threadRef, text string) error {
	body := map[string]any{"role": "user", "content": text}
	return c.doJSON(ctx, http.MethodPost, "/threads/"+threadRef+"/messages", body, nil)
}

func (c *OpenAIClient) createRun(ctx context.Context, threadRef string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]any{"assistant_id": c.cfg.AssistantID}
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+threadRef+"/runs", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *OpenAIClient) waitRun(ctx context.Context, threadRef, runID string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var resp struct {
			Status    string `json:"status"`
			LastError *struct {
				Message string `json:"message"`
			} `json:"last_error"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/threads/"+threadRef+"/runs/"+runID, nil, &resp); err != nil {
			return err
		}
		switch resp.Status {
		case "completed":
			return nil
		case "failed", "cancelled", "expired", "incomplete":
			msg := resp.Status
			if resp.LastError != nil {
				msg = resp.LastError.Message
			}
			return fmt.Errorf("ai: run %s: %s", runID, msg)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *OpenAIClient) latestAssistantMessage(ctx context.Context, threadRef string) (string, error) {
	var resp struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/threads/"+threadRef+"/messages?limit=5", nil, &resp); err != nil {
		return "", err
	}
	for _, m := range resp.Data {
		if m.Role != "assistant" || len(m.Content) == 0 {
			continue
		}
		return m.Content[0].Text.Value, nil
	}
	return "", fmt.Errorf("ai: thread %s has no assistant reply", threadRef)
}

func (c *OpenAIClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ai: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ai: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ai: %s %s returned %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
