package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// ScriptRequest is one script-generation call.
type ScriptRequest struct {
	SystemPrompt string
	UserPrompt   string
}

// Script is the structured output of script generation.
type Script struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Scenes      []string `json:"scenes"`
	Tags        []string `json:"tags"`
	Sources     []string `json:"sources"`
}

// Client calls an OpenAI-compatible chat-completions endpoint, rotating
// API keys through a KeyPool on rate limits.
type Client struct {
	pool       *KeyPool
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewClient creates a client for the given endpoint and key pool.
func NewClient(baseURL, model string, pool *KeyPool) *Client {
	return &Client{
		pool:       pool,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

// NewClientFromEnv builds a client from LLM_BASE_URL, LLM_MODEL, and
// the comma-separated LLM_API_KEYS.
func NewClientFromEnv() (*Client, error) {
	pool, err := NewKeyPool(strings.Split(os.Getenv("LLM_API_KEYS"), ","))
	if err != nil {
		return nil, fmt.Errorf("LLM_API_KEYS: %w", err)
	}
	baseURL := os.Getenv("LLM_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("LLM_BASE_URL is not set")
	}
	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	slog.Info("LLM client configured", "model", model, "keys", pool.Size())
	return NewClient(baseURL, model, pool), nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Chat sends one chat-completion request and returns the assistant
// message. A 429 rotates to the next key; each pool key is tried at
// most once per call.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.pool.Size(); attempt++ {
		key := c.pool.Select()
		content, status, err := c.doChat(ctx, key, body)
		c.pool.Report(key, status)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if status != 429 {
			return "", err
		}
		slog.Warn("Chat request rate-limited, rotating key", "attempt", attempt+1)
	}
	return "", fmt.Errorf("all LLM keys rate-limited: %w", lastErr)
}

func (c *Client) doChat(ctx context.Context, key string, body []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Body is diagnostic only; cap it.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", resp.StatusCode, fmt.Errorf("chat request returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("chat response has no choices")
	}
	return parsed.Choices[0].Message.Content, resp.StatusCode, nil
}

// GenerateScript asks the model for a structured video script. The
// model is instructed to answer with a JSON object; fenced code blocks
// around it are tolerated.
func (c *Client) GenerateScript(ctx context.Context, req ScriptRequest) (*Script, error) {
	system := req.SystemPrompt +
		"\n\nAnswer with a single JSON object with the fields " +
		`"title", "description", "scenes" (array of strings, one per scene), ` +
		`"tags" (array of strings), and "sources" (array of strings). No other text.`

	content, err := c.Chat(ctx, system, req.UserPrompt)
	if err != nil {
		return nil, err
	}

	var script Script
	if err := json.Unmarshal([]byte(stripFences(content)), &script); err != nil {
		return nil, fmt.Errorf("failed to parse script output: %w", err)
	}
	if script.Title == "" || len(script.Scenes) == 0 {
		return nil, fmt.Errorf("script output missing title or scenes")
	}
	return &script, nil
}

// stripFences removes a markdown code fence wrapping the payload, which
// models emit even when told not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
