// Package upstream talks to an OpenAI-compatible chat completions API on
// behalf of the niceness and chat proxy endpoints.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/iri/internal/affect"
	"github.com/ashureev/iri/internal/config"
	"github.com/ashureev/iri/internal/sentiment"
)

// Message is one chat completion message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend produces niceness scores and chat replies.
type Backend interface {
	Niceness(ctx context.Context, text string) (int, error)
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Error is a non-2xx answer from the upstream. Body is passed back to the
// caller verbatim.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

type completionRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Messages    []Message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client calls the completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a completions client rooted at baseURL
// (e.g. https://api.groq.com/openai/v1).
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// complete returns the trimmed content of the first choice, or ok=false
// when the upstream sent none.
func (c *Client) complete(ctx context.Context, req completionRequest) (content string, ok bool, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", false, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, &Error{Status: resp.StatusCode, Body: string(respBody)}
	}

	var result completionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil || result.Choices[0].Message.Content == nil {
		return "", false, nil
	}
	return strings.TrimSpace(*result.Choices[0].Message.Content), true, nil
}

// Groq is the live Backend. Prompts and model settings are read from the
// persona on every call so reloads apply immediately.
type Groq struct {
	client  *Client
	persona func() config.Persona
}

// NewGroq wires a Client to a persona source.
func NewGroq(client *Client, persona func() config.Persona) *Groq {
	return &Groq{client: client, persona: persona}
}

// Niceness rates text from 0 to 10. An unparseable or missing answer
// counts as 5.
func (g *Groq) Niceness(ctx context.Context, text string) (int, error) {
	p := g.persona().Niceness
	maxTokens := p.MaxTokens
	content, ok, err := g.client.complete(ctx, completionRequest{
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   &maxTokens,
		Messages: []Message{
			{Role: "system", Content: p.SystemPrompt},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return affect.NeutralScore, nil
	}
	return sentiment.ParseReply(content), nil
}

// Chat answers the conversation with the persona's system prompt prepended.
// A missing answer is "".
func (g *Groq) Chat(ctx context.Context, messages []Message) (string, error) {
	p := g.persona().Chat
	all := make([]Message, 0, len(messages)+1)
	all = append(all, Message{Role: "system", Content: p.SystemPrompt})
	all = append(all, messages...)

	content, _, err := g.client.complete(ctx, completionRequest{
		Model:       p.Model,
		Temperature: p.Temperature,
		Messages:    all,
	})
	if err != nil {
		return "", err
	}
	return content, nil
}
