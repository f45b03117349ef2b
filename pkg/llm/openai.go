package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenAIURL is the chat-completions endpoint used when none is configured.
const DefaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint
// (OpenAI, LM Studio, vLLM, Ollama's compatibility layer).
type OpenAIClient struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

func NewOpenAIClient(url, apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	if url == "" {
		url = DefaultOpenAIURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	c := &OpenAIClient{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Generate(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	msgs := make([]Message, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, messages...)

	jsonBody, err := json.Marshal(openAIRequest{Model: c.model, Messages: msgs, Temperature: 0.4})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("openai error: %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if oaiResp.Error != nil {
		return "", fmt.Errorf("openai error: %s", oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	content := oaiResp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyReply
	}
	return content, nil
}
