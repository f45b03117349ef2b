package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicGenerator generates replies through the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicGenerator creates a generator. baseURL may be empty. The SDK's
// own retries are disabled.
func NewAnthropicGenerator(apiKey, model, baseURL string) (*AnthropicGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key required")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: 1024,
	}, nil
}

func (g *AnthropicGenerator) Generate(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(messages)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var b strings.Builder
	for _, content := range message.Content {
		if content.Type == "text" {
			b.WriteString(content.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyReply
	}
	return b.String(), nil
}
