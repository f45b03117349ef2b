// Package llm is the boundary to the text-generation collaborator: a system
// prompt plus an ordered message list in, reply text out.
package llm

import (
	"context"
	"errors"
)

// Roles understood by every provider.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces a reply for systemPrompt and messages. Failures are
// never retried by callers.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, messages []Message) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, systemPrompt string, messages []Message) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, systemPrompt string, messages []Message) (string, error) {
	return f(ctx, systemPrompt, messages)
}

var (
	// ErrEmptyReply is returned when the provider answered without text.
	ErrEmptyReply = errors.New("llm: empty reply")
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("llm: circuit breaker open")
)
