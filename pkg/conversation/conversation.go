// Package conversation is the accessor for per-conversation message history:
// append-only turns keyed by (tenant, scope), read back as a bounded window.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message of a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	PersonaID string    `json:"persona_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Key owns a conversation. Scope is a persona id or a session id.
type Key struct {
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope"`
}

// ErrInvalidKey is returned for keys with an empty component.
var ErrInvalidKey = errors.New("invalid conversation key")

// Validate checks both components are set.
func (k Key) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" || strings.TrimSpace(k.Scope) == "" {
		return fmt.Errorf("%w: tenant and scope are required", ErrInvalidKey)
	}
	return nil
}

// String is the storage form of k.
func (k Key) String() string {
	return k.TenantID + "/" + k.Scope
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	tenant, scope, ok := strings.Cut(s, "/")
	k := Key{TenantID: tenant, Scope: scope}
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return k, k.Validate()
}

// Store is the conversation persistence boundary. Implementations preserve
// insertion order per key; ReadRecentTurns returns at most limit turns,
// oldest first.
type Store interface {
	AppendTurn(ctx context.Context, key Key, turn Turn) error
	ReadRecentTurns(ctx context.Context, key Key, limit int) ([]Turn, error)
}

// Window returns the last n turns of history, preserving order. The result
// never aliases history.
func Window(history []Turn, n int) []Turn {
	if n <= 0 {
		return []Turn{}
	}
	start := 0
	if len(history) > n {
		start = len(history) - n
	}
	out := make([]Turn, len(history)-start)
	copy(out, history[start:])
	return out
}
