// Package audit records what the coworkers decided and did: routing
// decisions, every proposal transition, and one summary per dispatched batch.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/auth"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventRouting   EventType = "ROUTING"
	EventAction    EventType = "ACTION"
	EventExecution EventType = "EXECUTION"
	EventAccess    EventType = "ACCESS"
	EventSystem    EventType = "SYSTEM"
)

// Event represents a structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	ActorID   string                 `json:"actor_id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error
}

// newEvent stamps an event with the caller's identity. The principal wins;
// background work (auto-approved dispatch) falls back to metadata["tenant_id"].
func newEvent(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}, now time.Time) Event {
	tenantID := "system"
	actorID := "system"
	if principal, _ := auth.GetPrincipal(ctx); principal != nil {
		tenantID = principal.GetTenantID()
		actorID = principal.GetID()
	} else if tid, ok := metadata["tenant_id"].(string); ok && tid != "" {
		tenantID = tid
	}
	return Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: now.UTC(),
		Metadata:  metadata,
	}
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	event := newEvent(ctx, eventType, action, resource, metadata, time.Now())

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
