package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemas are the known payload shapes, keyed by canonical type.
// Additional properties are allowed so plausible extras never block dispatch.
var payloadSchemas = map[Type]string{
	TypeSendEmail: `{
		"type": "object",
		"required": ["to", "subject", "body"],
		"properties": {
			"to": {"type": "string", "minLength": 3},
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1},
			"lead_id": {"type": "string"}
		}
	}`,
	TypeSendSMS: `{
		"type": "object",
		"required": ["to", "body"],
		"properties": {
			"to": {"type": "string", "minLength": 3},
			"body": {"type": "string", "minLength": 1, "maxLength": 1600}
		}
	}`,
	TypeSendNotification: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"recipient": {"type": "string"},
			"channel": {"type": "string"}
		}
	}`,
	TypeCreateTask: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"due_date": {"type": "string"},
			"assignee": {"type": "string"},
			"priority": {"enum": ["low", "normal", "high", "urgent"]}
		}
	}`,
	TypeScheduleFollowUp: `{
		"type": "object",
		"required": ["lead_id"],
		"properties": {
			"lead_id": {"type": "string", "minLength": 1},
			"when": {"type": "string"},
			"channel": {"type": "string"},
			"note": {"type": "string"}
		}
	}`,
	TypeUpdateLeadStatus: `{
		"type": "object",
		"required": ["lead_id", "status"],
		"properties": {
			"lead_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1}
		}
	}`,
	TypeUpdateListing: `{
		"type": "object",
		"required": ["listing_id"],
		"properties": {
			"listing_id": {"type": "string", "minLength": 1},
			"headline": {"type": "string"},
			"description": {"type": "string"},
			"price": {"type": "number", "exclusiveMinimum": 0}
		}
	}`,
	TypeUpdateTransactionMilestone: `{
		"type": "object",
		"required": ["transaction_id", "milestone"],
		"properties": {
			"transaction_id": {"type": "string", "minLength": 1},
			"milestone": {"type": "string", "minLength": 1},
			"completed_at": {"type": "string"}
		}
	}`,
	TypeRequestPayment: `{
		"type": "object",
		"required": ["transaction_id", "amount", "payer"],
		"properties": {
			"transaction_id": {"type": "string", "minLength": 1},
			"amount": {"type": "number", "exclusiveMinimum": 0},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"payer": {"type": "string", "minLength": 1}
		}
	}`,
}

// SchemaRegistry validates payloads against the compiled schema of their
// canonical type.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[Type]*jsonschema.Schema
}

// NewSchemaRegistry compiles the built-in payload schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[Type]*jsonschema.Schema, len(payloadSchemas))}
	for t, src := range payloadSchemas {
		if err := r.Register(t, src); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles and installs the schema for t, replacing any previous one.
// An empty schema removes validation for t.
func (r *SchemaRegistry) Register(t Type, schema string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema == "" {
		delete(r.schemas, t)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://schemas.coworker.local/actions/%s.schema.json", strings.ToLower(string(t)))
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("payload schema load failed for %s: %w", t, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("payload schema compile failed for %s: %w", t, err)
	}
	r.schemas[t] = compiled
	return nil
}

// Validate checks params against the schema of t. Types without a schema
// accept any payload.
func (r *SchemaRegistry) Validate(t Type, params Params) error {
	r.mu.RLock()
	schema, ok := r.schemas[t]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return fmt.Errorf("invalid %s params: %w", t, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s params: %w", t, err)
	}
	return nil
}

// toJSONValue round-trips params through encoding/json so the validator only
// sees the value types it understands.
func toJSONValue(params Params) (any, error) {
	if params == nil {
		params = Params{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
