package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
)

// Request is what an executor receives for one action.
type Request struct {
	ActionID string                   `json:"action_id"`
	Type     actions.Type             `json:"type"`
	Params   actions.Params           `json:"params,omitempty"`
	Context  actions.ExecutionContext `json:"context"`
}

// Response is the executor's verdict. Success false with a nil error is an
// explicit failure.
type Response struct {
	Success           bool   `json:"success"`
	ExternalReference string `json:"external_reference,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Executor performs the concrete side effect of an action.
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// PlaybookExecutor calls the playbook runner over HTTP:
// POST {baseURL}/execute with a Request body, answered by a Response body.
type PlaybookExecutor struct {
	url        string
	token      string
	httpClient *http.Client
}

// PlaybookOption configures a PlaybookExecutor.
type PlaybookOption func(*PlaybookExecutor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) PlaybookOption {
	return func(p *PlaybookExecutor) { p.httpClient = c }
}

// WithBearerToken authenticates calls to the runner.
func WithBearerToken(token string) PlaybookOption {
	return func(p *PlaybookExecutor) { p.token = token }
}

func NewPlaybookExecutor(baseURL string, opts ...PlaybookOption) *PlaybookExecutor {
	p := &PlaybookExecutor{
		url:        strings.TrimRight(baseURL, "/") + "/execute",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PlaybookExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("playbook: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("playbook: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ActionID)
	if req.Context.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.Context.RequestID)
	}
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("playbook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("playbook error: %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("playbook: decode response: %w", err)
	}
	return out, nil
}

// LogExecutor records actions without performing them. It is used when no
// playbook runner is configured.
type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{logger: logger.With("component", "log_executor")}
}

func (e *LogExecutor) Execute(ctx context.Context, req Request) (Response, error) {
	e.logger.InfoContext(ctx, "action executed (log only)",
		"action_id", req.ActionID,
		"type", req.Type,
		"tenant", req.Context.TenantID,
		"batch_id", req.Context.BatchID,
	)
	return Response{Success: true, ExternalReference: "log:" + uuid.NewString()}, nil
}
