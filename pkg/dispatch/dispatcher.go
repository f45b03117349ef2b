// Package dispatch forwards batches of approved action proposals to the
// external executor, drives each proposal to EXECUTED or FAILED and writes
// one audit record per batch.
//
// Executions inside a batch are independent. A failure is recorded against
// its own action and never rolls back or blocks the others. Once a batch has
// been handed over, cancellation of the caller's context does not retract
// executions already in flight.
//
// By default actions run one at a time in batch order, so a notification
// about a task never lands before the task itself. Raising Concurrency trades
// that ordering for throughput; results still come back in batch order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/actions"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/audit"
	"github.com/Hatch-Technologies-Group/hatch-site-sub002/pkg/observability"
)

// ErrExecutionFailed wraps every per-action failure: executor errors,
// explicit failure responses, timeouts and invalid payloads.
var ErrExecutionFailed = errors.New("execution failed")

// Transitioner moves dispatched proposals into their terminal state.
type Transitioner interface {
	MarkExecuted(ctx context.Context, id, externalReference string) (*actions.Proposal, error)
	MarkFailed(ctx context.Context, id, errorMessage string) (*actions.Proposal, error)
}

// Config bounds batch execution.
type Config struct {
	// Concurrency is the number of executions in flight per batch. Above 1,
	// side effects may land out of batch order.
	Concurrency int
	// Timeout applies to each execution call.
	Timeout time.Duration
	// RatePerSecond paces calls to the executor across all batches; zero
	// disables pacing.
	RatePerSecond float64
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{Concurrency: 1, Timeout: 15 * time.Second}
}

// Dispatcher implements the batch dispatch contract.
type Dispatcher struct {
	exec        Executor
	transitions Transitioner
	schemas     *actions.SchemaRegistry
	sink        audit.BatchSink
	limiter     *rate.Limiter
	obs         *observability.Provider
	cfg         Config
	clock       func() time.Time
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSchemas validates payloads before they reach the executor.
func WithSchemas(r *actions.SchemaRegistry) Option { return func(d *Dispatcher) { d.schemas = r } }

// WithAuditSink sets where batch records are written.
func WithAuditSink(s audit.BatchSink) Option { return func(d *Dispatcher) { d.sink = s } }

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.obs = p
		}
	}
}

// WithClock overrides the clock used for batch timestamps.
func WithClock(clock func() time.Time) Option { return func(d *Dispatcher) { d.clock = clock } }

// New creates a Dispatcher. Zero config fields take their defaults.
func New(exec Executor, transitions Transitioner, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	d := &Dispatcher{
		exec:        exec,
		transitions: transitions,
		obs:         observability.Noop(),
		cfg:         cfg,
		clock:       time.Now,
		logger:      slog.Default().With("component", "dispatch"),
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes batch and returns one result per proposal, in batch
// order. An empty batch is a no-op returning an empty, non-nil slice.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, batch []*actions.Proposal, ec actions.ExecutionContext) []actions.ExecutionResult {
	if len(batch) == 0 {
		return []actions.ExecutionResult{}
	}
	if ec.TenantID == "" {
		ec.TenantID = tenantID
	}

	ctx = context.WithoutCancel(ctx)
	ctx, finish := d.obs.TrackOperation(ctx, observability.OpDispatch,
		observability.BatchOperation(tenantID, ec.BatchID, len(batch))...)

	started := d.clock()
	results := make([]actions.ExecutionResult, len(batch))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, p := range batch {
		g.Go(func() error {
			results[i] = d.executeOne(ctx, p, ec)
			return nil
		})
	}
	_ = g.Wait()

	rec := audit.NewBatchRecord(tenantID, ec, batch, results, started, d.clock())
	var auditErr error
	if d.sink != nil {
		if auditErr = d.sink.WriteBatch(ctx, rec); auditErr != nil {
			d.logger.ErrorContext(ctx, "batch audit write failed",
				"tenant", tenantID, "batch_id", ec.BatchID, "error", auditErr)
		}
	}
	finish(auditErr)

	d.logger.InfoContext(ctx, "batch dispatched",
		"tenant", tenantID,
		"batch_id", ec.BatchID,
		"actions", len(batch),
		"succeeded", rec.Succeeded,
		"failed", rec.Failed,
	)
	return results
}

func (d *Dispatcher) executeOne(ctx context.Context, p *actions.Proposal, ec actions.ExecutionContext) actions.ExecutionResult {
	ctx, finish := d.obs.TrackOperation(ctx, observability.OpExecute,
		observability.ActionOperation(ec.TenantID, ec.BatchID, p.ID, string(p.CanonicalType))...)

	result := actions.ExecutionResult{ActionID: p.ID, CanonicalType: p.CanonicalType}
	ref, err := d.call(ctx, p, ec)
	finish(err)

	if err != nil {
		result.Outcome = actions.OutcomeFailure
		result.ErrorMessage = err.Error()
		d.logger.WarnContext(ctx, "action execution failed",
			"action_id", p.ID, "type", p.CanonicalType, "batch_id", ec.BatchID, "error", err)
		if d.transitions != nil {
			if _, terr := d.transitions.MarkFailed(ctx, p.ID, result.ErrorMessage); terr != nil {
				d.logger.ErrorContext(ctx, "mark failed rejected", "action_id", p.ID, "error", terr)
			}
		}
		return result
	}

	result.Outcome = actions.OutcomeSuccess
	result.ExternalReference = ref
	if d.transitions != nil {
		if _, terr := d.transitions.MarkExecuted(ctx, p.ID, ref); terr != nil {
			d.logger.ErrorContext(ctx, "mark executed rejected", "action_id", p.ID, "error", terr)
		}
	}
	return result
}

// call performs one execution and returns the external reference.
func (d *Dispatcher) call(ctx context.Context, p *actions.Proposal, ec actions.ExecutionContext) (string, error) {
	if !p.Resolved() {
		return "", fmt.Errorf("%w: unresolved action type %q", ErrExecutionFailed, p.RawType)
	}
	if d.schemas != nil {
		if err := d.schemas.Validate(p.CanonicalType, p.Params); err != nil {
			return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
		}
	}
	if d.exec == nil {
		return "", fmt.Errorf("%w: no executor configured", ErrExecutionFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: rate limit: %v", ErrExecutionFailed, err)
		}
	}

	req := Request{
		ActionID: p.ID,
		Type:     p.CanonicalType,
		Params:   p.Params.Clone(),
		Context:  ec,
	}

	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := d.exec.Execute(ctx, req)
		done <- outcome{resp, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: timed out after %s", ErrExecutionFailed, d.cfg.Timeout)
	}

	if out.err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, out.err)
	}
	if !out.resp.Success {
		msg := out.resp.Error
		if msg == "" {
			msg = "executor reported failure"
		}
		return "", fmt.Errorf("%w: %s", ErrExecutionFailed, msg)
	}
	return out.resp.ExternalReference, nil
}
