package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type recorded struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
}

func newRecordingProvider(t *testing.T, opts ...Option) (*Provider, *recorded) {
	t.Helper()
	rec := &recorded{reader: sdkmetric.NewManualReader(), spans: tracetest.NewSpanRecorder()}
	p, err := newProvider(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec.spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(rec.reader)),
		opts...,
	)
	require.NoError(t, err)
	return p, rec
}

// count sums an int64 instrument over the points of one operation.
func (r *recorded) count(t *testing.T, instrument, operation string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != instrument {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", instrument)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(AttrOperation); ok && v.AsString() == operation {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestTrackOperation_ChatTurn(t *testing.T) {
	p, rec := newRecordingProvider(t)

	ctx, finish := p.TrackOperation(context.Background(), OpChat, RoutingOperation("org-1", "lead_nurse", "keyword")...)
	require.NotNil(t, ctx)
	assert.Equal(t, int64(1), rec.count(t, "coworker.operations.inflight", OpChat))
	finish(nil)

	assert.Equal(t, int64(1), rec.count(t, "coworker.operations", OpChat))
	assert.Zero(t, rec.count(t, "coworker.operations.inflight", OpChat))
	assert.Zero(t, rec.count(t, "coworker.operation.failures", OpChat))

	ended := rec.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, OpChat, ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), AttrPersonaID.String("lead_nurse"))
}

func TestTrackOperation_FailedExecution(t *testing.T) {
	p, rec := newRecordingProvider(t)

	_, finish := p.TrackOperation(context.Background(), OpExecute, ActionOperation("org-1", "b-1", "a-1", "SEND_EMAIL")...)
	finish(errors.New("smtp relay refused"))

	assert.Equal(t, int64(1), rec.count(t, "coworker.operation.failures", OpExecute))
	ended := rec.spans.Ended()
	require.Len(t, ended, 1)
	require.NotEmpty(t, ended[0].Events(), "the error is recorded on the span")
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestTrackOperation_SpansNest(t *testing.T) {
	p, rec := newRecordingProvider(t)

	ctx, finishBatch := p.TrackOperation(context.Background(), OpDispatch, BatchOperation("org-1", "b-1", 2)...)
	for _, id := range []string{"a-1", "a-2"} {
		_, finish := p.TrackOperation(ctx, OpExecute, ActionOperation("org-1", "b-1", id, "CREATE_TASK")...)
		finish(nil)
	}
	finishBatch(nil)

	ended := rec.spans.Ended()
	require.Len(t, ended, 3)
	batch := ended[2]
	assert.Equal(t, OpDispatch, batch.Name())
	for _, s := range ended[:2] {
		assert.Equal(t, batch.SpanContext().SpanID(), s.Parent().SpanID())
	}
	assert.Equal(t, int64(2), rec.count(t, "coworker.operations", OpExecute))
}

func TestTrackOperation_FeedsSLOWhenDisabled(t *testing.T) {
	tracker := NewSLOTracker(DefaultSLOTargets()...)
	p, err := New(context.Background(), DefaultConfig(), WithSLOTracker(tracker))
	require.NoError(t, err)
	require.Same(t, tracker, p.SLO())

	_, finish := p.TrackOperation(context.Background(), OpGenerate, GenerateOperation("anthropic")...)
	finish(context.DeadlineExceeded)

	status, err := tracker.Status(OpGenerate)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
	assert.Zero(t, status.CurrentSuccess)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNoop(t *testing.T) {
	p := Noop()
	_, finish := p.TrackOperation(context.Background(), OpChat)
	finish(errors.New("boom"))
	assert.Nil(t, p.SLO())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestOperationAttributes(t *testing.T) {
	attrs := ActionOperation("org-1", "batch-1", "a-1", "SEND_SMS")
	require.Len(t, attrs, 4)
	assert.Equal(t, AttrActionType, attrs[3].Key)
	assert.Equal(t, "SEND_SMS", attrs[3].Value.AsString())

	batch := BatchOperation("org-1", "batch-1", 3)
	assert.Equal(t, int64(3), batch[2].Value.AsInt64())
}
