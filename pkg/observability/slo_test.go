package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSLOSetTarget(t *testing.T) {
	tracker := NewSLOTracker(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpChat,
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})

	status, err := tracker.Status(OpChat)
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpExecute,
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: OpExecute, Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status(OpExecute)
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpGenerate,
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// 90% success, below the 99% target
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: OpGenerate, Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: OpGenerate, Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status(OpGenerate)
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   OpDispatch,
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99, // 1% error budget
		WindowHours: 1,
	})

	// 5% error rate → burn rate = 5x
	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Operation: OpDispatch, Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Operation: OpDispatch, Latency: 10 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status(OpDispatch)
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
	if status.ErrorBudgetLeft != 0 {
		t.Fatalf("expected exhausted budget, got %.2f", status.ErrorBudgetLeft)
	}
}

func TestSLOWindowPrunesOldObservations(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker(&SLOTarget{SLOID: "slo-1", Operation: OpChat, LatencyP99: time.Second, SuccessRate: 0.5, WindowHours: 1}).
		WithClock(func() time.Time { return now })

	tracker.Record(SLOObservation{Operation: OpChat, Success: false, Timestamp: now.Add(-2 * time.Hour)})
	tracker.Record(SLOObservation{Operation: OpChat, Success: true})

	status, _ := tracker.Status(OpChat)
	if status.ObservationCount != 1 {
		t.Fatalf("expected 1 observation in window, got %d", status.ObservationCount)
	}
	if !status.InCompliance {
		t.Fatal("expected stale failure to be ignored")
	}
}

func TestSLOIgnoresUntrackedOperations(t *testing.T) {
	tracker := NewSLOTracker(DefaultSLOTargets()...)
	tracker.Record(SLOObservation{Operation: "unknown", Success: false})

	statuses := tracker.Statuses()
	if len(statuses) != len(DefaultSLOTargets()) {
		t.Fatalf("expected %d statuses, got %d", len(DefaultSLOTargets()), len(statuses))
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i-1].SLOID > statuses[i].SLOID {
			t.Fatal("statuses not ordered by slo id")
		}
	}
}

func TestSLONoTarget(t *testing.T) {
	tracker := NewSLOTracker()
	_, err := tracker.Status("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestTrackOperationFeedsSLOTracker(t *testing.T) {
	tracker := NewSLOTracker(DefaultSLOTargets()...)
	p, err := New(context.Background(), &Config{Enabled: false}, WithSLOTracker(tracker))
	if err != nil {
		t.Fatal(err)
	}

	_, finish := p.TrackOperation(context.Background(), OpExecute)
	finish(nil)
	_, finish = p.TrackOperation(context.Background(), OpExecute)
	finish(errors.New("boom"))

	status, _ := tracker.Status(OpExecute)
	if status.ObservationCount != 2 {
		t.Fatalf("expected 2 observations, got %d", status.ObservationCount)
	}
	if status.CurrentSuccess != 0.5 {
		t.Fatalf("expected 50%% success, got %.2f", status.CurrentSuccess)
	}
}
