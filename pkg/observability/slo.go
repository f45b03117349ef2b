package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tracked operation names. They double as span names.
const (
	OpChat     = "coworker.chat"
	OpGenerate = "coworker.generate"
	OpExecute  = "coworker.action.execute"
	OpDispatch = "coworker.batch.dispatch"
)

// SLOTarget defines a service level objective.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0-1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"` // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// DefaultSLOTargets covers chat turns (dominated by the model call) and
// individual action executions.
func DefaultSLOTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "chat-availability", Name: "Chat turn", Operation: OpChat, LatencyP99: 60 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "generate-latency", Name: "Model call", Operation: OpGenerate, LatencyP99: 45 * time.Second, SuccessRate: 0.98, WindowHours: 24},
		{SLOID: "execute-success", Name: "Action execution", Operation: OpExecute, LatencyP99: 10 * time.Second, SuccessRate: 0.95, WindowHours: 24},
	}
}

// SLOTracker monitors SLOs across operations. Observations older than the
// target window are pruned on write; operations without a target are ignored.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with the given targets.
func NewSLOTracker(targets ...*SLOTarget) *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
	for _, target := range targets {
		t.SetTarget(target)
	}
	return t
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets an SLO target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record records an observation.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[obs.Operation]
	if !ok {
		return
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}

	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)
	kept := t.observations[obs.Operation][:0]
	for _, o := range t.observations[obs.Operation] {
		if o.Timestamp.After(windowStart) {
			kept = append(kept, o)
		}
	}
	t.observations[obs.Operation] = append(kept, obs)
}

// Status computes current SLO status for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}
	return t.status(target), nil
}

// Statuses returns the status of every target, ordered by SLO id.
func (t *SLOTracker) Statuses() []*SLOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*SLOStatus, 0, len(t.targets))
	for _, target := range t.targets {
		out = append(out, t.status(target))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLOID < out[j].SLOID })
	return out
}

func (t *SLOTracker) status(target *SLOTarget) *SLOStatus {
	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []SLOObservation
	for _, obs := range t.observations[target.Operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       target.Operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
	} else if errorRate > 0 {
		budgetLeft = 0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        target.Operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}
}
