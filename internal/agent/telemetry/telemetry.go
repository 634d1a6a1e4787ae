package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepbrief/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Telemetry tracks pipeline runs, per-phase latency and model cost. Counts
// live in-process; the otel counters feed whatever exporter the host wires.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
}

// Metrics holds pipeline performance counters
type Metrics struct {
	mu sync.RWMutex

	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AmbiguousRuns  int64

	PhaseExecutions map[string]int64
	PhaseTotalTime  map[string]time.Duration

	ProviderRequests map[string]int64
	ProviderFailures map[string]int64
}

// CostTracker tracks dollar cost and token usage across models
type CostTracker struct {
	mu sync.RWMutex

	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// RunEvent summarizes one completed pipeline run
type RunEvent struct {
	RunID       string
	Success     bool
	Ambiguous   bool
	Duration    time.Duration
	CreditsUsed int64
	Cost        float64
	TokensUsed  int64
	SourceCount int
	ModelUsed   string
}

var (
	metricsOnce    sync.Once
	runsCounter    otelmetric.Int64Counter
	creditsCounter otelmetric.Int64Counter
	phaseDuration  otelmetric.Float64Histogram
)

func initMetrics() {
	meter := otel.Meter("deepbrief/agent")
	var err error
	runsCounter, err = meter.Int64Counter(
		"pipeline_runs_total",
		otelmetric.WithDescription("Research pipeline runs by outcome"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: pipeline_runs_total: %v", err)
	}
	creditsCounter, err = meter.Int64Counter(
		"pipeline_credits_used_total",
		otelmetric.WithDescription("Credits deducted for completed runs"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: pipeline_credits_used_total: %v", err)
	}
	phaseDuration, err = meter.Float64Histogram(
		"pipeline_phase_duration_seconds",
		otelmetric.WithDescription("Wall-clock duration per pipeline phase"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("telemetry metrics init: pipeline_phase_duration_seconds: %v", err)
	}
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	if cfg.Enabled {
		metricsOnce.Do(initMetrics)
	}
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			PhaseExecutions:  make(map[string]int64),
			PhaseTotalTime:   make(map[string]time.Duration),
			ProviderRequests: make(map[string]int64),
			ProviderFailures: make(map[string]int64),
		},
		costTracker: &CostTracker{ModelCosts: make(map[string]float64)},
	}
}

// RecordRun records a finished pipeline run.
func (t *Telemetry) RecordRun(ev RunEvent) {
	t.metrics.mu.Lock()
	t.metrics.TotalRuns++
	switch {
	case ev.Ambiguous:
		t.metrics.AmbiguousRuns++
	case ev.Success:
		t.metrics.SuccessfulRuns++
	default:
		t.metrics.FailedRuns++
	}
	t.metrics.mu.Unlock()

	if t.config.CostTracking {
		t.costTracker.mu.Lock()
		t.costTracker.ModelCosts[ev.ModelUsed] += ev.Cost
		t.costTracker.TotalCost += ev.Cost
		t.costTracker.TotalTokens += ev.TokensUsed
		t.costTracker.mu.Unlock()
	}

	if t.config.Enabled && runsCounter != nil {
		outcome := "failed"
		if ev.Ambiguous {
			outcome = "ambiguous"
		} else if ev.Success {
			outcome = "completed"
		}
		attrs := otelmetric.WithAttributes(attribute.String("outcome", outcome))
		runsCounter.Add(ctxBackground(), 1, attrs)
		if creditsCounter != nil && ev.CreditsUsed > 0 {
			creditsCounter.Add(ctxBackground(), ev.CreditsUsed, attrs)
		}
	}

	t.logger.Printf("run %s: success=%t credits=%d cost=$%.4f sources=%d duration=%s",
		ev.RunID, ev.Success, ev.CreditsUsed, ev.Cost, ev.SourceCount, ev.Duration)
}

// RecordPhase records one phase execution.
func (t *Telemetry) RecordPhase(phase string, duration time.Duration) {
	t.metrics.mu.Lock()
	t.metrics.PhaseExecutions[phase]++
	t.metrics.PhaseTotalTime[phase] += duration
	t.metrics.mu.Unlock()

	if t.config.Enabled && phaseDuration != nil {
		phaseDuration.Record(ctxBackground(), duration.Seconds(),
			otelmetric.WithAttributes(attribute.String("phase", phase)))
	}
}

// RecordProviderCall records one research-provider call and its outcome.
func (t *Telemetry) RecordProviderCall(provider string, success bool) {
	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.ProviderRequests[provider]++
	if !success {
		t.metrics.ProviderFailures[provider]++
	}
}

// Snapshot returns a copy of the current counters for reporting endpoints.
func (t *Telemetry) Snapshot() (Metrics, CostTracker) {
	t.metrics.mu.RLock()
	m := Metrics{
		TotalRuns:        t.metrics.TotalRuns,
		SuccessfulRuns:   t.metrics.SuccessfulRuns,
		FailedRuns:       t.metrics.FailedRuns,
		AmbiguousRuns:    t.metrics.AmbiguousRuns,
		PhaseExecutions:  copyInt64Map(t.metrics.PhaseExecutions),
		PhaseTotalTime:   copyDurationMap(t.metrics.PhaseTotalTime),
		ProviderRequests: copyInt64Map(t.metrics.ProviderRequests),
		ProviderFailures: copyInt64Map(t.metrics.ProviderFailures),
	}
	t.metrics.mu.RUnlock()

	t.costTracker.mu.RLock()
	c := CostTracker{
		ModelCosts:  copyFloat64Map(t.costTracker.ModelCosts),
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
	}
	t.costTracker.mu.RUnlock()

	return m, c
}

func ctxBackground() context.Context { return context.Background() }

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloat64Map(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDurationMap(m map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
