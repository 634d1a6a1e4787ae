package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepbrief/config"
	"github.com/mohammad-safakhou/deepbrief/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepbrief/internal/budget"
)

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{Routing: config.LLMRoutingConfig{
			Classification: "fast",
			Interpretation: "main",
			Reasoning:      "main",
			Structuring:    "main",
			Synthesis:      "main",
			Fallback:       "fallback",
		}},
		Research: config.ResearchConfig{MaxSources: 8, MaxConcurrent: 2},
		Credits: config.CreditsConfig{
			Profiles:          map[string]config.CreditProfile{"standard": {BaseCost: 5, MaxBudget: 30}},
			DefaultProfile:    "standard",
			ClarificationCost: 1,
		},
	}
}

// pipelineGateway answers each pipeline phase by sniffing the system prompt.
type pipelineGateway struct {
	classification string
	plan           string
	blueprint      string
	structured     string
	report         string
}

func (g *pipelineGateway) Complete(ctx context.Context, systemPrompt, userPrompt, model string, opts GenOptions) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	var content string
	switch {
	case strings.Contains(systemPrompt, "classify user requests"):
		content = g.classification
	case strings.Contains(systemPrompt, "research task plan"):
		content = g.plan
	case strings.Contains(systemPrompt, "reasoning blueprint"):
		content = g.blueprint
	case strings.Contains(systemPrompt, "structured data"):
		content = g.structured
	case strings.Contains(systemPrompt, "final research report"):
		content = g.report
	default:
		content = "the evidence agrees"
	}
	if content == "" {
		return Completion{}, fmt.Errorf("provider down")
	}
	comp := Completion{Content: content, Provider: "primary", Model: model, InputTokens: 120, OutputTokens: 40}
	RecordModelUsed(ctx, comp.Label())
	RecordUsage(ctx, comp.InputTokens, comp.OutputTokens, 0.01)
	return comp, nil
}

func (g *pipelineGateway) CalculateCost(in, out int64, model string) float64 { return 0 }

func happyGateway() *pipelineGateway {
	return &pipelineGateway{
		classification: `{"primary":"professional_business","confidence":0.9,"is_ambiguous":false}`,
		plan:           planJSON,
		blueprint:      blueprintJSON,
		structured:     `{"tables":[],"report_outline":[],"key_findings":["finding"]}`,
		report:         "The suppliers cluster in Portugal and Italy.",
	}
}

func runPipeline(t *testing.T, gw CompletionGateway, providers []ResearchProvider, ledger budget.CreditLedger, req ResearchRequest) (RunResult, error, []ProgressEvent) {
	t.Helper()
	cfg := testConfig()
	o := NewOrchestrator(cfg, gw, providers, nil, ledger, nil)
	progress := NewProgressBroadcaster(64)
	result, err := o.ProcessRequest(context.Background(), req, progress)
	return result, err, drainEvents(progress.Events())
}

func assertOneTerminal(t *testing.T, events []ProgressEvent, want Phase) {
	t.Helper()
	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
			if ev.Phase != want {
				t.Fatalf("terminal phase = %s, want %s", ev.Phase, want)
			}
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminals)
	}
	last := events[len(events)-1]
	if !last.Terminal() || last.Progress != 100 {
		t.Fatalf("stream must end with a terminal event at 100, got %+v", last)
	}
}

func TestProcessRequestHappyPath(t *testing.T) {
	ledger := newMemLedger("u1", 100)
	provider := &fakeProvider{name: "brave", sources: []ResearchSource{
		src("https://a.com", "Acme Denim", "sustainable denim supplier portugal"),
		src("https://b.com", "EcoJeans", "low MOQ denim italy"),
	}}

	result, err, events := runPipeline(t, happyGateway(), []ResearchProvider{provider}, ledger,
		ResearchRequest{UserID: "u1", Content: "Find sustainable denim suppliers in Europe with low MOQ"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	assertOneTerminal(t, events, PhaseCompleted)

	var phases []Phase
	for _, ev := range events {
		phases = append(phases, ev.Phase)
	}
	wantOrder := []Phase{PhaseInterpreting, PhaseReasoning, PhaseResearching, PhaseStructuring, PhaseExecuting, PhaseCompleted}
	idx := 0
	for _, ph := range phases {
		for idx < len(wantOrder) && wantOrder[idx] != ph {
			idx++
		}
	}
	if idx >= len(wantOrder) {
		t.Fatalf("phases out of order: %v", phases)
	}

	if result.Report == "" {
		t.Fatalf("expected a report")
	}
	if result.Metadata.CreditsUsed == 0 {
		t.Fatalf("successful run must deduct credits")
	}
	// standard depth, text-only outputs: 5 credits
	if bal, _ := ledger.Balance(context.Background(), "u1"); bal != 95 {
		t.Fatalf("balance = %d, want 95", bal)
	}
	if result.Metadata.ModelUsed == "" {
		t.Fatalf("metadata must record the model used")
	}
	if result.Metadata.SourceCount == 0 {
		t.Fatalf("metadata must carry the source count")
	}
}

func TestProcessRequestAmbiguousShortCircuit(t *testing.T) {
	gw := happyGateway()
	gw.classification = `{"primary":"general_factual","confidence":0.4,"is_ambiguous":true,"clarifying_question":"What exactly do you want to know?"}`
	ledger := newMemLedger("u1", 100)
	provider := &fakeProvider{name: "brave"}

	result, err, events := runPipeline(t, gw, []ResearchProvider{provider}, ledger,
		ResearchRequest{UserID: "u1", Content: "tell me about it"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	assertOneTerminal(t, events, PhaseCompleted)

	for _, ev := range events {
		if ev.Phase == PhaseResearching || ev.Phase == PhaseInterpreting {
			t.Fatalf("ambiguous classification must never enter the pipeline, saw %s", ev.Phase)
		}
	}
	if result.ClarifyingQuestion == "" {
		t.Fatalf("ambiguous run must return the clarifying question")
	}
	if provider.calls != 0 {
		t.Fatalf("ambiguous run must not hit research providers")
	}
	// Only the minimal clarification cost is deducted.
	if bal, _ := ledger.Balance(context.Background(), "u1"); bal != 99 {
		t.Fatalf("balance = %d, want 99", bal)
	}
}

func TestProcessRequestSkipsResearchWhenNotRequired(t *testing.T) {
	gw := happyGateway()
	gw.plan = `{"intent":"explain photosynthesis","requires_real_time_research":false,"research_depth":"quick","outputs":["text"]}`
	gw.blueprint = `{"task_summary":"explain photosynthesis","research_questions":[],"risk_flags":[]}`
	provider := &fakeProvider{name: "brave"}
	ledger := newMemLedger("u1", 100)

	_, err, events := runPipeline(t, gw, []ResearchProvider{provider}, ledger,
		ResearchRequest{UserID: "u1", Content: "Explain how photosynthesis works in simple terms?"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	assertOneTerminal(t, events, PhaseCompleted)

	for _, ev := range events {
		if ev.Phase == PhaseResearching {
			t.Fatalf("researching events must not appear when research is not required")
		}
	}
	if provider.calls != 0 {
		t.Fatalf("research executor must never be invoked, got %d provider calls", provider.calls)
	}
}

func TestProcessRequestFailureEmitsTerminalWithoutDeduction(t *testing.T) {
	gw := happyGateway()
	gw.plan = "" // interpretation fails on both attempts
	ledger := newMemLedger("u1", 100)

	_, err, events := runPipeline(t, gw, []ResearchProvider{&fakeProvider{name: "brave"}}, ledger,
		ResearchRequest{UserID: "u1", Content: "Find denim suppliers in Europe for me please?"})
	if err == nil {
		t.Fatalf("expected run failure")
	}
	assertOneTerminal(t, events, PhaseFailed)

	if bal, _ := ledger.Balance(context.Background(), "u1"); bal != 100 {
		t.Fatalf("failed run must not deduct, balance = %d", bal)
	}
	if ledger.deducts != 0 {
		t.Fatalf("ledger must be untouched on failure")
	}
}

func TestProcessRequestInsufficientCreditsPreflight(t *testing.T) {
	ledger := newMemLedger("u1", 2)
	provider := &fakeProvider{name: "brave"}

	_, err, events := runPipeline(t, happyGateway(), []ResearchProvider{provider}, ledger,
		ResearchRequest{UserID: "u1", Content: "Find sustainable denim suppliers in Europe with low MOQ"})
	var insufficient budget.ErrInsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	assertOneTerminal(t, events, PhaseFailed)
	if provider.calls != 0 {
		t.Fatalf("no provider may be called before the preflight passes")
	}
	if bal, _ := ledger.Balance(context.Background(), "u1"); bal != 2 {
		t.Fatalf("preflight rejection must not deduct, balance = %d", bal)
	}
}

func TestProcessRequestResearchProviderExhaustion(t *testing.T) {
	provider := &fakeProvider{name: "brave", err: fmt.Errorf("down")}
	ledger := newMemLedger("u1", 100)

	_, err, events := runPipeline(t, happyGateway(), []ResearchProvider{provider}, ledger,
		ResearchRequest{UserID: "u1", Content: "Find sustainable denim suppliers in Europe with low MOQ"})
	if err == nil {
		t.Fatalf("all providers failing for all questions must fail the run")
	}
	assertOneTerminal(t, events, PhaseFailed)
	if bal, _ := ledger.Balance(context.Background(), "u1"); bal != 100 {
		t.Fatalf("failed run must not deduct, balance = %d", bal)
	}
}

const deepPlanJSON = `{
  "intent": "find sustainable denim suppliers",
  "requires_real_time_research": true,
  "research_depth": "deep",
  "outputs": ["text"],
  "search_queries": ["sustainable denim suppliers europe"]
}`

func deepRunOrchestrator(t *testing.T, async AsyncCompletionProvider, ledger budget.CreditLedger) *Orchestrator {
	t.Helper()
	cfg := testConfig()
	cfg.Credits.StallThreshold = 3
	cfg.Credits.PollInterval = time.Millisecond
	cfg.Credits.Profiles = map[string]config.CreditProfile{"standard": {BaseCost: 5, MaxBudget: 50}}
	gw := happyGateway()
	gw.plan = deepPlanJSON
	provider := &fakeProvider{name: "brave", sources: []ResearchSource{
		src("https://a.com", "Acme Denim", "sustainable denim supplier portugal"),
	}}
	o := NewOrchestrator(cfg, gw, []ResearchProvider{provider}, nil, ledger, nil)
	o.async = async
	return o
}

func TestProcessRequestDeepRunPollsBackground(t *testing.T) {
	async := &scriptedAsync{statuses: []AsyncStatus{
		{State: "working", ToolCalls: 2},
		{State: "working", ToolCalls: 7},
		{State: "done", ToolCalls: 9, Content: "Deep findings from the background run.", Done: true},
	}}
	ledger := newMemLedger("u1", 100)
	o := deepRunOrchestrator(t, async, ledger)
	progress := NewProgressBroadcaster(64)

	result, err := o.ProcessRequest(context.Background(), ResearchRequest{UserID: "u1", Content: "Find sustainable denim suppliers in Europe"}, progress)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	assertOneTerminal(t, drainEvents(progress.Events()), PhaseCompleted)

	if async.polls == 0 {
		t.Fatalf("deep run must be driven through the background poller")
	}
	if !strings.Contains(result.Report, "Deep findings from the background run.") {
		t.Fatalf("report must come from the background run, got %q", result.Report)
	}
	if result.Metadata.Partial {
		t.Fatalf("completed background run must not be partial")
	}
	// deep depth, text-only outputs: 15 credits
	if bal, _ := ledger.Balance(context.Background(), "u1"); bal != 85 {
		t.Fatalf("balance = %d, want 85", bal)
	}
}

func TestProcessRequestDeepRunStallReturnsPartial(t *testing.T) {
	var statuses []AsyncStatus
	for i := 0; i < 10; i++ {
		statuses = append(statuses, AsyncStatus{State: "working", ToolCalls: 3})
	}
	async := &scriptedAsync{statuses: statuses, final: "What was gathered before the run went quiet."}
	ledger := newMemLedger("u1", 100)
	o := deepRunOrchestrator(t, async, ledger)
	progress := NewProgressBroadcaster(64)

	result, err := o.ProcessRequest(context.Background(), ResearchRequest{UserID: "u1", Content: "Find sustainable denim suppliers in Europe"}, progress)
	if err != nil {
		t.Fatalf("stalled background run must still complete with partial output: %v", err)
	}
	assertOneTerminal(t, drainEvents(progress.Events()), PhaseCompleted)

	if !async.finalized {
		t.Fatalf("stalled run must be force-finalized")
	}
	if !result.Metadata.Partial {
		t.Fatalf("stalled run must be flagged partial")
	}
	if !strings.Contains(result.Report, "What was gathered before the run went quiet.") {
		t.Fatalf("partial report must carry the finalized output, got %q", result.Report)
	}
}

func TestProcessRequestDeepRunFallsBackWhenStartFails(t *testing.T) {
	async := &scriptedAsync{startErr: fmt.Errorf("background api down")}
	ledger := newMemLedger("u1", 100)
	o := deepRunOrchestrator(t, async, ledger)
	progress := NewProgressBroadcaster(64)

	result, err := o.ProcessRequest(context.Background(), ResearchRequest{UserID: "u1", Content: "Find sustainable denim suppliers in Europe"}, progress)
	if err != nil {
		t.Fatalf("failed background start must degrade to the synchronous path: %v", err)
	}
	assertOneTerminal(t, drainEvents(progress.Events()), PhaseCompleted)

	if async.polls != 0 {
		t.Fatalf("no polling may happen when the background run never started")
	}
	if !strings.Contains(result.Report, "The suppliers cluster in Portugal and Italy.") {
		t.Fatalf("report must come from the synchronous synthesis, got %q", result.Report)
	}
}

func TestTelemetryCountsFailedRuns(t *testing.T) {
	gw := happyGateway()
	gw.plan = "" // interpretation fails on both attempts
	ledger := newMemLedger("u1", 100)
	tel := telemetry.NewTelemetry(config.TelemetryConfig{})

	o := NewOrchestrator(testConfig(), gw, []ResearchProvider{&fakeProvider{name: "brave"}}, nil, ledger, tel)
	progress := NewProgressBroadcaster(64)
	_, err := o.ProcessRequest(context.Background(), ResearchRequest{UserID: "u1", Content: "Find denim suppliers in Europe for me please?"}, progress)
	if err == nil {
		t.Fatalf("expected run failure")
	}
	drainEvents(progress.Events())

	m, _ := tel.Snapshot()
	if m.TotalRuns != 1 || m.FailedRuns != 1 {
		t.Fatalf("failed run must be counted: total=%d failed=%d", m.TotalRuns, m.FailedRuns)
	}
	if m.SuccessfulRuns != 0 || m.AmbiguousRuns != 0 {
		t.Fatalf("failed run miscounted: %+v", m)
	}
}

func TestTelemetryTracksRunCostAndProviderCalls(t *testing.T) {
	ledger := newMemLedger("u1", 100)
	tel := telemetry.NewTelemetry(config.TelemetryConfig{CostTracking: true})
	good := &fakeProvider{name: "brave", sources: []ResearchSource{
		src("https://a.com", "Acme Denim", "sustainable denim supplier portugal"),
	}}
	bad := &fakeProvider{name: "serper", err: fmt.Errorf("down")}

	o := NewOrchestrator(testConfig(), happyGateway(), []ResearchProvider{good, bad}, nil, ledger, tel)
	progress := NewProgressBroadcaster(64)
	_, err := o.ProcessRequest(context.Background(), ResearchRequest{UserID: "u1", Content: "Find sustainable denim suppliers in Europe with low MOQ"}, progress)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	drainEvents(progress.Events())

	m, c := tel.Snapshot()
	if m.SuccessfulRuns != 1 {
		t.Fatalf("successful run must be counted: %+v", m)
	}
	if c.TotalTokens == 0 || c.TotalCost == 0 {
		t.Fatalf("run cost and tokens must be tracked: %+v", c)
	}
	if m.ProviderRequests["brave"] == 0 || m.ProviderRequests["serper"] == 0 {
		t.Fatalf("every provider search must be counted: %+v", m.ProviderRequests)
	}
	if m.ProviderFailures["serper"] == 0 {
		t.Fatalf("failing provider must show up in failures: %+v", m.ProviderFailures)
	}
	if m.ProviderFailures["brave"] != 0 {
		t.Fatalf("healthy provider must not show failures: %+v", m.ProviderFailures)
	}
}

func TestProcessRequestRecoversFromPanic(t *testing.T) {
	gw := &panicGateway{}
	ledger := newMemLedger("u1", 100)

	cfg := testConfig()
	o := NewOrchestrator(cfg, gw, []ResearchProvider{&fakeProvider{name: "brave"}}, nil, ledger, nil)
	progress := NewProgressBroadcaster(64)
	_, err := o.ProcessRequest(context.Background(), ResearchRequest{UserID: "u1", Content: "x y z w?"}, progress)
	if err == nil {
		t.Fatalf("panic must surface as an error")
	}
	assertOneTerminal(t, drainEvents(progress.Events()), PhaseFailed)
}

type panicGateway struct{}

func (g *panicGateway) Complete(ctx context.Context, systemPrompt, userPrompt, model string, opts GenOptions) (Completion, error) {
	panic("unexpected provider state")
}

func (g *panicGateway) CalculateCost(in, out int64, model string) float64 { return 0 }
