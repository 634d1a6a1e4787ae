package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/deepbrief/config"
	"github.com/mohammad-safakhou/deepbrief/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepbrief/internal/budget"
)

var orchestratorTracer trace.Tracer = otel.Tracer("deepbrief/internal/agent/orchestrator")

// Orchestrator drives one research request through the pipeline phases and
// owns the progress stream. A terminal event is emitted for every run, no
// matter where the run dies.
type Orchestrator struct {
	cfg         *config.Config
	gateway     CompletionGateway
	classifier  *Classifier
	interpreter *Interpreter
	planner     *Planner
	research    *ResearchExecutor
	structuring *StructuringEngine
	synthesis   *SynthesisGenerator
	async       AsyncCompletionProvider
	ledger      budget.CreditLedger
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

func NewOrchestrator(cfg *config.Config, gateway CompletionGateway, providers []ResearchProvider, fetcher ContentFetcher, ledger budget.CreditLedger, tel *telemetry.Telemetry) *Orchestrator {
	routing := cfg.LLM.Routing
	var onCall func(string, bool)
	if tel != nil {
		onCall = tel.RecordProviderCall
	}
	return &Orchestrator{
		cfg:         cfg,
		gateway:     gateway,
		classifier:  NewClassifier(gateway, routing.Classification),
		interpreter: NewInterpreter(gateway, routing.Interpretation, routing.Fallback),
		planner:     NewPlanner(gateway, routing.Reasoning),
		research: NewResearchExecutor(providers, fetcher, gateway, routing.Synthesis, ResearchExecutorOptions{
			MaxSources:     cfg.Research.MaxSources,
			MaxConcurrent:  cfg.Research.MaxConcurrent,
			DeepFetchLimit: cfg.Research.Fetch.DeepFetchLimit,
			OnProviderCall: onCall,
		}),
		structuring: NewStructuringEngine(gateway, routing.Structuring),
		synthesis:   NewSynthesisGenerator(gateway, routing.Synthesis, cfg.Research.MaxSources),
		async:       newAsyncProvider(cfg.LLM),
		ledger:      ledger,
		telemetry:   tel,
		logger:      log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
}

// profileFor resolves the credit profile for a request.
func (o *Orchestrator) profileFor(req ResearchRequest) budget.Profile {
	name := req.Profile
	if name == "" {
		name = o.cfg.Credits.DefaultProfile
	}
	if p, ok := o.cfg.Credits.Profiles[name]; ok {
		return budget.Profile{BaseCost: p.BaseCost, MaxBudget: p.MaxBudget}
	}
	p := o.cfg.Credits.Profiles[o.cfg.Credits.DefaultProfile]
	return budget.Profile{BaseCost: p.BaseCost, MaxBudget: p.MaxBudget}
}

// ProcessRequest runs the full pipeline for one request, emitting progress
// on the broadcaster. Exactly one terminal event is guaranteed: a deferred
// finalizer emits failed if no terminal event went out by any other path.
func (o *Orchestrator) ProcessRequest(ctx context.Context, req ResearchRequest, progress *ProgressBroadcaster) (result RunResult, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()

	ctx = WithModelUsedTracking(ctx)
	ctx, span := orchestratorTracer.Start(ctx, "agent.process_request",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.Int("request.length", len(req.Content)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.recordRun(ctx, req.ID, result, start, false, false)
		}
		if !progress.Finished() {
			msg := "run failed"
			if err != nil {
				msg = err.Error()
			}
			progress.Emit(ProgressEvent{Phase: PhaseFailed, Message: msg, Progress: 100})
		}
	}()

	profile := o.profileFor(req)
	gate := budget.NewGate(o.ledger, req.UserID, req.ID, req.MaxCredits, profile)

	// Classification runs before the first phase band; it never hard-fails.
	cls := o.classifier.Classify(ctx, req.Content)
	span.SetAttributes(
		attribute.String("classification.intent", string(cls.Primary)),
		attribute.Float64("classification.confidence", cls.Confidence),
	)

	if cls.IsAmbiguous {
		return o.completeAmbiguous(ctx, req, cls, gate, progress, start)
	}

	// Pre-flight: the balance must cover the profile base cost before any
	// paid work starts.
	if err := gate.Preflight(ctx, profile.BaseCost); err != nil {
		return RunResult{}, err
	}

	// interpreting (0-20)
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	progress.Emit(ProgressEvent{Phase: PhaseInterpreting, Message: "understanding the request", Progress: 5})
	phaseStart := time.Now()
	plan, err := o.interpretWithSpan(ctx, req.Content, cls)
	if err != nil {
		return RunResult{}, err
	}
	if req.IsFollowUp {
		plan.IsFollowUp = true
	}
	o.recordPhase(PhaseInterpreting, phaseStart)
	progress.Emit(ProgressEvent{Phase: PhaseInterpreting, Message: "task plan ready", Progress: ProgressInterpreting, Data: map[string]interface{}{
		"research_depth":    plan.ResearchDepth,
		"estimated_credits": plan.EstimatedCredits,
	}})

	// reasoning (20-35)
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	progress.Emit(ProgressEvent{Phase: PhaseReasoning, Message: "building the research blueprint", Progress: 25})
	phaseStart = time.Now()
	outcome := o.planner.Plan(ctx, req.Content, cls, plan)
	if outcome.Fallback {
		o.logger.Printf("[%s] blueprint degraded to minimal: %s", req.ID, outcome.Reason)
	}
	bp := outcome.Blueprint
	if plan.RequiresRealTimeResearch && len(bp.ResearchQuestions) == 0 {
		return RunResult{}, fmt.Errorf("research required but no questions could be derived")
	}
	o.recordPhase(PhaseReasoning, phaseStart)
	progress.Emit(ProgressEvent{Phase: PhaseReasoning, Message: "blueprint ready", Progress: ProgressReasoning, Data: map[string]interface{}{
		"question_count": len(bp.ResearchQuestions),
		"risk_flags":     bp.RiskFlags,
	}})

	// researching (35-65), entered only when the plan requires it
	var results []ResearchResult
	var stats ResearchStats
	if plan.RequiresRealTimeResearch {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		progress.Emit(ProgressEvent{Phase: PhaseResearching, Message: fmt.Sprintf("researching %d questions", len(bp.ResearchQuestions)), Progress: 40})
		phaseStart = time.Now()
		results, stats, err = o.researchWithSpan(ctx, bp.ResearchQuestions, plan)
		if err != nil {
			return RunResult{}, err
		}
		if allProvidersFailed(stats) {
			return RunResult{}, fmt.Errorf("all research providers failed; no sources gathered")
		}
		o.recordPhase(PhaseResearching, phaseStart)
		progress.Emit(ProgressEvent{Phase: PhaseResearching, Message: "research complete", Progress: ProgressResearching, Data: map[string]interface{}{
			"source_count": stats.SourceCount,
		}})
	}

	// structuring (65-85); degradation here is silent
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	progress.Emit(ProgressEvent{Phase: PhaseStructuring, Message: "organizing findings", Progress: 70})
	phaseStart = time.Now()
	structured := o.structuring.Structure(ctx, plan, bp, results)
	o.recordPhase(PhaseStructuring, phaseStart)
	progress.Emit(ProgressEvent{Phase: PhaseStructuring, Message: "structure ready", Progress: ProgressStructuring})

	// executing / synthesizing (85-95)
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}
	progress.Emit(ProgressEvent{Phase: PhaseExecuting, Message: "writing the report", Progress: 88})
	phaseStart = time.Now()
	var (
		report  string
		sources []ResearchSource
		partial bool
	)
	if o.async != nil && plan.ResearchDepth == DepthDeep {
		report, sources, partial, err = o.synthesizeBackgroundWithSpan(ctx, req.ID, gate, profile.BaseCost, bp, results, structured)
	} else {
		report, sources, err = o.synthesizeWithSpan(ctx, bp, results, structured)
	}
	if err != nil {
		return RunResult{}, err
	}
	o.recordPhase(PhaseExecuting, phaseStart)
	progress.Emit(ProgressEvent{Phase: PhaseExecuting, Message: "report ready", Progress: ProgressExecuting})

	// Deduct only now that the work has succeeded. A background run may
	// have accrued past the up-front estimate; the larger figure settles.
	finalCost := budget.EstimateCredits(string(plan.ResearchDepth), plan.Outputs)
	if used := gate.Used(); used > finalCost {
		finalCost = used
	}
	deduct, err := gate.Settle(ctx, finalCost)
	if err != nil {
		return RunResult{}, fmt.Errorf("settling credits: %w", err)
	}

	confidence := stats.AvgConfidence
	if confidence == 0 {
		confidence = plan.Confidence
	}

	result = RunResult{
		ID:         req.ID,
		Report:     report,
		Sources:    sources,
		Structured: structured,
		Metadata: RunMetadata{
			DurationMS:  time.Since(start).Milliseconds(),
			CreditsUsed: deduct.Deducted,
			SourceCount: len(sources),
			Confidence:  confidence,
			ModelUsed:   o.modelLabel(ctx),
			Degraded:    outcome.Fallback,
			Partial:     partial,
		},
	}

	o.recordRun(ctx, req.ID, result, start, true, false)
	span.SetStatus(codes.Ok, "completed")
	progress.Emit(ProgressEvent{Phase: PhaseCompleted, Message: "done", Progress: ProgressDone, Data: map[string]interface{}{
		"credits_used": deduct.Deducted,
		"balance":      deduct.Balance,
	}})
	return result, nil
}

// completeAmbiguous is the short-circuit path: a clarification response,
// a minimal deduction, straight to completed.
func (o *Orchestrator) completeAmbiguous(ctx context.Context, req ResearchRequest, cls Classification, gate *budget.Gate, progress *ProgressBroadcaster, start time.Time) (RunResult, error) {
	deduct, err := gate.Settle(ctx, o.cfg.Credits.ClarificationCost)
	if err != nil {
		return RunResult{}, fmt.Errorf("settling clarification cost: %w", err)
	}

	result := RunResult{
		ID:                 req.ID,
		ClarifyingQuestion: cls.ClarifyingQuestion,
		Sources:            []ResearchSource{},
		Structured:         emptyStructured(),
		Metadata: RunMetadata{
			DurationMS:  time.Since(start).Milliseconds(),
			CreditsUsed: deduct.Deducted,
		},
	}

	o.recordRun(ctx, req.ID, result, start, true, true)
	progress.Emit(ProgressEvent{Phase: PhaseCompleted, Message: "clarification needed", Progress: ProgressDone, Data: map[string]interface{}{
		"clarifying_question": cls.ClarifyingQuestion,
		"credits_used":        deduct.Deducted,
	}})
	return result, nil
}

func (o *Orchestrator) interpretWithSpan(ctx context.Context, request string, cls Classification) (TaskPlan, error) {
	ctx, span := orchestratorTracer.Start(ctx, "agent.interpret")
	defer span.End()
	plan, err := o.interpreter.Interpret(ctx, request, cls)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TaskPlan{}, err
	}
	span.SetStatus(codes.Ok, "completed")
	return plan, nil
}

func (o *Orchestrator) researchWithSpan(ctx context.Context, questions []string, plan TaskPlan) ([]ResearchResult, ResearchStats, error) {
	ctx, span := orchestratorTracer.Start(ctx, "agent.research",
		trace.WithAttributes(attribute.Int("question.count", len(questions))))
	defer span.End()
	results, stats, err := o.research.Execute(ctx, questions, plan)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, ResearchStats{}, err
	}
	span.SetAttributes(attribute.Int("source.count", stats.SourceCount))
	span.SetStatus(codes.Ok, "completed")
	return results, stats, nil
}

func (o *Orchestrator) synthesizeWithSpan(ctx context.Context, bp ReasoningBlueprint, results []ResearchResult, structured StructuredOutput) (string, []ResearchSource, error) {
	ctx, span := orchestratorTracer.Start(ctx, "agent.synthesize")
	defer span.End()
	report, sources, err := o.synthesis.Synthesize(ctx, bp, results, structured)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", nil, err
	}
	span.SetStatus(codes.Ok, "completed")
	return report, sources, nil
}

// synthesizeBackgroundWithSpan routes deep-run synthesis through the async
// provider: the run is started in the background and polled with the
// configured stall threshold and interval, accruing credits against the
// run's gate as tool calls mount. A failed start degrades to the
// synchronous path; a stalled or budget-capped run comes back partial.
func (o *Orchestrator) synthesizeBackgroundWithSpan(ctx context.Context, runID string, gate *budget.Gate, baseCost int64, bp ReasoningBlueprint, results []ResearchResult, structured StructuredOutput) (string, []ResearchSource, bool, error) {
	ctx, span := orchestratorTracer.Start(ctx, "agent.synthesize_background")
	defer span.End()

	providerRunID, err := o.async.StartRun(ctx, synthesisSystemPrompt, o.synthesis.buildPrompt(bp, results, structured), o.cfg.LLM.Routing.Synthesis)
	if err != nil {
		o.logger.Printf("[%s] background synthesis unavailable (%v), using synchronous path", runID, err)
		span.RecordError(err)
		report, sources, serr := o.synthesis.Synthesize(ctx, bp, results, structured)
		if serr != nil {
			span.SetStatus(codes.Error, serr.Error())
			return "", nil, false, serr
		}
		span.SetStatus(codes.Ok, "completed")
		return report, sources, false, nil
	}

	poller := NewPoller(o.async, gate, baseCost, o.cfg.Credits.StallThreshold, o.cfg.Credits.PollInterval)
	out := poller.Run(ctx, providerRunID)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		return "", nil, false, out.Err
	}
	report, sources := o.synthesis.finishReport(out.Content, results, structured)
	span.SetAttributes(
		attribute.Int("tool_calls", out.ToolCalls),
		attribute.Bool("partial", out.Partial),
	)
	span.SetStatus(codes.Ok, "completed")
	return report, sources, out.Partial, nil
}

// modelLabel asks the gateway which backend actually served the run by
// issuing no extra calls: the label comes from the last successful
// completion recorded on the context by the gateway.
func (o *Orchestrator) modelLabel(ctx context.Context) string {
	if label, ok := modelUsedFromContext(ctx); ok {
		return label
	}
	return o.cfg.LLM.Routing.Synthesis
}

func (o *Orchestrator) recordPhase(phase Phase, start time.Time) {
	if o.telemetry != nil {
		o.telemetry.RecordPhase(string(phase), time.Since(start))
	}
}

func (o *Orchestrator) recordRun(ctx context.Context, runID string, result RunResult, start time.Time, success, ambiguous bool) {
	if o.telemetry == nil {
		return
	}
	tokens, cost := usageFromContext(ctx)
	o.telemetry.RecordRun(telemetry.RunEvent{
		RunID:       runID,
		Success:     success,
		Ambiguous:   ambiguous,
		Duration:    time.Since(start),
		CreditsUsed: result.Metadata.CreditsUsed,
		Cost:        cost,
		TokensUsed:  tokens,
		SourceCount: result.Metadata.SourceCount,
		ModelUsed:   result.Metadata.ModelUsed,
	})
}

func allProvidersFailed(stats ResearchStats) bool {
	return stats.SourceCount == 0 && len(stats.ProviderCalls) > 0
}
