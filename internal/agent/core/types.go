package core

import (
	"context"
	"time"
)

// ResearchRequest represents a user's research request
type ResearchRequest struct {
	ID          string                 `json:"id"`
	Content     string                 `json:"content"`
	UserID      string                 `json:"user_id,omitempty"`
	IsFollowUp  bool                   `json:"is_follow_up,omitempty"`
	Profile     string                 `json:"profile,omitempty"`
	MaxCredits  int64                  `json:"max_credits,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// IntentCategory is the primary classification of a request
type IntentCategory string

const (
	IntentPersonalEmotional    IntentCategory = "personal_emotional"
	IntentTechnical            IntentCategory = "technical"
	IntentAcademic             IntentCategory = "academic"
	IntentProfessionalBusiness IntentCategory = "professional_business"
	IntentGeneralFactual       IntentCategory = "general_factual"
	IntentCreative             IntentCategory = "creative"
)

// AmbiguityThreshold is the classifier confidence below which a request is
// treated as ambiguous and short-circuited to a clarification response.
const AmbiguityThreshold = 0.7

// Classification is the intent classifier's output
type Classification struct {
	Primary            IntentCategory `json:"primary"`
	Secondary          IntentCategory `json:"secondary,omitempty"`
	Confidence         float64        `json:"confidence"`
	IsAmbiguous        bool           `json:"is_ambiguous"`
	ClarifyingQuestion string         `json:"clarifying_question,omitempty"`
}

// ResearchDepth controls how much source gathering a run performs
type ResearchDepth string

const (
	DepthQuick    ResearchDepth = "quick"
	DepthStandard ResearchDepth = "standard"
	DepthDeep     ResearchDepth = "deep"
)

// TaskPlan is the interpreter's structured reading of a request. It is
// created once per run and never mutated afterwards.
type TaskPlan struct {
	Intent                   string        `json:"intent"`
	IsFollowUp               bool          `json:"is_follow_up"`
	Domains                  []string      `json:"domains"`
	RequiresRealTimeResearch bool          `json:"requires_real_time_research"`
	ResearchDepth            ResearchDepth `json:"research_depth"`
	Outputs                  []string      `json:"outputs"`
	ExecutionPlan            []string      `json:"execution_plan"`
	SearchQueries            []string      `json:"search_queries"`
	TimeContext              string        `json:"time_context,omitempty"`
	Geography                []string      `json:"geography,omitempty"`
	Confidence               float64       `json:"confidence"`
	EstimatedCredits         int64         `json:"estimated_credits"`
}

// Blueprint risk flags. The set is never empty: RiskNone is the sentinel.
const (
	RiskNone             = "none"
	RiskDataFreshness    = "data_freshness_risk"
	RiskFormatComplexity = "format_complexity"
	RiskSourceScarcity   = "source_scarcity"
)

// DataStructurePlan lists the machine-usable artifacts the run should build
type DataStructurePlan struct {
	Tables        []string `json:"tables"`
	Documents     []string `json:"documents"`
	Presentations []string `json:"presentations"`
	Web           []string `json:"web"`
}

// IsEmpty reports whether the plan names no artifacts at all.
func (d DataStructurePlan) IsEmpty() bool {
	return len(d.Tables) == 0 && len(d.Documents) == 0 && len(d.Presentations) == 0 && len(d.Web) == 0
}

// ReasoningBlueprint is the planner's expansion of a TaskPlan into concrete
// research questions and output structure.
type ReasoningBlueprint struct {
	TaskSummary          string            `json:"task_summary"`
	Objectives           []string          `json:"objectives"`
	ResearchQuestions    []string          `json:"research_questions"`
	RequiredDataEntities []string          `json:"required_data_entities"`
	DataStructurePlan    DataStructurePlan `json:"data_structure_plan"`
	LogicSteps           []string          `json:"logic_steps"`
	QualityCriteria      []string          `json:"quality_criteria"`
	RiskFlags            []string          `json:"risk_flags"`
	ResponseStyle        string            `json:"response_style,omitempty"`
}

// BlueprintOutcome tags how a blueprint was obtained so consumers handle the
// degraded path explicitly instead of probing optional fields.
type BlueprintOutcome struct {
	Blueprint ReasoningBlueprint
	Fallback  bool
	Reason    string
}

// SourceType describes where a research source came from
type SourceType string

const (
	SourceSearch SourceType = "search"
	SourceCrawl  SourceType = "crawl"
	SourceAI     SourceType = "ai_synthesis"
)

// ResearchSource is one piece of gathered evidence. URL is the unique key
// within a question's result set.
type ResearchSource struct {
	URL            string     `json:"url"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	Content        string     `json:"content,omitempty"`
	SourceType     SourceType `json:"source_type"`
	RelevanceScore float64    `json:"relevance_score"`
	Timestamp      time.Time  `json:"timestamp"`
	ProviderUsed   string     `json:"provider_used"`
}

// ResearchResult holds the ranked, deduplicated findings for one question
type ResearchResult struct {
	Question   string           `json:"question"`
	Sources    []ResearchSource `json:"sources"`
	Synthesis  string           `json:"synthesis,omitempty"`
	Confidence float64          `json:"confidence"`
}

// ResearchStats aggregates execution counters across all questions
type ResearchStats struct {
	SourceCount   int            `json:"source_count"`
	AvgConfidence float64        `json:"avg_confidence"`
	ProviderCalls map[string]int `json:"provider_calls"`
}

// Table is a named grid of cells
type Table struct {
	Name    string     `json:"name"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// OutlineSection is one section of the report outline
type OutlineSection struct {
	Section   string   `json:"section"`
	Content   string   `json:"content"`
	KeyPoints []string `json:"key_points"`
}

// StructuredOutput is the machine-usable slice of the deliverable
type StructuredOutput struct {
	Tables        []Table          `json:"tables"`
	ReportOutline []OutlineSection `json:"report_outline"`
	KeyFindings   []string         `json:"key_findings"`
}

// Phase is a pipeline state. Phases are reachable only in order; failed is
// reachable from anywhere.
type Phase string

const (
	PhaseInterpreting Phase = "interpreting"
	PhaseReasoning    Phase = "reasoning"
	PhaseResearching  Phase = "researching"
	PhaseStructuring  Phase = "structuring"
	PhaseExecuting    Phase = "executing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Progress band ceilings per phase.
const (
	ProgressInterpreting = 20
	ProgressReasoning    = 35
	ProgressResearching  = 65
	ProgressStructuring  = 85
	ProgressExecuting    = 95
	ProgressDone         = 100
)

// ProgressEvent is one entry in a run's ordered event stream
type ProgressEvent struct {
	Phase    Phase                  `json:"phase"`
	Message  string                 `json:"message"`
	Progress int                    `json:"progress"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Phase == PhaseCompleted || e.Phase == PhaseFailed
}

// RunMetadata is the summary block attached to a finished run
type RunMetadata struct {
	DurationMS  int64   `json:"duration_ms"`
	CreditsUsed int64   `json:"credits_used"`
	SourceCount int     `json:"source_count"`
	Confidence  float64 `json:"confidence"`
	ModelUsed   string  `json:"model_used"`
	Degraded    bool    `json:"degraded,omitempty"`
	Partial     bool    `json:"partial,omitempty"`
}

// RunResult is the serializable outcome handed back to the caller. The core
// never persists it; the surrounding application does.
type RunResult struct {
	ID                 string           `json:"id"`
	Report             string           `json:"report"`
	ClarifyingQuestion string           `json:"clarifying_question,omitempty"`
	Sources            []ResearchSource `json:"sources"`
	Structured         StructuredOutput `json:"structured_output"`
	Metadata           RunMetadata      `json:"metadata"`
}

// GenOptions tune a single completion call
type GenOptions struct {
	Temperature float64
	MaxTokens   int
}

// Completion is one successful completion call's output
type Completion struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
	Provider     string
	Model        string
}

// Label returns the "provider/model" string recorded in run metadata.
func (c Completion) Label() string {
	if c.Provider == "" {
		return c.Model
	}
	return c.Provider + "/" + c.Model
}

// CompletionGateway is the uniform interface to completion backends with
// ordered fallback between them.
type CompletionGateway interface {
	// Complete runs one prompt through the provider chain.
	Complete(ctx context.Context, systemPrompt, userPrompt, model string, opts GenOptions) (Completion, error)

	// CalculateCost converts token usage into dollars for a model key.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// SearchOptions narrow a research provider query
type SearchOptions struct {
	RecencyDays int
	Domains     []string
	Limit       int
}

// ResearchProvider is one independently callable, independently failable
// source of web evidence.
type ResearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, opts SearchOptions) ([]ResearchSource, error)
}

// FetchedContent is the result of a deep content fetch
type FetchedContent struct {
	Content     string
	Title       string
	Description string
}

// ContentFetcher retrieves full page content for deep research runs
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (FetchedContent, error)
}

// AsyncStatus is one poll observation of a long-running completion task
type AsyncStatus struct {
	State     string
	ToolCalls int
	Content   string
	Done      bool
}

// AsyncCompletionProvider is a completion backend that runs asynchronously
// and is polled for status. Finalize asks it to stop and return whatever
// partial output exists.
type AsyncCompletionProvider interface {
	StartRun(ctx context.Context, systemPrompt, userPrompt, model string) (string, error)
	Poll(ctx context.Context, runID string) (AsyncStatus, error)
	Finalize(ctx context.Context, runID string) (string, error)
}
