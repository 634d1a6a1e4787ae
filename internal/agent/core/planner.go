package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Planner expands a TaskPlan into a ReasoningBlueprint. Planning never
// hard-fails: an unparseable model response degrades into a deterministic
// minimal blueprint so the pipeline can still proceed.
type Planner struct {
	gateway CompletionGateway
	model   string
	logger  *log.Logger
}

func NewPlanner(gateway CompletionGateway, model string) *Planner {
	return &Planner{
		gateway: gateway,
		model:   model,
		logger:  log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

const plannerSystemPrompt = `You expand a research task plan into a reasoning blueprint.
Respond with ONLY a JSON object:
{
  "task_summary": "one sentence",
  "objectives": ["what success looks like"],
  "research_questions": ["concrete, independently searchable questions"],
  "required_data_entities": ["entity tags, lowercase snake_case"],
  "data_structure_plan": {
    "tables": ["table names to build"],
    "documents": ["document names"],
    "presentations": ["presentation names"],
    "web": ["web artifact names"]
  },
  "logic_steps": ["ordered reasoning steps"],
  "quality_criteria": ["what makes the answer good"],
  "risk_flags": [],
  "response_style": "brief description of tone"
}
research_questions must be non-empty when the plan requires real-time
research. Keep questions specific enough to drive a web search each.`

// Plan produces the blueprint for a run. The outcome is tagged: Fallback
// true means the model output was unusable and the blueprint was synthesized
// deterministically from the TaskPlan alone.
func (p *Planner) Plan(ctx context.Context, request string, cls Classification, plan TaskPlan) BlueprintOutcome {
	userPrompt := fmt.Sprintf("Intent category: %s\nTask plan:\n%s\n\nOriginal request:\n%s", cls.Primary, mustJSON(plan), request)

	comp, err := p.gateway.Complete(ctx, plannerSystemPrompt, userPrompt, p.model, GenOptions{Temperature: 0.3, MaxTokens: 1400})
	if err != nil {
		p.logger.Printf("blueprint generation failed, using minimal blueprint: %v", err)
		return BlueprintOutcome{Blueprint: p.minimalBlueprint(plan), Fallback: true, Reason: err.Error()}
	}

	raw, err := extractFirstJSON(comp.Content)
	if err != nil {
		p.logger.Printf("unparseable blueprint, using minimal blueprint: %v", err)
		return BlueprintOutcome{Blueprint: p.minimalBlueprint(plan), Fallback: true, Reason: err.Error()}
	}

	var bp ReasoningBlueprint
	if err := json.Unmarshal([]byte(raw), &bp); err != nil {
		p.logger.Printf("invalid blueprint JSON, using minimal blueprint: %v", err)
		return BlueprintOutcome{Blueprint: p.minimalBlueprint(plan), Fallback: true, Reason: err.Error()}
	}

	p.normalize(&bp, cls, plan)

	if plan.RequiresRealTimeResearch && len(bp.ResearchQuestions) == 0 {
		p.logger.Printf("blueprint lacks research questions for research-required plan, using minimal blueprint")
		return BlueprintOutcome{Blueprint: p.minimalBlueprint(plan), Fallback: true, Reason: "no research questions derived"}
	}

	return BlueprintOutcome{Blueprint: bp}
}

// normalize enforces the intent-aware shape rules and the risk-flag
// invariants on a model-produced blueprint.
func (p *Planner) normalize(bp *ReasoningBlueprint, cls Classification, plan TaskPlan) {
	if cls.Primary == IntentPersonalEmotional {
		// No forced tables or reports on personal queries.
		bp.DataStructurePlan = DataStructurePlan{}
		if bp.ResponseStyle == "" {
			bp.ResponseStyle = "warm, empathetic, conversational"
		}
	} else {
		for _, out := range plan.Outputs {
			switch out {
			case "table", "excel":
				if len(bp.DataStructurePlan.Tables) == 0 {
					bp.DataStructurePlan.Tables = []string{"summary"}
				}
			case "document":
				if len(bp.DataStructurePlan.Documents) == 0 {
					bp.DataStructurePlan.Documents = []string{"report"}
				}
			case "presentation":
				if len(bp.DataStructurePlan.Presentations) == 0 {
					bp.DataStructurePlan.Presentations = []string{"overview"}
				}
			}
		}
	}

	bp.RiskFlags = applyRiskFlags(bp.RiskFlags, plan)
}

// applyRiskFlags adds the mandatory flags and guarantees a non-empty set.
func applyRiskFlags(flags []string, plan TaskPlan) []string {
	cleaned := flags[:0]
	for _, f := range flags {
		if f != RiskNone && strings.TrimSpace(f) != "" {
			cleaned = append(cleaned, f)
		}
	}
	if plan.RequiresRealTimeResearch {
		cleaned = appendUnique(cleaned, RiskDataFreshness)
	}
	if plan.ResearchDepth == DepthDeep {
		cleaned = appendUnique(cleaned, RiskFormatComplexity)
	}
	if len(cleaned) == 0 {
		cleaned = []string{RiskNone}
	}
	return cleaned
}

// minimalBlueprint synthesizes a usable blueprint from the TaskPlan alone.
// Search queries become research questions directly; objectives and logic
// steps are generic.
func (p *Planner) minimalBlueprint(plan TaskPlan) ReasoningBlueprint {
	questions := append([]string(nil), plan.SearchQueries...)
	if len(questions) == 0 && plan.RequiresRealTimeResearch {
		questions = []string{plan.Intent}
	}
	bp := ReasoningBlueprint{
		TaskSummary:       plan.Intent,
		Objectives:        []string{"answer the request accurately", "ground claims in sources"},
		ResearchQuestions: questions,
		LogicSteps:        []string{"gather evidence", "organize findings", "compose the answer"},
		QualityCriteria:   []string{"factually grounded", "directly responsive"},
		RiskFlags:         applyRiskFlags(nil, plan),
	}
	for _, out := range plan.Outputs {
		if out == "table" || out == "excel" {
			bp.DataStructurePlan.Tables = []string{"summary"}
		}
	}
	return bp
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
