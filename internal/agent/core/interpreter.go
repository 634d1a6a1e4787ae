package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepbrief/internal/budget"
)

// Interpreter turns a raw request plus its classification into a TaskPlan.
// The model does the structured read; deterministic enhancement passes then
// add what keyword scanning can prove is in the text. Enhancement only ever
// adds values, it never removes something the model asserted.
type Interpreter struct {
	gateway       CompletionGateway
	model         string
	fallbackModel string
	logger        *log.Logger
}

func NewInterpreter(gateway CompletionGateway, model, fallbackModel string) *Interpreter {
	return &Interpreter{
		gateway:       gateway,
		model:         model,
		fallbackModel: fallbackModel,
		logger:        log.New(log.Writer(), "[INTERPRETER] ", log.LstdFlags),
	}
}

const interpreterSystemPrompt = `You convert a user request into a research task plan.
Respond with ONLY a JSON object:
{
  "intent": "one sentence describing what the user wants",
  "is_follow_up": true|false,
  "domains": ["domain tags, lowercase snake_case"],
  "requires_real_time_research": true|false,
  "research_depth": "quick|standard|deep",
  "outputs": ["text", "table", "document", "presentation"],
  "execution_plan": ["ordered step tags"],
  "search_queries": ["concrete web search queries"],
  "time_context": "e.g. 'last 12 months' or empty",
  "geography": ["regions mentioned or implied"]
}
requires_real_time_research is true when the answer depends on current
external facts rather than general knowledge. search_queries must be
non-empty when requires_real_time_research is true.`

// Interpret produces the immutable TaskPlan for a run. A malformed model
// response is a provider failure: the call is retried once on the fallback
// model before the run is allowed to fail.
func (it *Interpreter) Interpret(ctx context.Context, request string, cls Classification) (TaskPlan, error) {
	userPrompt := fmt.Sprintf("Intent category: %s\n\nRequest:\n%s", cls.Primary, request)

	plan, err := it.interpretOnce(ctx, userPrompt, it.model)
	if err != nil {
		it.logger.Printf("interpretation on %s failed, retrying on fallback model: %v", it.model, err)
		plan, err = it.interpretOnce(ctx, userPrompt, it.fallbackModel)
		if err != nil {
			return TaskPlan{}, fmt.Errorf("interpreting request: %w", err)
		}
	}

	enhancePlan(&plan, request)
	plan.EstimatedCredits = budget.EstimateCredits(string(plan.ResearchDepth), plan.Outputs)
	plan.Confidence = planConfidence(plan)
	return plan, nil
}

func (it *Interpreter) interpretOnce(ctx context.Context, userPrompt, model string) (TaskPlan, error) {
	comp, err := it.gateway.Complete(ctx, interpreterSystemPrompt, userPrompt, model, GenOptions{Temperature: 0.2, MaxTokens: 900})
	if err != nil {
		return TaskPlan{}, err
	}
	raw, err := extractFirstJSON(comp.Content)
	if err != nil {
		return TaskPlan{}, err
	}
	var plan TaskPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return TaskPlan{}, fmt.Errorf("malformed task plan: %w", err)
	}
	if strings.TrimSpace(plan.Intent) == "" {
		return TaskPlan{}, fmt.Errorf("malformed task plan: missing intent")
	}
	switch plan.ResearchDepth {
	case DepthQuick, DepthStandard, DepthDeep:
	default:
		plan.ResearchDepth = DepthStandard
	}
	if len(plan.Outputs) == 0 {
		plan.Outputs = []string{"text"}
	}
	return plan, nil
}

// followUpCues are phrasings that mark a message as continuing an earlier
// exchange rather than opening a new task.
var followUpCues = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(and|also|what about|how about|ok but|now)\b`),
	regexp.MustCompile(`(?i)\b(you (said|mentioned)|as (you|we) discussed|earlier|previous(ly)?|the same|those|that one)\b`),
	regexp.MustCompile(`(?i)^(more|again|continue|go on)\b`),
}

var domainKeywords = map[string][]string{
	"supply_chain":   {"supplier", "suppliers", "procurement", "sourcing", "moq", "logistics", "wholesale"},
	"sustainability": {"sustainable", "sustainability", "eco-friendly", "organic", "recycled", "carbon"},
	"textile":        {"denim", "fabric", "textile", "garment", "apparel", "cotton"},
	"finance":        {"stock", "investment", "valuation", "funding", "interest rate", "ipo"},
	"technology":     {"software", "ai", "startup", "saas", "cloud", "hardware"},
	"healthcare":     {"health", "medical", "clinical", "pharma", "patient"},
	"energy":         {"solar", "wind", "battery", "energy", "renewable", "grid"},
}

var formatKeywords = map[string][]string{
	"table":        {"table", "spreadsheet", "excel", "xlsx", "csv", "comparison chart"},
	"document":     {"report", "document", "whitepaper", "pdf", "docx", "write-up"},
	"presentation": {"presentation", "slides", "deck", "pptx", "powerpoint"},
}

var geographyKeywords = map[string][]string{
	"europe":        {"europe", "european", "eu "},
	"north_america": {"usa", "united states", "north america", "canada", "american"},
	"asia":          {"asia", "china", "india", "japan", "southeast asia", "vietnam"},
	"latin_america": {"latin america", "brazil", "mexico", "south america"},
	"middle_east":   {"middle east", "uae", "saudi", "gulf"},
	"africa":        {"africa", "african", "nigeria", "kenya"},
}

var timeContextKeywords = []struct {
	cue     string
	context string
}{
	{"latest", "recent"},
	{"current", "recent"},
	{"recent", "recent"},
	{"this year", fmt.Sprintf("%d", time.Now().Year())},
	{"today", "today"},
	{"last month", "last_month"},
	{"trend", "recent"},
}

// enhancePlan applies the deterministic keyword passes to a model-produced
// plan. Keyword hits are unioned into the model's output.
func enhancePlan(plan *TaskPlan, request string) {
	lower := strings.ToLower(request)

	if !plan.IsFollowUp {
		for _, cue := range followUpCues {
			if cue.MatchString(request) {
				plan.IsFollowUp = true
				break
			}
		}
		// Short messages with no standalone question shape read as follow-ups.
		if !plan.IsFollowUp && len(strings.Fields(request)) <= 3 && !strings.Contains(lower, "?") {
			plan.IsFollowUp = true
		}
	}

	for domain, kws := range domainKeywords {
		if containsAny(lower, kws) {
			plan.Domains = appendUnique(plan.Domains, domain)
		}
	}
	for format, kws := range formatKeywords {
		if containsAny(lower, kws) {
			plan.Outputs = appendUnique(plan.Outputs, format)
		}
	}
	for geo, kws := range geographyKeywords {
		if containsAny(lower, kws) {
			plan.Geography = appendUnique(plan.Geography, geo)
		}
	}
	if plan.TimeContext == "" {
		for _, tc := range timeContextKeywords {
			if strings.Contains(lower, tc.cue) {
				plan.TimeContext = tc.context
				break
			}
		}
	}
}

// planConfidence is a weighted presence check over the fields that make a
// plan actionable.
func planConfidence(plan TaskPlan) float64 {
	conf := 0.3
	if strings.TrimSpace(plan.Intent) != "" {
		conf += 0.3
	}
	if len(plan.Domains) > 0 {
		conf += 0.2
	}
	if len(plan.SearchQueries) > 0 {
		conf += 0.2
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
