package core

import (
	"context"
	"encoding/json"
	"log"
	"strings"
)

// Classifier decides what kind of request this is before any expensive work
// starts. A low-confidence or explicitly ambiguous classification short
// circuits the whole pipeline into a clarification response.
type Classifier struct {
	gateway CompletionGateway
	model   string
	logger  *log.Logger
}

func NewClassifier(gateway CompletionGateway, model string) *Classifier {
	return &Classifier{
		gateway: gateway,
		model:   model,
		logger:  log.New(log.Writer(), "[CLASSIFIER] ", log.LstdFlags),
	}
}

const classifierSystemPrompt = `You classify user requests for a research assistant.
Respond with ONLY a JSON object:
{
  "primary": "personal_emotional|technical|academic|professional_business|general_factual|creative",
  "secondary": "optional second category or empty string",
  "confidence": 0.0-1.0,
  "is_ambiguous": true|false,
  "clarifying_question": "exactly one question if ambiguous, else empty"
}
Mark is_ambiguous true when the request could mean several very different
things and you cannot tell which. In that case provide one short clarifying
question.`

// Classify runs the single-shot classification call. It never hard-fails:
// on any provider or parse error it falls back to keyword heuristics, so
// classification is never the reason a run dies.
func (c *Classifier) Classify(ctx context.Context, request string) Classification {
	comp, err := c.gateway.Complete(ctx, classifierSystemPrompt, request, c.model, GenOptions{Temperature: 0.1, MaxTokens: 300})
	if err != nil {
		c.logger.Printf("model classification failed, using heuristics: %v", err)
		return c.heuristicClassify(request)
	}

	raw, err := extractFirstJSON(comp.Content)
	if err != nil {
		c.logger.Printf("unparseable classification, using heuristics: %v", err)
		return c.heuristicClassify(request)
	}

	var out struct {
		Primary            string  `json:"primary"`
		Secondary          string  `json:"secondary"`
		Confidence         float64 `json:"confidence"`
		IsAmbiguous        bool    `json:"is_ambiguous"`
		ClarifyingQuestion string  `json:"clarifying_question"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		c.logger.Printf("invalid classification JSON, using heuristics: %v", err)
		return c.heuristicClassify(request)
	}

	cls := Classification{
		Primary:            normalizeIntent(out.Primary),
		Secondary:          normalizeIntent(out.Secondary),
		Confidence:         out.Confidence,
		IsAmbiguous:        out.IsAmbiguous,
		ClarifyingQuestion: strings.TrimSpace(out.ClarifyingQuestion),
	}

	// Low confidence is ambiguity even when the model did not say so.
	if cls.Confidence < AmbiguityThreshold {
		cls.IsAmbiguous = true
	}
	if cls.IsAmbiguous && cls.ClarifyingQuestion == "" {
		cls.ClarifyingQuestion = "Could you tell me a bit more about what you're looking for?"
	}
	return cls
}

// intentKeywords maps each category to cue words checked against the
// lowercased request. Order matters: first category with a hit wins.
var intentKeywords = []struct {
	intent   IntentCategory
	keywords []string
}{
	{IntentPersonalEmotional, []string{"i feel", "i'm feeling", "my relationship", "anxious", "stressed", "advice for me", "should i quit", "lonely", "overwhelmed"}},
	{IntentTechnical, []string{"code", "api", "debug", "error", "software", "database", "deploy", "kubernetes", "algorithm", "programming"}},
	{IntentAcademic, []string{"research paper", "literature review", "study", "thesis", "academic", "peer-reviewed", "citation", "journal"}},
	{IntentProfessionalBusiness, []string{"market", "supplier", "business", "competitor", "revenue", "strategy", "industry", "vendor", "b2b", "procurement", "pricing"}},
	{IntentCreative, []string{"write a story", "poem", "creative", "brainstorm", "slogan", "design ideas", "name for my"}},
}

// heuristicClassify is the keyword-table fallback used when the model call
// fails. Confidence is fixed above the ambiguity threshold so a provider
// outage does not masquerade as an ambiguous request.
func (c *Classifier) heuristicClassify(request string) Classification {
	lower := strings.ToLower(request)
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return Classification{Primary: entry.intent, Confidence: 0.75}
			}
		}
	}
	return Classification{Primary: IntentGeneralFactual, Confidence: 0.7}
}

func normalizeIntent(s string) IntentCategory {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "personal_emotional", "personal", "emotional":
		return IntentPersonalEmotional
	case "technical":
		return IntentTechnical
	case "academic":
		return IntentAcademic
	case "professional_business", "business", "professional":
		return IntentProfessionalBusiness
	case "creative":
		return IntentCreative
	case "":
		return ""
	default:
		return IntentGeneralFactual
	}
}
