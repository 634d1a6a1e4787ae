package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// StructuringEngine turns research results into machine-usable structures:
// tables, a report outline and a key-findings list. Degradation is silent:
// a failed model call produces an empty-but-valid StructuredOutput so the
// synthesis phase always runs.
type StructuringEngine struct {
	gateway CompletionGateway
	model   string
	logger  *log.Logger
}

func NewStructuringEngine(gateway CompletionGateway, model string) *StructuringEngine {
	return &StructuringEngine{
		gateway: gateway,
		model:   model,
		logger:  log.New(log.Writer(), "[STRUCTURING] ", log.LstdFlags),
	}
}

const structuringSystemPrompt = `You extract structured data from research findings.
Respond with ONLY a JSON object:
{
  "tables": [{"name": "...", "columns": ["..."], "rows": [["..."]]}],
  "report_outline": [{"section": "...", "content": "...", "key_points": ["..."]}],
  "key_findings": ["..."]
}
Only include tables when the data structure plan asks for them and the
evidence supports real rows. Never invent values absent from the evidence.`

// Context bounds per structuring call.
const (
	structuringTopSources = 3
	structuringSnippetLen = 400
)

// Structure runs the single structured-generation call over a bounded
// context slice of the research results. The task plan's requested output
// formats bound what comes back: tables are only kept when the plan or the
// blueprint's data structure plan actually asks for them.
func (s *StructuringEngine) Structure(ctx context.Context, plan TaskPlan, bp ReasoningBlueprint, results []ResearchResult) StructuredOutput {
	if ctx.Err() != nil {
		return emptyStructured()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\nData structure plan: %s\n", bp.TaskSummary, mustJSON(bp.DataStructurePlan))
	if len(plan.Outputs) > 0 {
		fmt.Fprintf(&sb, "Requested output formats: %s\n", strings.Join(plan.Outputs, ", "))
	}
	sb.WriteString("\nFindings:\n")
	for _, res := range results {
		fmt.Fprintf(&sb, "Q: %s\n", res.Question)
		if res.Synthesis != "" {
			fmt.Fprintf(&sb, "Synthesis: %s\n", res.Synthesis)
		}
		for i, src := range res.Sources {
			if i >= structuringTopSources {
				break
			}
			fmt.Fprintf(&sb, "- %s: %s\n", src.Title, truncate(src.Snippet, structuringSnippetLen))
		}
		sb.WriteString("\n")
	}

	comp, err := s.gateway.Complete(ctx, structuringSystemPrompt, sb.String(), s.model, GenOptions{Temperature: 0.2, MaxTokens: 1800})
	if err != nil {
		s.logger.Printf("structuring call failed, returning empty structure: %v", err)
		return emptyStructured()
	}

	raw, err := extractFirstJSON(comp.Content)
	if err != nil {
		s.logger.Printf("unparseable structuring output, returning empty structure: %v", err)
		return emptyStructured()
	}

	var out StructuredOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Printf("invalid structuring JSON, returning empty structure: %v", err)
		return emptyStructured()
	}

	out.Tables = dropMalformedTables(out.Tables)
	if !wantsTables(plan, bp) {
		out.Tables = nil
	}
	if out.Tables == nil {
		out.Tables = []Table{}
	}
	if out.ReportOutline == nil {
		out.ReportOutline = []OutlineSection{}
	}
	if out.KeyFindings == nil {
		out.KeyFindings = []string{}
	}
	return out
}

// wantsTables reports whether any requested output format calls for
// tabular data.
func wantsTables(plan TaskPlan, bp ReasoningBlueprint) bool {
	if len(bp.DataStructurePlan.Tables) > 0 {
		return true
	}
	for _, out := range plan.Outputs {
		if strings.EqualFold(out, "table") || strings.EqualFold(out, "spreadsheet") {
			return true
		}
	}
	return false
}

// dropMalformedTables removes tables whose rows do not match the column
// count; a broken table is worse than no table.
func dropMalformedTables(tables []Table) []Table {
	out := tables[:0]
	for _, t := range tables {
		if t.Name == "" || len(t.Columns) == 0 {
			continue
		}
		ok := true
		for _, row := range t.Rows {
			if len(row) != len(t.Columns) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

func emptyStructured() StructuredOutput {
	return StructuredOutput{
		Tables:        []Table{},
		ReportOutline: []OutlineSection{},
		KeyFindings:   []string{},
	}
}
