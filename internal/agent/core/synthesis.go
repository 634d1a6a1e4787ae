package core

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
)

// SynthesisGenerator writes the final narrative report and compiles the
// deduplicated source list handed back to the caller.
type SynthesisGenerator struct {
	gateway    CompletionGateway
	model      string
	maxSources int
	logger     *log.Logger
}

func NewSynthesisGenerator(gateway CompletionGateway, model string, maxSources int) *SynthesisGenerator {
	if maxSources <= 0 {
		maxSources = 24
	}
	return &SynthesisGenerator{
		gateway:    gateway,
		model:      model,
		maxSources: maxSources,
		logger:     log.New(log.Writer(), "[SYNTHESIS] ", log.LstdFlags),
	}
}

const synthesisSystemPrompt = `You write the final research report.
Rules:
- Flowing prose organized under the outline sections.
- NEVER use inline numeric citation markers like [1] or (2).
- Do not include any tables in the prose; tables are appended separately.
- Ground every claim in the provided findings. State uncertainty plainly.`

// inlineCitation matches the bracketed/parenthesized numeric markers the
// formatting rules forbid.
var inlineCitation = regexp.MustCompile(`\[\d+\]|\(\d+\)`)

// Synthesize produces the report text plus the compiled source list. Tables
// are rendered only as trailing summaries after all prose; a table that
// would render malformed is omitted entirely.
func (g *SynthesisGenerator) Synthesize(ctx context.Context, bp ReasoningBlueprint, results []ResearchResult, structured StructuredOutput) (string, []ResearchSource, error) {
	comp, err := g.gateway.Complete(ctx, synthesisSystemPrompt, g.buildPrompt(bp, results, structured), g.model, GenOptions{Temperature: 0.4, MaxTokens: 2500})
	if err != nil {
		return "", nil, fmt.Errorf("synthesizing report: %w", err)
	}
	report, sources := g.finishReport(comp.Content, results, structured)
	return report, sources, nil
}

// buildPrompt assembles the synthesis user prompt. The async background
// path uses it too, so both paths feed the model identical context.
func (g *SynthesisGenerator) buildPrompt(bp ReasoningBlueprint, results []ResearchResult, structured StructuredOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", bp.TaskSummary)
	if bp.ResponseStyle != "" {
		fmt.Fprintf(&sb, "Style: %s\n", bp.ResponseStyle)
	}
	if len(structured.ReportOutline) > 0 {
		sb.WriteString("\nOutline:\n")
		for _, sec := range structured.ReportOutline {
			fmt.Fprintf(&sb, "- %s: %s\n", sec.Section, sec.Content)
		}
	}
	if len(structured.KeyFindings) > 0 {
		sb.WriteString("\nKey findings:\n")
		for _, kf := range structured.KeyFindings {
			fmt.Fprintf(&sb, "- %s\n", kf)
		}
	}
	sb.WriteString("\nResearch:\n")
	for _, res := range results {
		fmt.Fprintf(&sb, "Q: %s\n", res.Question)
		if res.Synthesis != "" {
			fmt.Fprintf(&sb, "%s\n", res.Synthesis)
		}
		for i, src := range res.Sources {
			if i >= 3 {
				break
			}
			fmt.Fprintf(&sb, "  source: %s (%s)\n", src.Title, src.URL)
		}
	}

	return sb.String()
}

// finishReport applies the formatting rules to raw model output: strip
// inline citation markers, append table summaries, compile the source list.
func (g *SynthesisGenerator) finishReport(content string, results []ResearchResult, structured StructuredOutput) (string, []ResearchSource) {
	report := strings.TrimSpace(inlineCitation.ReplaceAllString(content, ""))
	if tables := renderTables(structured.Tables); tables != "" {
		report = report + "\n\n" + tables
	}
	return report, g.compileSources(results)
}

// renderTables renders structured tables as trailing markdown. Tables with
// inconsistent row widths are skipped rather than emitted broken.
func renderTables(tables []Table) string {
	var sb strings.Builder
	for _, t := range tables {
		if len(t.Columns) == 0 {
			continue
		}
		malformed := false
		for _, row := range t.Rows {
			if len(row) != len(t.Columns) {
				malformed = true
				break
			}
		}
		if malformed {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "### %s\n\n", t.Name)
		sb.WriteString("| " + strings.Join(t.Columns, " | ") + " |\n")
		sb.WriteString("|" + strings.Repeat(" --- |", len(t.Columns)) + "\n")
		for _, row := range t.Rows {
			sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// compileSources unions all question sources, deduplicates by URL, sorts by
// descending relevance and caps the list.
func (g *SynthesisGenerator) compileSources(results []ResearchResult) []ResearchSource {
	var all []ResearchSource
	for _, res := range results {
		all = append(all, res.Sources...)
	}
	sources := dedupeByURL(all)
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].RelevanceScore > sources[j].RelevanceScore
	})
	if len(sources) > g.maxSources {
		sources = sources[:g.maxSources]
	}
	return sources
}
