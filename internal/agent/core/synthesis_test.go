package core

import (
	"context"
	"strings"
	"testing"
)

func TestSynthesizeStripsInlineCitations(t *testing.T) {
	gw := jsonGateway("Suppliers in Portugal [1] lead on certifications (2) according to the findings.")
	g := NewSynthesisGenerator(gw, "synth", 10)

	report, _, err := g.Synthesize(context.Background(), ReasoningBlueprint{TaskSummary: "x"}, nil, emptyStructured())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if strings.Contains(report, "[1]") || strings.Contains(report, "(2)") {
		t.Fatalf("inline citation markers must be stripped: %q", report)
	}
}

func TestSynthesizeAppendsTablesAfterProse(t *testing.T) {
	gw := jsonGateway("The market is growing steadily across all segments.")
	g := NewSynthesisGenerator(gw, "synth", 10)

	structured := StructuredOutput{
		Tables: []Table{{
			Name:    "Suppliers",
			Columns: []string{"Name", "Country"},
			Rows:    [][]string{{"Acme Denim", "Portugal"}, {"EcoJeans", "Italy"}},
		}},
	}
	report, _, err := g.Synthesize(context.Background(), ReasoningBlueprint{TaskSummary: "x"}, nil, structured)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	proseEnd := strings.Index(report, "segments.")
	tableStart := strings.Index(report, "### Suppliers")
	if tableStart < 0 {
		t.Fatalf("table missing from report: %q", report)
	}
	if tableStart < proseEnd {
		t.Fatalf("tables must trail all prose")
	}
	if !strings.Contains(report, "| Acme Denim | Portugal |") {
		t.Fatalf("table rows missing: %q", report)
	}
}

func TestSynthesizeOmitsMalformedTables(t *testing.T) {
	gw := jsonGateway("Prose only.")
	g := NewSynthesisGenerator(gw, "synth", 10)

	structured := StructuredOutput{
		Tables: []Table{{
			Name:    "Broken",
			Columns: []string{"A", "B"},
			Rows:    [][]string{{"only one cell"}},
		}},
	}
	report, _, err := g.Synthesize(context.Background(), ReasoningBlueprint{TaskSummary: "x"}, nil, structured)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if strings.Contains(report, "Broken") {
		t.Fatalf("malformed table must be omitted, not rendered: %q", report)
	}
}

func TestSynthesizeCompilesSourceList(t *testing.T) {
	gw := jsonGateway("Report.")
	g := NewSynthesisGenerator(gw, "synth", 3)

	results := []ResearchResult{
		{Question: "q1", Sources: []ResearchSource{
			{URL: "https://a.com", RelevanceScore: 0.9},
			{URL: "https://b.com", RelevanceScore: 0.5},
		}},
		{Question: "q2", Sources: []ResearchSource{
			{URL: "https://a.com", RelevanceScore: 0.3},
			{URL: "https://c.com", RelevanceScore: 0.7},
			{URL: "https://d.com", RelevanceScore: 0.6},
		}},
	}
	_, sources, err := g.Synthesize(context.Background(), ReasoningBlueprint{TaskSummary: "x"}, results, emptyStructured())
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(sources) != 3 {
		t.Fatalf("source list must be capped at 3, got %d", len(sources))
	}
	for i := 1; i < len(sources); i++ {
		if sources[i].RelevanceScore > sources[i-1].RelevanceScore {
			t.Fatalf("compiled sources must sort by descending relevance")
		}
	}
	seen := map[string]bool{}
	for _, s := range sources {
		if seen[s.URL] {
			t.Fatalf("compiled sources must be deduplicated: %s", s.URL)
		}
		seen[s.URL] = true
	}
}
