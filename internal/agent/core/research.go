package core

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

// ResearchExecutor fans research questions out across the configured
// providers, then merges, deduplicates, ranks and bounds the results.
// Provider failures are per-question, per-provider: a question only comes
// back empty when every provider failed for it, and the executor only
// hard-fails when no providers are configured at all.
type ResearchExecutor struct {
	providers     []ResearchProvider
	fetcher       ContentFetcher
	gateway       CompletionGateway
	model         string
	maxSources    int
	maxConcurrent int
	deepFetchLim  int
	onCall        func(provider string, success bool)
	logger        *log.Logger
}

type ResearchExecutorOptions struct {
	MaxSources     int
	MaxConcurrent  int
	DeepFetchLimit int
	// OnProviderCall observes every provider search and its outcome, for
	// telemetry. May be nil.
	OnProviderCall func(provider string, success bool)
}

func NewResearchExecutor(providers []ResearchProvider, fetcher ContentFetcher, gateway CompletionGateway, model string, opts ResearchExecutorOptions) *ResearchExecutor {
	if opts.MaxSources <= 0 {
		opts.MaxSources = 24
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.DeepFetchLimit <= 0 {
		opts.DeepFetchLimit = 3
	}
	return &ResearchExecutor{
		providers:     providers,
		fetcher:       fetcher,
		gateway:       gateway,
		model:         model,
		maxSources:    opts.MaxSources,
		maxConcurrent: opts.MaxConcurrent,
		deepFetchLim:  opts.DeepFetchLimit,
		onCall:        opts.OnProviderCall,
		logger:        log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
}

// Execute runs every research question and returns one result per question
// plus aggregate stats. Question order in the output matches the input.
func (r *ResearchExecutor) Execute(ctx context.Context, questions []string, plan TaskPlan) ([]ResearchResult, ResearchStats, error) {
	if len(r.providers) == 0 {
		return nil, ResearchStats{}, fmt.Errorf("no research providers configured")
	}
	if len(questions) == 0 {
		return nil, ResearchStats{}, nil
	}

	perQuestion := int(math.Ceil(float64(r.maxSources) / float64(len(questions))))

	results := make([]ResearchResult, len(questions))
	var statsMu sync.Mutex
	providerCalls := make(map[string]int)

	sem := make(chan struct{}, r.maxConcurrent)
	var wg sync.WaitGroup
	for i, q := range questions {
		wg.Add(1)
		go func(idx int, question string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, calls := r.executeQuestion(ctx, question, plan, perQuestion)
			results[idx] = res

			statsMu.Lock()
			for name, n := range calls {
				providerCalls[name] += n
			}
			statsMu.Unlock()
		}(i, q)
	}
	wg.Wait()

	stats := ResearchStats{ProviderCalls: providerCalls}
	var confSum float64
	for _, res := range results {
		stats.SourceCount += len(res.Sources)
		confSum += res.Confidence
	}
	if len(results) > 0 {
		stats.AvgConfidence = confSum / float64(len(results))
	}
	return results, stats, nil
}

func (r *ResearchExecutor) executeQuestion(ctx context.Context, question string, plan TaskPlan, perQuestion int) (ResearchResult, map[string]int) {
	calls := make(map[string]int)
	opts := SearchOptions{Limit: perQuestion}
	if plan.TimeContext != "" {
		opts.RecencyDays = 30
	}

	var merged []ResearchSource
	for _, p := range r.providers {
		if ctx.Err() != nil {
			break
		}
		calls[p.Name()]++
		sources, err := p.Search(ctx, question, opts)
		if r.onCall != nil {
			r.onCall(p.Name(), err == nil)
		}
		if err != nil {
			r.logger.Printf("provider %s failed for question %q: %v", p.Name(), question, err)
			continue
		}
		merged = append(merged, sources...)
	}

	sources := dedupeByURL(merged)
	scoreRelevance(question, sources)
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].RelevanceScore > sources[j].RelevanceScore
	})
	if len(sources) > perQuestion {
		sources = sources[:perQuestion]
	}

	if plan.ResearchDepth == DepthDeep && r.fetcher != nil {
		r.enrichTopSources(ctx, sources)
	}

	synthesis := r.synthesizeQuestion(ctx, question, sources)

	hasSynthesis := 0.0
	if synthesis != "" {
		hasSynthesis = 1.0
	}
	confidence := math.Min(0.95, 0.5+0.05*float64(len(sources))+0.2*hasSynthesis)

	return ResearchResult{
		Question:   question,
		Sources:    sources,
		Synthesis:  synthesis,
		Confidence: confidence,
	}, calls
}

// enrichTopSources fetches full content for up to deepFetchLim top-ranked
// sources that only have a snippet. Fetch failures leave the source as-is.
func (r *ResearchExecutor) enrichTopSources(ctx context.Context, sources []ResearchSource) {
	fetched := 0
	for i := range sources {
		if fetched >= r.deepFetchLim {
			break
		}
		if sources[i].Content != "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		fetched++
		page, err := r.fetcher.Fetch(ctx, sources[i].URL)
		if err != nil {
			r.logger.Printf("deep fetch failed for %s: %v", sources[i].URL, err)
			continue
		}
		sources[i].Content = page.Content
		sources[i].SourceType = SourceCrawl
		if sources[i].Title == "" {
			sources[i].Title = page.Title
		}
	}
}

// synthesizeQuestion asks the model for a short per-question synthesis of
// the gathered evidence. Failures are non-fatal: the question just carries
// no synthesis and a lower confidence.
func (r *ResearchExecutor) synthesizeQuestion(ctx context.Context, question string, sources []ResearchSource) string {
	if r.gateway == nil || len(sources) == 0 || ctx.Err() != nil {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nEvidence:\n", question)
	for i, s := range sources {
		if i >= 6 {
			break
		}
		body := s.Snippet
		if s.Content != "" {
			body = truncate(s.Content, 800)
		}
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", s.URL, s.Title, body)
	}

	comp, err := r.gateway.Complete(ctx,
		"Summarize what the evidence says about the question in 2-4 sentences. Only state what the evidence supports.",
		sb.String(), r.model, GenOptions{Temperature: 0.2, MaxTokens: 300})
	if err != nil {
		r.logger.Printf("per-question synthesis failed for %q: %v", question, err)
		return ""
	}
	return strings.TrimSpace(comp.Content)
}

// dedupeByURL drops later duplicates of the same normalized URL. First
// occurrence wins.
func dedupeByURL(sources []ResearchSource) []ResearchSource {
	seen := make(map[string]struct{}, len(sources))
	out := make([]ResearchSource, 0, len(sources))
	for _, s := range sources {
		key := normalizeSourceURL(s.URL)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// normalizeSourceURL collapses scheme/host casing and trailing-slash noise
// so the same page never appears twice.
func normalizeSourceURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimRight(raw, "/"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// scoreRelevance ranks sources against the question with a throwaway
// in-memory full-text index. Scores are normalized to (0,1]; sources the
// index does not match keep a small floor score so they sort behind hits
// but are not discarded.
func scoreRelevance(question string, sources []ResearchSource) {
	for i := range sources {
		if sources[i].RelevanceScore == 0 {
			sources[i].RelevanceScore = 0.1
		}
	}
	if len(sources) == 0 {
		return
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return
	}
	defer index.Close()

	byURL := make(map[string]int, len(sources))
	for i, s := range sources {
		byURL[s.URL] = i
		doc := map[string]string{"title": s.Title, "snippet": s.Snippet}
		if err := index.Index(s.URL, doc); err != nil {
			return
		}
	}

	query := bleve.NewMatchQuery(question)
	req := bleve.NewSearchRequestOptions(query, len(sources), 0, false)
	res, err := index.Search(req)
	if err != nil || len(res.Hits) == 0 {
		return
	}

	maxScore := res.Hits[0].Score
	if maxScore <= 0 {
		return
	}
	for _, hit := range res.Hits {
		if i, ok := byURL[hit.ID]; ok {
			sources[i].RelevanceScore = 0.1 + 0.9*(hit.Score/maxScore)
		}
	}
}
