package core

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/deepbrief/config"
	"github.com/mohammad-safakhou/deepbrief/tools/web_fetch"
	websearch "github.com/mohammad-safakhou/deepbrief/tools/web_search"
	wsmodels "github.com/mohammad-safakhou/deepbrief/tools/web_search/models"
)

// NewResearchProviders builds one ResearchProvider per configured search
// vendor. Vendors with no credentials are skipped, not errors; the caller
// decides whether an empty set is acceptable.
func NewResearchProviders(cfg config.ResearchConfig) ([]ResearchProvider, error) {
	var providers []ResearchProvider

	if cfg.WebSearch.BraveAPIKey != "" {
		s, err := websearch.NewWebSearcher(websearch.BraveProvider, cfg.WebSearch.BraveAPIKey)
		if err != nil {
			return nil, fmt.Errorf("building brave provider: %w", err)
		}
		providers = append(providers, &searchProvider{name: "brave", searcher: s, maxResults: cfg.WebSearch.MaxResults})
	}
	if cfg.WebSearch.SerperAPIKey != "" {
		s, err := websearch.NewWebSearcher(websearch.SerperProvider, cfg.WebSearch.SerperAPIKey)
		if err != nil {
			return nil, fmt.Errorf("building serper provider: %w", err)
		}
		providers = append(providers, &searchProvider{name: "serper", searcher: s, maxResults: cfg.WebSearch.MaxResults})
	}

	return providers, nil
}

// NewContentFetcher builds the deep-fetch collaborator, or nil when deep
// fetching is not configured.
func NewContentFetcher(cfg config.FetchConfig) (ContentFetcher, error) {
	fetcher, err := web_fetch.NewWebFetcher(web_fetch.ChromedpFetcherType, cfg.TimeoutMS, cfg.MaxChars)
	if err != nil {
		return nil, err
	}
	return &fetchAdapter{fetcher: fetcher}, nil
}

// searchProvider adapts a web_search vendor to the ResearchProvider shape.
type searchProvider struct {
	name       string
	searcher   websearch.WebSearcher
	maxResults int
}

func (p *searchProvider) Name() string { return p.name }

func (p *searchProvider) Search(ctx context.Context, query string, opts SearchOptions) ([]ResearchSource, error) {
	limit := opts.Limit
	if limit <= 0 || (p.maxResults > 0 && limit > p.maxResults) {
		limit = p.maxResults
	}
	hits, err := p.searcher.Discover(ctx, wsmodels.Query{
		Text:        query,
		Limit:       limit,
		Sites:       opts.Domains,
		RecencyDays: opts.RecencyDays,
	})
	if err != nil {
		return nil, err
	}

	sources := make([]ResearchSource, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, ResearchSource{
			URL:          h.URL,
			Title:        h.Title,
			Snippet:      h.Snippet,
			SourceType:   SourceSearch,
			Timestamp:    time.Now(),
			ProviderUsed: p.name,
		})
	}
	return sources, nil
}

// fetchAdapter adapts a WebFetcher to the ContentFetcher shape.
type fetchAdapter struct {
	fetcher web_fetch.WebFetcher
}

func (f *fetchAdapter) Fetch(ctx context.Context, url string) (FetchedContent, error) {
	res, err := f.fetcher.Exec(ctx, url)
	if err != nil {
		return FetchedContent{}, err
	}
	if res.Text == "" {
		return FetchedContent{}, fmt.Errorf("no readable content at %s", url)
	}
	return FetchedContent{
		Content:     res.Text,
		Title:       res.Title,
		Description: res.Description,
	}, nil
}
