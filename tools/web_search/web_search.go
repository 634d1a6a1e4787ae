package web_search

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/deepbrief/tools/web_search/brave"
	"github.com/mohammad-safakhou/deepbrief/tools/web_search/models"
	"github.com/mohammad-safakhou/deepbrief/tools/web_search/serper"
)

// WebSearcher is one search vendor behind a uniform query shape.
type WebSearcher interface {
	Discover(ctx context.Context, q models.Query) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("web search: %s: api key required", provider)
	}
	switch provider {
	case SerperProvider:
		return serper.Search{APIKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{APIKey: apiKey}, nil
	default:
		return nil, fmt.Errorf("web search: unsupported provider %q", provider)
	}
}
