package web_fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/deepbrief/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/deepbrief/tools/web_fetch/models"
)

const (
	DefaultTimeoutMS = 15000
	MaxCharsDefault  = 20000
)

// WebFetcher retrieves and extracts the readable content of one page.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	ChromedpFetcherType FetcherType = "chromedp"
)

func NewWebFetcher(fetcherType FetcherType, timeoutMS time.Duration, maxChars int) (WebFetcher, error) {
	if timeoutMS <= 0 {
		timeoutMS = DefaultTimeoutMS * time.Millisecond
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}

	switch fetcherType {
	case ChromedpFetcherType:
		return &chromedp.Fetch{TimeoutMS: timeoutMS, MaxChars: maxChars}, nil
	default:
		return nil, fmt.Errorf("web fetch: unsupported fetcher type %q", fetcherType)
	}
}
