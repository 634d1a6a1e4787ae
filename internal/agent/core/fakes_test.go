package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/deepbrief/internal/budget"
)

// fakeGateway routes completion calls to a test-provided function.
type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	complete func(call int, systemPrompt, userPrompt, model string) (Completion, error)
}

func (f *fakeGateway) Complete(ctx context.Context, systemPrompt, userPrompt, model string, opts GenOptions) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	comp, err := f.complete(call, systemPrompt, userPrompt, model)
	if err == nil {
		RecordModelUsed(ctx, comp.Label())
		RecordUsage(ctx, comp.InputTokens, comp.OutputTokens, f.CalculateCost(comp.InputTokens, comp.OutputTokens, model))
	}
	return comp, err
}

func (f *fakeGateway) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return 0
}

// jsonGateway answers every call with the same content.
func jsonGateway(content string) *fakeGateway {
	return &fakeGateway{complete: func(call int, system, user, model string) (Completion, error) {
		return Completion{Content: content, Provider: "fake", Model: model}, nil
	}}
}

// captureGateway stores the user prompt of the first call and answers every
// call with the same content.
func captureGateway(userPrompt *string, content string) *fakeGateway {
	return &fakeGateway{complete: func(call int, system, user, model string) (Completion, error) {
		if call == 1 {
			*userPrompt = user
		}
		return Completion{Content: content, Provider: "fake", Model: model}, nil
	}}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// failingGateway fails every call.
func failingGateway() *fakeGateway {
	return &fakeGateway{complete: func(call int, system, user, model string) (Completion, error) {
		return Completion{}, fmt.Errorf("provider down")
	}}
}

// fakeProvider returns a fixed source list, or an error.
type fakeProvider struct {
	name    string
	sources []ResearchSource
	err     error
	mu      sync.Mutex
	calls   int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Search(ctx context.Context, query string, opts SearchOptions) ([]ResearchSource, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make([]ResearchSource, len(p.sources))
	copy(out, p.sources)
	return out, nil
}

// fakeFetcher serves canned page content by URL. failOn, when non-zero,
// fails that call (1-based) regardless of URL.
type fakeFetcher struct {
	pages  map[string]FetchedContent
	failOn int
	mu     sync.Mutex
	calls  []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (FetchedContent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	n := len(f.calls)
	f.mu.Unlock()
	if f.failOn != 0 && n == f.failOn {
		return FetchedContent{}, fmt.Errorf("fetch timeout")
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return FetchedContent{Content: "fetched content for " + url}, nil
}

// memLedger is an in-memory credit ledger.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	deducts  int
}

func newMemLedger(userID string, balance int64) *memLedger {
	return &memLedger{balances: map[string]int64{userID: balance}}
}

func (l *memLedger) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *memLedger) Deduct(ctx context.Context, userID string, amount int64, runID string) (budget.DeductResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balances[userID]
	if bal < amount {
		return budget.DeductResult{}, budget.ErrInsufficientCredits{Required: amount, Available: bal}
	}
	l.balances[userID] = bal - amount
	l.deducts++
	return budget.DeductResult{Deducted: amount, Balance: bal - amount}, nil
}

func src(url, title, snippet string) ResearchSource {
	return ResearchSource{URL: url, Title: title, Snippet: snippet, SourceType: SourceSearch}
}

func drainEvents(ch <-chan ProgressEvent) []ProgressEvent {
	var out []ProgressEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}
