package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepbrief/config"
)

// ProviderError is a failed completion call with the upstream HTTP status
// attached so callers can decide whether a fallback attempt is worthwhile.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the error class is worth retrying against a
// secondary provider. Quota and rate-limit errors are not: the account is
// out of capacity and a second provider call would just burn more of it.
func (e ProviderError) Retryable() bool {
	if e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status == http.StatusNotFound || e.Status == http.StatusForbidden || e.Status >= 500
}

type modelUsedKey struct{}

type modelUsedHolder struct {
	mu           sync.Mutex
	label        string
	inputTokens  int64
	outputTokens int64
	cost         float64
}

// WithModelUsedTracking attaches a slot to the context that records which
// provider/model actually answered the run's completion calls. After a
// fallback the slot holds the secondary, not the configured primary.
func WithModelUsedTracking(ctx context.Context) context.Context {
	return context.WithValue(ctx, modelUsedKey{}, &modelUsedHolder{})
}

// RecordModelUsed notes the backend that served a successful completion.
func RecordModelUsed(ctx context.Context, label string) {
	h, ok := ctx.Value(modelUsedKey{}).(*modelUsedHolder)
	if !ok {
		return
	}
	h.mu.Lock()
	h.label = label
	h.mu.Unlock()
}

func modelUsedFromContext(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(modelUsedKey{}).(*modelUsedHolder)
	if !ok {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.label, h.label != ""
}

// RecordUsage accumulates token counts and dollar cost across the run's
// completion calls so run telemetry can report real spend.
func RecordUsage(ctx context.Context, inputTokens, outputTokens int64, cost float64) {
	h, ok := ctx.Value(modelUsedKey{}).(*modelUsedHolder)
	if !ok {
		return
	}
	h.mu.Lock()
	h.inputTokens += inputTokens
	h.outputTokens += outputTokens
	h.cost += cost
	h.mu.Unlock()
}

func usageFromContext(ctx context.Context) (tokens int64, cost float64) {
	h, ok := ctx.Value(modelUsedKey{}).(*modelUsedHolder)
	if !ok {
		return 0, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inputTokens + h.outputTokens, h.cost
}

// Gateway routes completion calls through an ordered provider chain. The
// first provider is the primary; on a retryable failure the call is retried
// exactly once against the next provider in the chain.
type Gateway struct {
	providers []*httpProvider
	logger    *log.Logger
}

// NewGateway builds a gateway from the ordered provider list in config.
func NewGateway(cfg config.LLMConfig) (*Gateway, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no completion providers configured")
	}
	g := &Gateway{logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)}
	for _, pc := range cfg.Providers {
		p, err := newHTTPProvider(pc)
		if err != nil {
			return nil, err
		}
		g.providers = append(g.providers, p)
	}
	return g, nil
}

// Complete runs one prompt through the provider chain. The returned
// Completion records which provider and model actually answered, so run
// metadata reflects the real backend even after a fallback.
func (g *Gateway) Complete(ctx context.Context, systemPrompt, userPrompt, model string, opts GenOptions) (Completion, error) {
	var lastErr error
	for i, p := range g.providers {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		comp, err := p.complete(ctx, systemPrompt, userPrompt, model, opts)
		if err == nil {
			RecordModelUsed(ctx, comp.Label())
			RecordUsage(ctx, comp.InputTokens, comp.OutputTokens, g.CalculateCost(comp.InputTokens, comp.OutputTokens, model))
			return comp, nil
		}
		lastErr = err

		var perr ProviderError
		if errors.As(err, &perr) {
			if !perr.Retryable() {
				return Completion{}, err
			}
			if i < len(g.providers)-1 {
				g.logger.Printf("provider %s failed (status %d), falling back to %s", p.name, perr.Status, g.providers[i+1].name)
			}
			continue
		}
		// Transport-level failure: connection refused, client timeout. The
		// provider never answered, which is the unavailability class a
		// secondary exists for. Context cancellation is the caller's, not
		// the provider's.
		if ctx.Err() != nil {
			return Completion{}, err
		}
		if i < len(g.providers)-1 {
			g.logger.Printf("provider %s unreachable (%v), falling back to %s", p.name, err, g.providers[i+1].name)
		}
	}
	return Completion{}, fmt.Errorf("all completion providers failed: %w", lastErr)
}

// CalculateCost converts token usage into dollars using the primary
// provider's price table for the model key.
func (g *Gateway) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	for _, p := range g.providers {
		if m, ok := p.models[model]; ok {
			return float64(inputTokens)/1000*m.CostPer1K + float64(outputTokens)/1000*m.CostPer1KOutput
		}
	}
	return 0
}

// httpProvider speaks the OpenAI-compatible chat completions wire format.
type httpProvider struct {
	name    string
	apiKey  string
	baseURL string
	models  map[string]config.LLMModel
	client  *http.Client
}

func newHTTPProvider(cfg config.LLMProvider) (*httpProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key required", cfg.Name)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &httpProvider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  cfg.Models,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *httpProvider) complete(ctx context.Context, systemPrompt, userPrompt, model string, opts GenOptions) (Completion, error) {
	apiModel := model
	if m, ok := p.models[model]; ok && m.APIName != "" {
		apiModel = m.APIName
	}

	var messages []chatMessage
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       apiModel,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Completion{}, ProviderError{Provider: p.name, Status: resp.StatusCode, Body: truncate(string(raw), 300)}
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Completion{}, fmt.Errorf("decoding response: %w", err)
	}
	if cr.Error != nil {
		return Completion{}, ProviderError{Provider: p.name, Status: resp.StatusCode, Body: cr.Error.Message}
	}
	if len(cr.Choices) == 0 {
		return Completion{}, fmt.Errorf("provider %s: empty choices", p.name)
	}

	return Completion{
		Content:      cr.Choices[0].Message.Content,
		InputTokens:  cr.Usage.PromptTokens,
		OutputTokens: cr.Usage.CompletionTokens,
		Provider:     p.name,
		Model:        apiModel,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
