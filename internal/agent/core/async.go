package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepbrief/config"
)

// asyncHTTPProvider speaks the background-responses wire format: a run is
// started with background=true, polled by id, and cancelled to collect
// whatever partial output exists.
type asyncHTTPProvider struct {
	name    string
	apiKey  string
	baseURL string
	models  map[string]config.LLMModel
	client  *http.Client
}

// newAsyncProvider returns the first configured provider marked for
// background runs, or nil when none is.
func newAsyncProvider(cfg config.LLMConfig) AsyncCompletionProvider {
	for _, pc := range cfg.Providers {
		if !pc.Background || pc.APIKey == "" {
			continue
		}
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		timeout := pc.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		return &asyncHTTPProvider{
			name:    pc.Name,
			apiKey:  pc.APIKey,
			baseURL: strings.TrimRight(baseURL, "/"),
			models:  pc.Models,
			client:  &http.Client{Timeout: timeout},
		}
	}
	return nil
}

type asyncStartRequest struct {
	Model        string `json:"model"`
	Background   bool   `json:"background"`
	Instructions string `json:"instructions,omitempty"`
	Input        string `json:"input"`
}

type asyncResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	OutputText string `json:"output_text"`
	Output     []struct {
		Type string `json:"type"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *asyncHTTPProvider) StartRun(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	apiModel := model
	if m, ok := p.models[model]; ok && m.APIName != "" {
		apiModel = m.APIName
	}
	var resp asyncResponse
	err := p.do(ctx, http.MethodPost, "/responses", asyncStartRequest{
		Model:        apiModel,
		Background:   true,
		Instructions: systemPrompt,
		Input:        userPrompt,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider %s: background run has no id", p.name)
	}
	return resp.ID, nil
}

func (p *asyncHTTPProvider) Poll(ctx context.Context, runID string) (AsyncStatus, error) {
	var resp asyncResponse
	if err := p.do(ctx, http.MethodGet, "/responses/"+runID, nil, &resp); err != nil {
		return AsyncStatus{}, err
	}
	if resp.Status == "failed" {
		msg := "background run failed"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return AsyncStatus{}, fmt.Errorf("provider %s: %s", p.name, msg)
	}
	return AsyncStatus{
		State:     resp.Status,
		ToolCalls: countToolCalls(resp),
		Content:   resp.OutputText,
		Done:      resp.Status == "completed",
	}, nil
}

func (p *asyncHTTPProvider) Finalize(ctx context.Context, runID string) (string, error) {
	var resp asyncResponse
	if err := p.do(ctx, http.MethodPost, "/responses/"+runID+"/cancel", nil, &resp); err != nil {
		return "", err
	}
	return resp.OutputText, nil
}

func (p *asyncHTTPProvider) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ProviderError{Provider: p.name, Status: resp.StatusCode, Body: truncate(string(raw), 300)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func countToolCalls(resp asyncResponse) int {
	n := 0
	for _, item := range resp.Output {
		if strings.HasSuffix(item.Type, "_call") {
			n++
		}
	}
	return n
}
