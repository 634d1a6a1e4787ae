package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepbrief/internal/budget"
)

// scriptedAsync replays a fixed sequence of poll statuses.
type scriptedAsync struct {
	mu        sync.Mutex
	statuses  []AsyncStatus
	startErr  error
	polls     int
	finalized bool
	final     string
}

func (s *scriptedAsync) StartRun(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	return "run-1", nil
}

func (s *scriptedAsync) Poll(ctx context.Context, runID string) (AsyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.polls
	s.polls++
	if idx >= len(s.statuses) {
		return s.statuses[len(s.statuses)-1], nil
	}
	return s.statuses[idx], nil
}

func (s *scriptedAsync) Finalize(ctx context.Context, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return s.final, nil
}

func newPollGate(maxBudget int64) *budget.Gate {
	return budget.NewGate(newMemLedger("u", 1000), "u", "r", maxBudget, budget.Profile{BaseCost: 5, MaxBudget: 100})
}

func TestPollerCompletesNormally(t *testing.T) {
	provider := &scriptedAsync{statuses: []AsyncStatus{
		{State: "working", ToolCalls: 2},
		{State: "working", ToolCalls: 7},
		{State: "done", ToolCalls: 9, Content: "final answer", Done: true},
	}}
	p := NewPoller(provider, newPollGate(50), 5, 10, time.Millisecond)

	out := p.Run(context.Background(), "run-1")
	if out.Err != nil {
		t.Fatalf("run: %v", out.Err)
	}
	if out.Content != "final answer" || out.Partial {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	// baseCost 5 + floor(9/5) = 6
	if out.CreditsUsed != 6 {
		t.Fatalf("credits = %d, want 6", out.CreditsUsed)
	}
	if provider.finalized {
		t.Fatalf("completed run must not be force-finalized")
	}
}

func TestPollerStallsAtExactThreshold(t *testing.T) {
	// First poll establishes the observation, then 10 identical polls.
	var statuses []AsyncStatus
	for i := 0; i < 30; i++ {
		statuses = append(statuses, AsyncStatus{State: "working", ToolCalls: 3})
	}
	provider := &scriptedAsync{statuses: statuses, final: "partial output"}
	p := NewPoller(provider, newPollGate(50), 5, 10, time.Millisecond)

	out := p.Run(context.Background(), "run-1")
	if out.Err != nil {
		t.Fatalf("stall must finalize with partial output, got err %v", out.Err)
	}
	if !out.Partial || out.Content != "partial output" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !provider.finalized {
		t.Fatalf("stalled run must request finalize")
	}
	// Poll 1 sets the baseline, polls 2..11 are the 10 no-progress
	// observations; the 12th poll never happens.
	if provider.polls != 11 {
		t.Fatalf("expected exactly 11 polls, got %d", provider.polls)
	}
}

func TestPollerForceFinalizesAtBudgetCap(t *testing.T) {
	provider := &scriptedAsync{statuses: []AsyncStatus{
		{State: "working", ToolCalls: 5},
		{State: "working", ToolCalls: 30},
		{State: "working", ToolCalls: 100},
	}, final: "partial"}
	// cap 10: baseCost 5 + floor(30/5)=6 -> 11 >= 10 at the second poll
	p := NewPoller(provider, newPollGate(10), 5, 10, time.Millisecond)

	out := p.Run(context.Background(), "run-1")
	if out.Err != nil {
		t.Fatalf("budget cap must finalize with partial output, got err %v", out.Err)
	}
	if !out.Partial {
		t.Fatalf("expected partial outcome: %+v", out)
	}
	if out.CreditsUsed > 10 {
		t.Fatalf("credits used %d must never exceed the cap", out.CreditsUsed)
	}
	if provider.polls != 2 {
		t.Fatalf("polling must stop the instant the cap is reached, got %d polls", provider.polls)
	}
}

func TestPollerCancellation(t *testing.T) {
	provider := &scriptedAsync{statuses: []AsyncStatus{{State: "working", ToolCalls: 1}}}
	p := NewPoller(provider, newPollGate(50), 5, 10, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := p.Run(ctx, "run-1")
	if !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.Err)
	}
}
