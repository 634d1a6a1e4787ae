package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/deepbrief/internal/budget"
)

// pollState is the explicit state of the polling machine. Every transition
// is named and the loop has a single exit point, which is what makes the
// "exactly one outcome" property checkable.
type pollState int

const (
	pollRunning pollState = iota
	pollDone
	pollStalled
	pollExhausted
	pollFailed
	pollCancelled
)

// PollOutcome is the single result of driving an async provider run to an
// end state. Partial is true when the run was cut short (stall or budget)
// and finalized with whatever output existed.
type PollOutcome struct {
	Content     string
	Partial     bool
	CreditsUsed int64
	ToolCalls   int
	Err         error
}

// Poller drives an AsyncCompletionProvider run: it polls for status,
// accrues credits progressively from the observed tool-call count, detects
// stalls, and force-finalizes the instant the budget cap is reached.
type Poller struct {
	provider       AsyncCompletionProvider
	gate           *budget.Gate
	baseCost       int64
	stallThreshold int
	interval       time.Duration
	logger         *log.Logger
}

func NewPoller(provider AsyncCompletionProvider, gate *budget.Gate, baseCost int64, stallThreshold int, interval time.Duration) *Poller {
	if stallThreshold <= 0 {
		stallThreshold = 10
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		provider:       provider,
		gate:           gate,
		baseCost:       baseCost,
		stallThreshold: stallThreshold,
		interval:       interval,
		logger:         log.New(log.Writer(), "[POLLER] ", log.LstdFlags),
	}
}

// Run polls the provider run to completion. Credits accrue as
// baseCost + toolCalls/5, clamped to the gate's cap; reaching the cap or
// stalling for stallThreshold consecutive polls finalizes with partial
// output instead of polling further.
func (p *Poller) Run(ctx context.Context, runID string) PollOutcome {
	state := pollRunning
	var (
		lastState    string
		lastCalls    = -1
		stalledPolls int
		status       AsyncStatus
		pollErr      error
	)

	for state == pollRunning {
		if err := ctx.Err(); err != nil {
			state = pollCancelled
			pollErr = err
			break
		}

		status, pollErr = p.provider.Poll(ctx, runID)
		if pollErr != nil {
			state = pollFailed
			break
		}

		used := p.baseCost + int64(status.ToolCalls/5)
		p.gate.SetUsed(used)

		switch {
		case status.Done:
			state = pollDone
		case p.gate.Used() >= p.gate.MaxBudget():
			state = pollExhausted
		case status.State == lastState && status.ToolCalls == lastCalls:
			stalledPolls++
			if stalledPolls >= p.stallThreshold {
				state = pollStalled
			}
		default:
			stalledPolls = 0
		}
		lastState = status.State
		lastCalls = status.ToolCalls

		if state == pollRunning {
			select {
			case <-ctx.Done():
				state = pollCancelled
				pollErr = ctx.Err()
			case <-time.After(p.interval):
			}
		}
	}

	return p.finish(ctx, runID, state, status, pollErr)
}

// finish is the single exit point: exactly one outcome per run.
func (p *Poller) finish(ctx context.Context, runID string, state pollState, status AsyncStatus, pollErr error) PollOutcome {
	out := PollOutcome{CreditsUsed: p.gate.Used(), ToolCalls: status.ToolCalls}

	switch state {
	case pollDone:
		out.Content = status.Content
	case pollStalled, pollExhausted:
		// Best-effort finalize with whatever partial output exists.
		if state == pollStalled {
			p.logger.Printf("run %s stalled after %d no-progress polls, finalizing", runID, p.stallThreshold)
		} else {
			p.logger.Printf("run %s hit budget cap %d, finalizing", runID, p.gate.MaxBudget())
		}
		content, err := p.provider.Finalize(ctx, runID)
		if err != nil {
			if state == pollStalled {
				out.Err = budget.ErrStalled{Polls: p.stallThreshold}
			} else {
				out.Err = budget.ErrBudgetExhausted{Limit: p.gate.MaxBudget(), Used: p.gate.Used()}
			}
			return out
		}
		out.Content = content
		out.Partial = true
	case pollCancelled:
		out.Err = pollErr
	case pollFailed:
		out.Err = fmt.Errorf("polling provider: %w", pollErr)
	}
	return out
}
