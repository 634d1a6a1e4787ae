package budget

import (
	"context"
	"sync"
)

// Gate enforces one run's credit budget. It is created before the pipeline
// starts, accumulates usage while the run executes, and settles against the
// ledger exactly once, only after the run succeeds.
type Gate struct {
	mu        sync.Mutex
	userID    string
	runID     string
	ledger    CreditLedger
	maxBudget int64
	used      int64
	settled   bool
}

// NewGate builds a gate for a run. The effective cap is the smaller of the
// requested budget and the profile ceiling; a zero request means "use the
// profile ceiling".
func NewGate(ledger CreditLedger, userID, runID string, requested int64, profile Profile) *Gate {
	cap := profile.MaxBudget
	if requested > 0 && requested < cap {
		cap = requested
	}
	return &Gate{
		userID:    userID,
		runID:     runID,
		ledger:    ledger,
		maxBudget: cap,
	}
}

// MaxBudget returns the effective per-run cap.
func (g *Gate) MaxBudget() int64 { return g.maxBudget }

// Preflight checks that the user's balance covers the estimate. Nothing is
// deducted here.
func (g *Gate) Preflight(ctx context.Context, estimate int64) error {
	bal, err := g.ledger.Balance(ctx, g.userID)
	if err != nil {
		return err
	}
	if bal < estimate {
		return ErrInsufficientCredits{Required: estimate, Available: bal}
	}
	return nil
}

// Accrue records usage against the cap. It returns ErrBudgetExhausted once
// the total reaches the cap; usage is clamped so Used never exceeds the cap.
func (g *Gate) Accrue(amount int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used += amount
	if g.used >= g.maxBudget {
		g.used = g.maxBudget
		return ErrBudgetExhausted{Limit: g.maxBudget, Used: g.used}
	}
	return nil
}

// SetUsed overwrites accrued usage, clamped to the cap. Used by poll loops
// that derive usage from observed tool-call counts rather than increments.
func (g *Gate) SetUsed(amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if amount > g.maxBudget {
		amount = g.maxBudget
	}
	g.used = amount
}

// Used returns the accrued usage so far.
func (g *Gate) Used() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}

// Settle deducts the final cost from the ledger. Call it only on success;
// a failed run costs nothing. Settle is idempotent.
func (g *Gate) Settle(ctx context.Context, finalCost int64) (DeductResult, error) {
	g.mu.Lock()
	if g.settled {
		used := g.used
		g.mu.Unlock()
		return DeductResult{Deducted: 0, Balance: -1}, ErrAlreadySettled{Used: used}
	}
	if finalCost > g.maxBudget {
		finalCost = g.maxBudget
	}
	g.used = finalCost
	g.settled = true
	g.mu.Unlock()

	return g.ledger.Deduct(ctx, g.userID, finalCost, g.runID)
}

// ErrAlreadySettled means Settle was called twice for the same run.
type ErrAlreadySettled struct {
	Used int64
}

func (e ErrAlreadySettled) Error() string {
	return "budget already settled for this run"
}
