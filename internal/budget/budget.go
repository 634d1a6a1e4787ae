package budget

import "context"

// Profile is a pricing tier: the flat base cost of a completed run and the
// hard per-run ceiling an account on this tier may request.
type Profile struct {
	BaseCost  int64
	MaxBudget int64
}

// DepthMultiplier maps a research depth to its credit weight.
func DepthMultiplier(depth string) int64 {
	switch depth {
	case "quick":
		return 2
	case "deep":
		return 15
	default:
		return 5
	}
}

// EstimateCredits computes the up-front estimate for a run: the depth weight
// plus 2 credits per requested non-text output format.
func EstimateCredits(depth string, outputs []string) int64 {
	est := DepthMultiplier(depth)
	for _, out := range outputs {
		if out != "text" && out != "" {
			est += 2
		}
	}
	return est
}

// DeductResult reports the outcome of a ledger deduction.
type DeductResult struct {
	Deducted int64
	Balance  int64
}

// CreditLedger is the persistent credit store. Deduct must be atomic: it
// either subtracts the full amount and returns the new balance, or returns
// ErrInsufficientCredits and leaves the balance untouched.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Deduct(ctx context.Context, userID string, amount int64, runID string) (DeductResult, error)
}
