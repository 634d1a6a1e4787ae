package budget

import "fmt"

// ErrInsufficientCredits means the user's balance cannot cover the estimated
// cost of a run. Surfaced before any pipeline work starts.
type ErrInsufficientCredits struct {
	Required  int64
	Available int64
}

func (e ErrInsufficientCredits) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

// ErrBudgetExhausted means accrued usage reached the run's budget cap while
// the run was still in flight.
type ErrBudgetExhausted struct {
	Limit int64
	Used  int64
}

func (e ErrBudgetExhausted) Error() string {
	return fmt.Sprintf("budget exhausted: limit %d, used %d", e.Limit, e.Used)
}

// ErrStalled means a polled run made no observable progress for too many
// consecutive polls and was finalized with partial output.
type ErrStalled struct {
	Polls int
}

func (e ErrStalled) Error() string {
	return fmt.Sprintf("run stalled: no progress for %d consecutive polls", e.Polls)
}
