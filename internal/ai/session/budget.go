package session

import (
	"fmt"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// messageOverhead is the per-turn framing cost added to every estimate.
const messageOverhead = 4

// Fit drops the oldest non-system turns until the prompt fits budget tokens.
// System turns and the most recent operator turn are always kept; if those
// alone exceed the budget it returns ErrBudgetExceeded. Order is preserved
// and the input slice is not modified.
func Fit(turns []Turn, budget int, est Estimator) ([]Turn, error) {
	latestOperator := -1
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleOperator {
			latestOperator = i
			break
		}
	}

	costs := make([]int, len(turns))
	total, floor := 0, 0
	for i, t := range turns {
		costs[i] = est(t.Text) + messageOverhead
		total += costs[i]
		if t.Role == RoleSystem || i == latestOperator {
			floor += costs[i]
		}
	}

	if floor > budget {
		return nil, fmt.Errorf("%d tokens required, budget %d: %w", floor, budget, sentinelerrors.ErrBudgetExceeded)
	}

	dropped := make([]bool, len(turns))
	for i := 0; i < len(turns) && total > budget; i++ {
		if turns[i].Role == RoleSystem || i == latestOperator {
			continue
		}
		dropped[i] = true
		total -= costs[i]
	}

	out := make([]Turn, 0, len(turns))
	for i, t := range turns {
		if !dropped[i] {
			out = append(out, t)
		}
	}
	return out, nil
}
