package quota

import (
	"fmt"

	"studiogate/internal/ledger"
)

// Rejection is the structured payload returned when a pre-flight check
// fails, with enough context for the frontend to explain the shortfall.
type Rejection struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RequiredAmount int64  `json:"required_amount"`
	CurrentBalance int64  `json:"current_balance"`
	ResetsInDays   int    `json:"resets_in_days"`
}

// CodeInsufficientCredits is the stable rejection code consumed by clients
const CodeInsufficientCredits = "INSUFFICIENT_CREDITS"

// Gate is the pre-flight guard for fixed-cost operations. It checks
// sufficiency before the downstream provider is invoked and never mutates:
// deduction happens only after the guarded operation delivers a result, so
// users are never charged for operations that produced nothing.
type Gate struct {
	ledger *ledger.Ledger
}

// NewGate creates a quota gate over the given ledger
func NewGate(l *ledger.Ledger) *Gate {
	return &Gate{ledger: l}
}

// Check returns nil when the account can afford cost, or a Rejection when it
// cannot. The error return covers account lookup and persistence failures.
func (g *Gate) Check(accountID string, cost int64) (*Rejection, error) {
	stats, err := g.ledger.UsageStats(accountID)
	if err != nil {
		return nil, err
	}
	if stats.Balance >= cost {
		return nil, nil
	}
	return &Rejection{
		Code:           CodeInsufficientCredits,
		Message:        fmt.Sprintf("this operation costs %d credits but only %d remain", cost, stats.Balance),
		RequiredAmount: cost,
		CurrentBalance: stats.Balance,
		ResetsInDays:   stats.DaysUntilReset,
	}, nil
}
