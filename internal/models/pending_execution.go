package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PendingExecution is the time-aware engine's durable unit of work,
// owned exclusively by the tick that holds the latest Version.
type PendingExecution struct {
	ExecutionID string
	Symbol      string
	Side        Side

	TargetQty    decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal

	State        PendingExecutionState
	CurrentPhase ExecutionPhase
	UrgencyScore float64

	ChildOrders []ChildOrder

	PolicyID string
	Version  int64
	Notes    string

	AuctionSubmitted bool

	CreatedAt time.Time
	UpdatedAt time.Time
	TTL       time.Time
}

// RemainingQty is TargetQty - FilledQty, floored at zero.
func (p PendingExecution) RemainingQty() decimal.Decimal {
	rem := p.TargetQty.Sub(p.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// OpenChildOrders returns child orders not yet in a terminal broker status.
func (p PendingExecution) OpenChildOrders() []ChildOrder {
	var out []ChildOrder
	for _, c := range p.ChildOrders {
		switch c.Status {
		case BrokerOrderFilled, BrokerOrderCancelled, BrokerOrderRejected, BrokerOrderExpired:
			continue
		default:
			out = append(out, c)
		}
	}
	return out
}
