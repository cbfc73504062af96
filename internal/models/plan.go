// Package models holds the data types shared across the execution core:
// the rebalance plan that comes in, the trade messages derived from it, the
// durable run/trade records, quotes, order intents, and pending executions.
package models

import "github.com/shopspring/decimal"

// Action is the directive carried by a plan item or trade message.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ExecutionPolicy selects which execution strategy works a trade. A
// trade is bound to exactly one policy at decomposition time.
type ExecutionPolicy string

const (
	PolicyWalkTheBook   ExecutionPolicy = "WALK_THE_BOOK"
	PolicyAlmgrenChriss ExecutionPolicy = "ALMGREN_CHRISS"
	PolicyTimeAware     ExecutionPolicy = "TIME_AWARE"
)

// PlanItem is one line of a RebalancePlan.
type PlanItem struct {
	Symbol        string          `json:"symbol"`
	Action        Action          `json:"action"`
	TargetWeight  decimal.Decimal `json:"target_weight"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
	TradeAmount   decimal.Decimal `json:"trade_amount"` // signed decimal USD; HOLD items carry zero
	Priority      int             `json:"priority"`
	Policy        ExecutionPolicy `json:"policy,omitempty"` // zero value means WALK_THE_BOOK
}

// RebalancePlan is the immutable input to the plan decomposer.
type RebalancePlan struct {
	CorrelationID       string          `json:"correlation_id"`
	PlanID              string          `json:"plan_id"`
	Items               []PlanItem      `json:"items"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
}
