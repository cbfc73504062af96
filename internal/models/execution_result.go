package models

import "github.com/shopspring/decimal"

// ExecutionAttempt records one step/slice of a strategy's progression, kept
// for observability.
type ExecutionAttempt struct {
	StepIndex   int
	OrderID     string
	LimitPrice  decimal.Decimal
	Quantity    decimal.Decimal
	FilledQty   decimal.Decimal
	Status      BrokerOrderStatus
	WasMarket   bool
}

// ExecutionResult is the shared external contract every execution strategy
// returns.
type ExecutionResult struct {
	Success       bool
	TotalFilled   decimal.Decimal
	AvgFillPrice  decimal.Decimal
	FinalOrderID  string
	Attempts      []ExecutionAttempt
	ErrorMessage  string
}
