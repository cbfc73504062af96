// Package broker defines the external Broker interface the execution core
// consumes. The broker itself — Alpaca, or anything else — is an
// external collaborator; this package only describes the shape the
// core depends on. A concrete Alpaca-backed implementation lives in
// internal/broker/alpacabroker.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"rebalance_core/internal/models"
)

// TimeInForce mirrors the handful of broker TIFs the core issues orders
// with: DAY for ordinary limit/market orders, CLS for closing-auction
// participation.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceCLS TimeInForce = "cls"
)

// OrderExecutionResult is the broker's answer to "how did this order do".
type OrderExecutionResult struct {
	Status       models.BrokerOrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	ErrorMessage string
}

// WaitResult is returned by WaitForOrderCompletion.
type WaitResult struct {
	CompletedOrderIDs []string
	TimedOut          bool
}

// Broker is the trading/market-data surface the execution core depends on
//.
type Broker interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error)
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)

	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (models.ExecutedOrder, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, limitPrice decimal.Decimal, tif TimeInForce, clientOrderID string) (models.ExecutedOrder, error)
	GetOrderExecutionResult(ctx context.Context, orderID string) (OrderExecutionResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	WaitForOrderCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) (WaitResult, error)

	GetAccount(ctx context.Context) (models.Account, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}
