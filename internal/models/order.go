package models

import "github.com/shopspring/decimal"

// Side mirrors Action for order-facing code where "BUY"/"SELL" reads more
// naturally than the trade-level Action name.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// CloseType distinguishes a position-closing sell from a plain sell.
type CloseType string

const (
	CloseNone    CloseType = "NONE"
	ClosePartial CloseType = "PARTIAL"
	CloseFull    CloseType = "FULL"
)

// Urgency grades how aggressively an OrderIntent should be worked.
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// OrderIntent is the strategy-facing description of "what to trade".
// Invariants: Quantity > 0; CloseType != NONE implies Side == SELL (an
// empty CloseType counts as NONE).
type OrderIntent struct {
	Side          Side
	CloseType     CloseType
	Symbol        string
	Quantity      decimal.Decimal
	Urgency       Urgency
	CorrelationID string
	ClientOrderID string
}

// Validate enforces the OrderIntent invariants.
func (o OrderIntent) Validate() error {
	if o.Quantity.LessThanOrEqual(decimal.Zero) {
		return errInvalidQuantity
	}
	if o.CloseType != "" && o.CloseType != CloseNone && o.Side != SideSell {
		return errCloseTypeRequiresSell
	}
	if o.Symbol == "" {
		return errEmptySymbol
	}
	return nil
}

// BrokerOrderStatus is the normalized status space for broker-reported
// order state: statuses like NEW/ACCEPTED/PENDING_NEW collapse
// to OPEN.
type BrokerOrderStatus string

const (
	BrokerOrderOpen            BrokerOrderStatus = "OPEN"
	BrokerOrderPartiallyFilled BrokerOrderStatus = "PARTIALLY_FILLED"
	BrokerOrderFilled          BrokerOrderStatus = "FILLED"
	BrokerOrderCancelled       BrokerOrderStatus = "CANCELLED"
	BrokerOrderRejected        BrokerOrderStatus = "REJECTED"
	BrokerOrderExpired         BrokerOrderStatus = "EXPIRED"
)

// NormalizeBrokerStatus maps a raw broker status string onto the
// normalized space.
func NormalizeBrokerStatus(raw string) BrokerOrderStatus {
	switch raw {
	case "new", "accepted", "pending_new", "NEW", "ACCEPTED", "PENDING_NEW":
		return BrokerOrderOpen
	case "partially_filled", "PARTIALLY_FILLED":
		return BrokerOrderPartiallyFilled
	case "filled", "FILLED":
		return BrokerOrderFilled
	case "canceled", "cancelled", "CANCELED", "CANCELLED":
		return BrokerOrderCancelled
	case "rejected", "REJECTED":
		return BrokerOrderRejected
	case "expired", "EXPIRED":
		return BrokerOrderExpired
	default:
		return BrokerOrderOpen
	}
}

// ExecutedOrder is the broker's response to placing an order.
type ExecutedOrder struct {
	OrderID       string
	ClientOrderID string
	Status        BrokerOrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	ErrorMessage  string
}

// Position is the broker's view of a held position.
type Position struct {
	Symbol string
	Qty    decimal.Decimal
}

// Account is the subset of broker account fields the core consumes.
type Account struct {
	Cash           decimal.Decimal
	BuyingPower    decimal.Decimal
	PortfolioValue decimal.Decimal
	Equity         decimal.Decimal
}
