package models

import "github.com/shopspring/decimal"

// OrderLifecycleState is the observability-layer state machine shared by
// all three execution strategies.
type OrderLifecycleState string

const (
	LifecycleNew              OrderLifecycleState = "NEW"
	LifecycleValidated        OrderLifecycleState = "VALIDATED"
	LifecycleQueued           OrderLifecycleState = "QUEUED"
	LifecycleSubmitted        OrderLifecycleState = "SUBMITTED"
	LifecycleAcknowledged     OrderLifecycleState = "ACKNOWLEDGED"
	LifecyclePartiallyFilled  OrderLifecycleState = "PARTIALLY_FILLED"
	LifecycleFilled           OrderLifecycleState = "FILLED"
	LifecycleCancelPending    OrderLifecycleState = "CANCEL_PENDING"
	LifecycleCancelled        OrderLifecycleState = "CANCELLED"
	LifecycleRejected         OrderLifecycleState = "REJECTED"
	LifecycleExpired          OrderLifecycleState = "EXPIRED"
	LifecycleError            OrderLifecycleState = "ERROR"
)

// IsTerminal reports whether self-transitions from this state are
// idempotent no-ops.
func (s OrderLifecycleState) IsTerminal() bool {
	switch s {
	case LifecycleFilled, LifecycleCancelled, LifecycleRejected, LifecycleExpired, LifecycleError:
		return true
	default:
		return false
	}
}

// PendingExecutionState is the lifecycle of a time-aware Pending Execution.
type PendingExecutionState string

const (
	PendingExecPending   PendingExecutionState = "PENDING"
	PendingExecActive    PendingExecutionState = "ACTIVE"
	PendingExecPaused    PendingExecutionState = "PAUSED"
	PendingExecCompleted PendingExecutionState = "COMPLETED"
	PendingExecFailed    PendingExecutionState = "FAILED"
	PendingExecCancelled PendingExecutionState = "CANCELLED"
)

// ExecutionPhase is the time-of-day phase driving peg/urgency selection.
type ExecutionPhase string

const (
	PhaseOpenAvoidance       ExecutionPhase = "OPEN_AVOIDANCE"
	PhasePassiveAccumulation ExecutionPhase = "PASSIVE_ACCUMULATION"
	PhaseUrgencyRamp         ExecutionPhase = "URGENCY_RAMP"
	PhaseDeadlineClose       ExecutionPhase = "DEADLINE_CLOSE"
	PhaseMarketClosed        ExecutionPhase = "MARKET_CLOSED"
)

// Peg names a pricing strategy relative to NBBO.
type Peg string

const (
	PegFarTouch  Peg = "FAR_TOUCH"
	PegMid       Peg = "MID"
	PegNearTouch Peg = "NEAR_TOUCH"
	PegInside75  Peg = "INSIDE_75"
	PegCross     Peg = "CROSS"
	PegMarket    Peg = "MARKET"
)

// ChildOrder is one order placed by the time-aware engine against a
// PendingExecution. FilledQty/AvgFillPrice are refreshed from the broker
// on every tick so the parent's fill tally survives a crashed tick.
type ChildOrder struct {
	OrderID       string
	ClientOrderID string
	Peg           Peg
	Quantity      decimal.Decimal
	Status        BrokerOrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	IsAuction     bool
}
