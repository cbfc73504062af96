package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Phase is either SELL or BUY within a run; phase ordering is enforced by
// the run state machine, never by the queue transport.
type Phase string

const (
	PhaseSell Phase = "SELL"
	PhaseBuy  Phase = "BUY"
)

// sequenceBase offsets a trade's priority into its phase's numeric band so
// that sorting by SequenceNumber alone reproduces the two-phase ordering.
const (
	sequenceBaseSell = 1000
	sequenceBaseBuy  = 2000
)

// TradeMessage is derived from one non-HOLD PlanItem. It is the unit of
// work delivered to a single-trade worker through the TradeQueue.
type TradeMessage struct {
	RunID            string
	TradeID          string // UUID
	PlanID           string
	CorrelationID    string
	StrategyID       string
	Symbol           string
	Action           Action
	TradeAmount      decimal.Decimal // absolute value, USD
	CurrentWeight    decimal.Decimal
	TargetWeight     decimal.Decimal
	Priority         int
	Phase            Phase
	SequenceNumber   int
	IsCompleteExit    bool // SELL whose target weight = 0 and current weight > 0
	IsFullLiquidation bool // target weight = 0
	Policy            ExecutionPolicy

	// Optional execution hints threaded through from the plan/caller.
	Shares         decimal.Decimal // explicit share count, if already known
	EstimatedPrice decimal.Decimal
}

// SequenceNumberFor computes the phase-banded sequence number: (1000 if SELL
// else 2000) + priority.
func SequenceNumberFor(action Action, priority int) int {
	if action == ActionSell {
		return sequenceBaseSell + priority
	}
	return sequenceBaseBuy + priority
}

// NewTradeMessage builds a TradeMessage from one non-HOLD plan item. The
// caller supplies ids because trade id generation (UUID) is the decomposer's
// responsibility, not the model's.
func NewTradeMessage(runID, tradeID, planID, correlationID, strategyID string, item PlanItem) TradeMessage {
	phase := PhaseSell
	if item.Action == ActionBuy {
		phase = PhaseBuy
	}

	isFullLiquidation := item.TargetWeight.IsZero()
	isCompleteExit := item.Action == ActionSell && isFullLiquidation && item.CurrentWeight.GreaterThan(decimal.Zero)

	policy := item.Policy
	if policy == "" {
		policy = PolicyWalkTheBook
	}

	return TradeMessage{
		RunID:             runID,
		TradeID:           tradeID,
		PlanID:            planID,
		CorrelationID:     correlationID,
		StrategyID:        strategyID,
		Symbol:            item.Symbol,
		Action:            item.Action,
		TradeAmount:       item.TradeAmount.Abs(),
		CurrentWeight:     item.CurrentWeight,
		TargetWeight:      item.TargetWeight,
		Priority:          item.Priority,
		Phase:             phase,
		SequenceNumber:    SequenceNumberFor(item.Action, item.Priority),
		IsCompleteExit:    isCompleteExit,
		IsFullLiquidation: isFullLiquidation,
		Policy:            policy,
	}
}

// RunStatus is the overall lifecycle state of a rebalance run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunSellPhase RunStatus = "SELL_PHASE"
	RunBuyPhase  RunStatus = "BUY_PHASE"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// RunRecord is the one-per-rebalance persisted record.
type RunRecord struct {
	RunID       string
	PlanID      string
	CorrelationID string

	TotalTrades     int
	CompletedTrades int
	SucceededTrades int
	FailedTrades    int

	SellTotal     int
	SellCompleted int
	BuyTotal      int
	BuyCompleted  int

	SellFailedAmount    decimal.Decimal
	SellSucceededAmount decimal.Decimal

	MaxEquityLimitUSD          decimal.Decimal
	CumulativeBuySucceededValue decimal.Decimal

	CurrentPhase Phase
	Status       RunStatus

	CreatedAt time.Time
	UpdatedAt time.Time
	TTL       time.Time

	TradeIDs        []string
	PendingBuyBodies []TradeMessage
	BuyTradesPending bool
}

// SellPhaseComplete is the derived sell-drained flag:
// sell_total == 0 OR sell_completed >= sell_total.
func (r RunRecord) SellPhaseComplete() bool {
	return r.SellTotal == 0 || r.SellCompleted >= r.SellTotal
}

// IsSellPhaseComplete implements run_store.is_sell_phase_complete.
func (r RunRecord) IsSellPhaseComplete() bool {
	return r.CurrentPhase == PhaseSell && r.SellPhaseComplete()
}

// TradeStatus is the lifecycle of a single trade record.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeRunning   TradeStatus = "RUNNING"
	TradeCompleted TradeStatus = "COMPLETED"
	TradeFailed    TradeStatus = "FAILED"
)

// IsTerminal reports whether the status allows no further mutation.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeCompleted || s == TradeFailed
}

// ExecutionData captures the fill details recorded against a trade record.
type ExecutionData struct {
	FilledShares decimal.Decimal
	AvgPrice     decimal.Decimal
	OrderType    string
	FilledAt     time.Time
}

// TradeRecord is the one-per-trade persisted record.
type TradeRecord struct {
	RunID          string
	TradeID        string
	Symbol         string
	Action         Action
	Phase          Phase
	SequenceNumber int
	TradeAmount    decimal.Decimal

	Status       TradeStatus
	OrderID      string
	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Execution ExecutionData
}
