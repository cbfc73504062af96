// Package runstore defines the durable Run State Machine persistence
// contract. Every mutation described here must be a
// conditional write: two workers racing on the same run or trade must
// never both observe success. The in-process idempotency set a worker
// keeps is an optimization, not a substitute for this store; a process
// restart loses the set but never loses state held here.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"rebalance_core/internal/models"
)

// ErrNotFound is returned when a run or trade record does not exist.
var ErrNotFound = errors.New("runstore: not found")

// ErrConflict is returned when a conditional write's precondition did not
// hold: the record moved under the caller, and the caller must re-read and
// decide whether to retry.
var ErrConflict = errors.New("runstore: conditional write conflict")

// ErrAlreadyStarted is returned by MarkTradeStarted when the trade is not
// in PENDING status; the caller should treat this as "someone else already
// owns this trade" and skip it rather than error out.
var ErrAlreadyStarted = errors.New("runstore: trade already started")

// RunStore is the Run State Machine persistence contract.
type RunStore interface {
	// CreateRun persists a new RunRecord. It must fail with ErrConflict if
	// a run with the same RunID already exists (decomposer retries are
	// idempotent on RunID).
	CreateRun(ctx context.Context, run models.RunRecord) error

	GetRun(ctx context.Context, runID string) (models.RunRecord, error)

	// CreateTrade persists a new PENDING TradeRecord alongside the run.
	CreateTrade(ctx context.Context, trade models.TradeRecord) error

	GetTrade(ctx context.Context, runID, tradeID string) (models.TradeRecord, error)

	// MarkTradeStarted conditionally transitions a trade PENDING->RUNNING.
	// Returns ErrAlreadyStarted if the trade is not PENDING.
	MarkTradeStarted(ctx context.Context, runID, tradeID string) error

	// MarkTradeCompleted records a trade's terminal outcome and atomically
	// updates the parent run's counters (completed/succeeded/failed,
	// sell_completed/buy_completed, sell succeeded/failed amounts). It must
	// be implemented as a single conditional transaction: the trade record
	// and the run counters move together or not at all.
	MarkTradeCompleted(ctx context.Context, runID, tradeID string, status models.TradeStatus, exec models.ExecutionData, orderID, errMsg string) error

	// IsSellPhaseComplete reports whether the SELL phase has drained:
	// sell_total == 0 or sell_completed >= sell_total, and the run is
	// still in its SELL phase.
	IsSellPhaseComplete(ctx context.Context, runID string) (bool, error)

	// TransitionToBuyPhase conditionally moves a run SELL_PHASE->BUY_PHASE.
	// It is a no-op (not an error) if the run is already past SELL_PHASE,
	// so that two racing sell-completions both calling this are safe.
	TransitionToBuyPhase(ctx context.Context, runID string) error

	// MarkBuyTradesPending stores the buy-phase trade bodies the decomposer
	// precomputed, flips BuyTradesPending, and is the hand-off point the
	// worker's trigger_buy_phase uses to enqueue buys exactly once.
	MarkBuyTradesPending(ctx context.Context, runID string, bodies []models.TradeMessage) error

	// GetPendingBuyTrades returns the stored buy-phase bodies, or an empty
	// slice if none are pending.
	GetPendingBuyTrades(ctx context.Context, runID string) ([]models.TradeMessage, error)

	// CheckEquityCircuitBreaker compares the run's cumulative successful buy
	// value plus the proposed trade amount against MaxEquityLimitUSD and
	// reports whether the trade would breach it.
	CheckEquityCircuitBreaker(ctx context.Context, runID string, proposedAmount decimal.Decimal) (breached bool, err error)

	// RecordBuySuccess adds to the run's cumulative succeeded buy value;
	// called after a BUY trade completes successfully, so the next
	// CheckEquityCircuitBreaker call sees an up-to-date total.
	RecordBuySuccess(ctx context.Context, runID string, amount decimal.Decimal) error

	// MarkRunCompleted conditionally finalizes a run once every trade has
	// reached a terminal state.
	MarkRunCompleted(ctx context.Context, runID string) error

	// UpdateRunStatus force-sets a run's status, used by the decomposer's
	// enqueue-failure path and the worker's BUY-phase
	// guard. It is a no-op once the
	// run is already terminal.
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus) error

	// FindStuckRuns returns runs whose UpdatedAt is older than olderThan
	// and whose Status is not terminal, candidates for the reconciliation
	// sweep.
	FindStuckRuns(ctx context.Context, olderThan time.Duration) ([]models.RunRecord, error)

	// PendingExecutionStore embeds the time-aware strategy's
	// optimistic-locked persistence needs so a single store implementation
	// can back both concerns.
	PendingExecutionStore
}

// PendingExecutionStore persists in-flight time-aware executions with
// optimistic locking via Version, so that a crashed worker can resume a
// partially-worked execution instead of re-submitting child orders from
// scratch.
type PendingExecutionStore interface {
	SavePendingExecution(ctx context.Context, pe models.PendingExecution) error
	GetPendingExecution(ctx context.Context, executionID string) (models.PendingExecution, error)

	// UpdatePendingExecution performs an optimistic-lock conditional write:
	// it succeeds only if the stored Version still equals pe.Version-1 (the
	// version the caller read), else returns ErrConflict.
	UpdatePendingExecution(ctx context.Context, pe models.PendingExecution) error

	ListOpenPendingExecutions(ctx context.Context) ([]models.PendingExecution, error)
}
