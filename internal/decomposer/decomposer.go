// Package decomposer implements the plan decomposer:
// turn a RebalancePlan into per-trade messages, create the run record, and
// enqueue only the SELL phase (unless there are no SELLs at all, the
// "zero-sell" edge case that must not hang the workflow). Trade messages
// are derived before any side effect runs; the plan itself is not
// validated beyond skipping HOLD items. A failure after the run record is
// created (trade creation, the zero-sell transition, or enqueueing) marks
// the run FAILED; the run and any trades already created stay stored.
package decomposer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/models"
	"rebalance_core/internal/queue"
	"rebalance_core/internal/runstore"
)

// Decomposer turns rebalance plans into queued trades.
type Decomposer struct {
	Queue    queue.TradeQueue
	RunStore runstore.RunStore

	// EquityDeploymentPct caps how much of the available equity may be
	// deployed across the run's BUY phase.
	EquityDeploymentPct float64

	// RunTTL is stamped on the created run record.
	RunTTL time.Duration
}

// Result summarizes one decompose_and_enqueue call.
type Result struct {
	RunID         string
	EnqueuedCount int
}

// DecomposeAndEnqueue splits a plan into queued trades and creates the run.
// alpacaEquity, if non-zero, overrides plan.TotalPortfolioValue as the
// basis for the equity-deployment limit.
func (d *Decomposer) DecomposeAndEnqueue(ctx context.Context, plan models.RebalancePlan, strategyID string, alpacaEquity decimal.Decimal) (Result, error) {
	runID := uuid.NewString()

	messages := buildTradeMessages(plan, runID, strategyID)
	sort.Slice(messages, func(i, j int) bool { return messages[i].SequenceNumber < messages[j].SequenceNumber })

	basis := plan.TotalPortfolioValue
	if alpacaEquity.GreaterThan(decimal.Zero) {
		basis = alpacaEquity
	}
	maxEquityLimit := basis.Mul(decimal.NewFromFloat(d.EquityDeploymentPct))

	var sells, buys []models.TradeMessage
	for _, m := range messages {
		if m.Phase == models.PhaseSell {
			sells = append(sells, m)
		} else {
			buys = append(buys, m)
		}
	}

	run := models.RunRecord{
		RunID:                       runID,
		PlanID:                      plan.PlanID,
		CorrelationID:               plan.CorrelationID,
		TotalTrades:                 len(messages),
		SellTotal:                   len(sells),
		BuyTotal:                    len(buys),
		MaxEquityLimitUSD:           maxEquityLimit,
		CumulativeBuySucceededValue: decimal.Zero,
		CurrentPhase:                models.PhaseSell,
		Status:                      models.RunSellPhase,
		CreatedAt:                   time.Now().UTC(),
		UpdatedAt:                   time.Now().UTC(),
		TTL:                         time.Now().UTC().Add(d.RunTTL),
		PendingBuyBodies:            buys,
	}
	for _, m := range messages {
		run.TradeIDs = append(run.TradeIDs, m.TradeID)
	}

	if err := d.RunStore.CreateRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("decomposer: create run %s: %w", runID, err)
	}
	for _, m := range messages {
		trade := models.TradeRecord{
			RunID:          runID,
			TradeID:        m.TradeID,
			Symbol:         m.Symbol,
			Action:         m.Action,
			Phase:          m.Phase,
			SequenceNumber: m.SequenceNumber,
			TradeAmount:    m.TradeAmount,
			Status:         models.TradePending,
			CreatedAt:      time.Now().UTC(),
		}
		if err := d.RunStore.CreateTrade(ctx, trade); err != nil {
			if failErr := d.failRun(ctx, runID); failErr != nil {
				return Result{}, fmt.Errorf("decomposer: create trade %s failed (%w) and marking run failed also failed: %v", m.TradeID, err, failErr)
			}
			return Result{}, fmt.Errorf("decomposer: create trade %s for run %s: %w", m.TradeID, runID, err)
		}
	}

	if len(sells) == 0 && len(buys) > 0 {
		// Zero-sell edge case: transition immediately and
		// enqueue every BUY so the workflow never hangs waiting on a SELL
		// phase that has nothing to do.
		if err := d.RunStore.TransitionToBuyPhase(ctx, runID); err != nil {
			if failErr := d.failRun(ctx, runID); failErr != nil {
				return Result{}, fmt.Errorf("decomposer: zero-sell transition failed (%w) and marking run failed also failed: %v", err, failErr)
			}
			return Result{}, fmt.Errorf("decomposer: zero-sell transition for run %s: %w", runID, err)
		}
		enqueued, err := d.enqueueAll(ctx, buys)
		if err != nil {
			if failErr := d.failRun(ctx, runID); failErr != nil {
				return Result{}, fmt.Errorf("decomposer: zero-sell enqueue failed (%w) and marking run failed also failed: %v", err, failErr)
			}
			return Result{}, fmt.Errorf("decomposer: zero-sell enqueue for run %s: %w", runID, err)
		}
		if err := d.RunStore.MarkBuyTradesPending(ctx, runID, buys); err != nil {
			return Result{}, fmt.Errorf("decomposer: mark buy trades pending for run %s: %w", runID, err)
		}
		return Result{RunID: runID, EnqueuedCount: enqueued}, nil
	}

	enqueued, err := d.enqueueAll(ctx, sells)
	if err != nil {
		if failErr := d.failRun(ctx, runID); failErr != nil {
			return Result{}, fmt.Errorf("decomposer: sell enqueue failed (%w) and marking run failed also failed: %v", err, failErr)
		}
		return Result{}, fmt.Errorf("decomposer: enqueue sells for run %s: %w", runID, err)
	}
	return Result{RunID: runID, EnqueuedCount: enqueued}, nil
}

func (d *Decomposer) enqueueAll(ctx context.Context, msgs []models.TradeMessage) (int, error) {
	count := 0
	for _, m := range msgs {
		attrs := queue.Attributes{"phase": string(m.Phase), "run_id": m.RunID}
		if err := d.Queue.Send(ctx, m, m.RunID, m.TradeID, attrs); err != nil {
			return count, fmt.Errorf("decomposer: enqueue trade %s: %w", m.TradeID, err)
		}
		count++
	}
	return count, nil
}

func (d *Decomposer) failRun(ctx context.Context, runID string) error {
	return d.RunStore.UpdateRunStatus(ctx, runID, models.RunFailed)
}

// buildTradeMessages derives one TradeMessage per non-HOLD item.
func buildTradeMessages(plan models.RebalancePlan, runID, strategyID string) []models.TradeMessage {
	var out []models.TradeMessage
	for _, item := range plan.Items {
		if item.Action == models.ActionHold {
			continue
		}
		tradeID := uuid.NewString()
		out = append(out, models.NewTradeMessage(runID, tradeID, plan.PlanID, plan.CorrelationID, strategyID, item))
	}
	return out
}
