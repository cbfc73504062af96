// Package worker implements the single-trade worker: a stateless
// function that consumes one trade message, executes it via the trade's
// bound strategy, records the result, and, when it completes the last
// SELL of a run, triggers the SELL->BUY phase transition.
// Idempotency checks run before any side effect; failures are recorded
// explicitly rather than panicking.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/events"
	"rebalance_core/internal/metrics"
	"rebalance_core/internal/models"
	"rebalance_core/internal/queue"
	"rebalance_core/internal/quotes"
	"rebalance_core/internal/runstore"
)

// Strategy is the shared execution contract every policy implements.
type Strategy interface {
	Execute(ctx context.Context, intent models.OrderIntent, quote models.Quote) (models.ExecutionResult, error)
}

// Config tunes worker-level policy.
type Config struct {
	SellFailureThresholdUSD decimal.Decimal
}

// Worker processes trade messages delivered by the queue. It holds no
// per-trade state between invocations beyond the in-memory idempotency
// set, which is an optimization layered on top of the store's conditional
// writes, never a substitute for them.
type Worker struct {
	Broker    broker.Broker
	RunStore  runstore.RunStore
	Queue     queue.TradeQueue
	Quotes    *quotes.Pipeline
	Strategies map[models.ExecutionPolicy]Strategy
	Events    *events.Bus
	Cfg       Config

	mu   sync.Mutex
	seen map[string]struct{}
}

// New constructs a Worker. strategies maps each ExecutionPolicy a trade may
// be bound to onto the concrete strategy that executes it.
func New(b broker.Broker, rs runstore.RunStore, q queue.TradeQueue, qp *quotes.Pipeline, strategies map[models.ExecutionPolicy]Strategy, bus *events.Bus, cfg Config) *Worker {
	return &Worker{
		Broker:     b,
		RunStore:   rs,
		Queue:      q,
		Quotes:     qp,
		Strategies: strategies,
		Events:     bus,
		Cfg:        cfg,
		seen:       make(map[string]struct{}),
	}
}

// idemKey is sha256(run_id|trade_id|symbol|action)[:16].
func idemKey(msg models.TradeMessage) string {
	h := sha256.Sum256([]byte(msg.RunID + "|" + msg.TradeID + "|" + msg.Symbol + "|" + string(msg.Action)))
	return hex.EncodeToString(h[:])[:16]
}

// Handle processes one trade message end to end: idempotency checks, market
// hours, the BUY-phase circuit breaker, share resolution, strategy
// execution, result recording, and phase-transition triggering.
func (w *Worker) Handle(ctx context.Context, msg models.TradeMessage) error {
	logger := log.With().Str("run_id", msg.RunID).Str("trade_id", msg.TradeID).Str("symbol", msg.Symbol).Logger()

	key := idemKey(msg)
	w.mu.Lock()
	_, already := w.seen[key]
	if !already {
		w.seen[key] = struct{}{}
	}
	w.mu.Unlock()
	if already {
		logger.Info().Msg("skipping: seen in this process's idempotency set")
		return nil
	}

	existing, err := w.RunStore.GetTrade(ctx, msg.RunID, msg.TradeID)
	if err == nil && existing.Status.IsTerminal() {
		logger.Info().Str("status", string(existing.Status)).Msg("skipping: trade already terminal")
		return nil
	}
	if err != nil && !errors.Is(err, runstore.ErrNotFound) {
		return fmt.Errorf("worker: get trade %s/%s: %w", msg.RunID, msg.TradeID, err)
	}

	if err := w.RunStore.MarkTradeStarted(ctx, msg.RunID, msg.TradeID); err != nil {
		if errors.Is(err, runstore.ErrAlreadyStarted) {
			logger.Info().Msg("skipping: another worker already started this trade")
			return nil
		}
		return fmt.Errorf("worker: mark trade started %s/%s: %w", msg.RunID, msg.TradeID, err)
	}

	open, err := w.Broker.IsMarketOpen(ctx)
	if err != nil {
		return w.fail(ctx, msg, "", fmt.Sprintf("market clock check failed: %v", err))
	}
	if !open {
		return w.completeSkippedMarketClosed(ctx, msg)
	}

	if msg.Action == models.ActionBuy {
		breached, err := w.RunStore.CheckEquityCircuitBreaker(ctx, msg.RunID, msg.TradeAmount)
		if err != nil {
			return w.fail(ctx, msg, "", fmt.Sprintf("circuit breaker check failed: %v", err))
		}
		if breached {
			metrics.CircuitBreakerTripped.WithLabelValues(msg.StrategyID).Inc()
			return w.fail(ctx, msg, "", "circuit breaker")
		}
	}

	shares, err := w.resolveShares(ctx, msg)
	if err != nil {
		return w.fail(ctx, msg, "", err.Error())
	}

	quote, err := w.Quotes.GetBestQuote(ctx, msg.Symbol, msg.CorrelationID)
	if err != nil || quote.Source == models.QuoteSourceUnavailable {
		return w.fail(ctx, msg, "", "market data unavailable")
	}

	intent := models.OrderIntent{
		Side:          models.Side(msg.Action),
		Symbol:        msg.Symbol,
		Quantity:      shares,
		Urgency:       models.UrgencyMedium,
		CorrelationID: msg.CorrelationID,
	}
	if msg.IsFullLiquidation && msg.Action == models.ActionSell {
		intent.CloseType = models.CloseFull
	}

	strategy, ok := w.Strategies[msg.Policy]
	if !ok {
		return w.fail(ctx, msg, "", fmt.Sprintf("no strategy registered for policy %s", msg.Policy))
	}

	start := time.Now()
	result, err := strategy.Execute(ctx, intent, quote)
	metrics.ExecutionDuration.WithLabelValues(string(msg.Policy)).Observe(time.Since(start).Seconds())
	if err != nil {
		return w.fail(ctx, msg, "", err.Error())
	}
	if !result.Success {
		return w.fail(ctx, msg, result.FinalOrderID, result.ErrorMessage)
	}

	exec := models.ExecutionData{
		FilledShares: result.TotalFilled,
		AvgPrice:     result.AvgFillPrice,
		OrderType:    "limit+market",
		FilledAt:     time.Now().UTC(),
	}
	if err := w.RunStore.MarkTradeCompleted(ctx, msg.RunID, msg.TradeID, models.TradeCompleted, exec, result.FinalOrderID, ""); err != nil {
		return fmt.Errorf("worker: mark trade completed %s/%s: %w", msg.RunID, msg.TradeID, err)
	}
	metrics.TradesProcessed.WithLabelValues(string(msg.Phase), "success").Inc()

	if msg.Action == models.ActionBuy {
		if err := w.RunStore.RecordBuySuccess(ctx, msg.RunID, msg.TradeAmount); err != nil {
			logger.Warn().Err(err).Msg("failed to record buy success against equity limit")
		}
	}

	w.Events.PublishTradeExecuted(events.TradeExecuted{
		RunID: msg.RunID, TradeID: msg.TradeID, Symbol: msg.Symbol, Success: true, Message: "filled",
	})

	if msg.Phase == models.PhaseSell {
		complete, err := w.RunStore.IsSellPhaseComplete(ctx, msg.RunID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to check sell phase completion")
		} else if complete {
			w.triggerBuyPhase(ctx, msg.RunID, msg.CorrelationID)
		}
	}

	return nil
}

func (w *Worker) completeSkippedMarketClosed(ctx context.Context, msg models.TradeMessage) error {
	exec := models.ExecutionData{}
	if err := w.RunStore.MarkTradeCompleted(ctx, msg.RunID, msg.TradeID, models.TradeCompleted, exec, "", "market closed - skipped"); err != nil {
		return fmt.Errorf("worker: mark trade completed (market closed) %s/%s: %w", msg.RunID, msg.TradeID, err)
	}
	w.Events.PublishTradeExecuted(events.TradeExecuted{
		RunID: msg.RunID, TradeID: msg.TradeID, Symbol: msg.Symbol, Success: true, Message: "market closed - skipped",
	})
	if msg.Phase == models.PhaseSell {
		if complete, err := w.RunStore.IsSellPhaseComplete(ctx, msg.RunID); err == nil && complete {
			w.triggerBuyPhase(ctx, msg.RunID, msg.CorrelationID)
		}
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, msg models.TradeMessage, orderID, reason string) error {
	exec := models.ExecutionData{}
	if err := w.RunStore.MarkTradeCompleted(ctx, msg.RunID, msg.TradeID, models.TradeFailed, exec, orderID, reason); err != nil {
		return fmt.Errorf("worker: mark trade failed %s/%s: %w", msg.RunID, msg.TradeID, err)
	}
	metrics.TradesProcessed.WithLabelValues(string(msg.Phase), "failure").Inc()
	w.Events.PublishTradeExecuted(events.TradeExecuted{
		RunID: msg.RunID, TradeID: msg.TradeID, Symbol: msg.Symbol, Success: false, Message: reason,
	})
	if msg.Phase == models.PhaseSell {
		if complete, err := w.RunStore.IsSellPhaseComplete(ctx, msg.RunID); err == nil && complete {
			w.triggerBuyPhase(ctx, msg.RunID, msg.CorrelationID)
		}
	}
	return nil
}

// resolveShares turns a dollar amount into a share count: full liquidation
// sells use the broker's actual position (rounding safety), an explicit
// share count or estimated price are used if present, otherwise the
// current price is fetched and used to back into a share count.
func (w *Worker) resolveShares(ctx context.Context, msg models.TradeMessage) (decimal.Decimal, error) {
	if msg.IsFullLiquidation && msg.Action == models.ActionSell {
		pos, err := w.Broker.GetPosition(ctx, msg.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("resolve_shares: get position for %s: %w", msg.Symbol, err)
		}
		if pos.Qty.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, fmt.Errorf("resolve_shares: no position to liquidate for %s", msg.Symbol)
		}
		return pos.Qty, nil
	}

	if msg.Shares.GreaterThan(decimal.Zero) {
		return msg.Shares, nil
	}

	if msg.EstimatedPrice.GreaterThan(decimal.Zero) {
		return msg.TradeAmount.Div(msg.EstimatedPrice).Round(6), nil
	}

	price, err := w.Broker.GetCurrentPrice(ctx, msg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("resolve_shares: get current price for %s: %w", msg.Symbol, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("resolve_shares: no usable price for %s", msg.Symbol)
	}
	return msg.TradeAmount.Div(price).Round(6), nil
}

// triggerBuyPhase releases the BUY phase once sells settle: the BUY-phase
// guard checks cumulative sell failures against the threshold before
// allowing the transition, and only the conditional winner of
// TransitionToBuyPhase enqueues the stored BUY bodies.
func (w *Worker) triggerBuyPhase(ctx context.Context, runID, correlationID string) {
	run, err := w.RunStore.GetRun(ctx, runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("trigger_buy_phase: failed to read run")
		return
	}

	if run.SellFailedAmount.GreaterThan(w.Cfg.SellFailureThresholdUSD) {
		metrics.SellFailureGuardTripped.WithLabelValues(run.PlanID).Inc()
		if err := w.RunStore.UpdateRunStatus(ctx, runID, models.RunFailed); err != nil {
			log.Error().Err(err).Str("run_id", runID).Msg("trigger_buy_phase: failed to mark run failed after guard trip")
		}
		w.Events.PublishWorkflowFailed(events.WorkflowFailed{
			RunID:         runID,
			CorrelationID: correlationID,
			WorkflowType:  "rebalance",
			Reason:        "BUY phase blocked: SELL failures exceed threshold",
			FailureStep:   "SELL_PHASE_GUARD",
			ErrorDetails:  fmt.Sprintf("sell_failed_amount=%s exceeds threshold=%s", run.SellFailedAmount.String(), w.Cfg.SellFailureThresholdUSD.String()),
			Fatal:         true,
		})
		return
	}

	if err := w.RunStore.TransitionToBuyPhase(ctx, runID); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("trigger_buy_phase: transition failed")
		return
	}

	// Re-read: TransitionToBuyPhase is a conditional no-op for the losing
	// caller, so only re-check whether buys are still unmarked pending
	// before enqueueing, to avoid a double-enqueue if two sells raced here.
	refreshed, err := w.RunStore.GetRun(ctx, runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("trigger_buy_phase: failed to re-read run")
		return
	}
	if refreshed.BuyTradesPending {
		return
	}

	buys, err := w.RunStore.GetPendingBuyTrades(ctx, runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("trigger_buy_phase: failed to read pending buy trades")
		return
	}
	for _, m := range buys {
		attrs := queue.Attributes{"phase": string(m.Phase), "run_id": m.RunID}
		if err := w.Queue.Send(ctx, m, m.RunID, m.TradeID, attrs); err != nil {
			log.Error().Err(err).Str("run_id", runID).Str("trade_id", m.TradeID).Msg("trigger_buy_phase: enqueue failed")
		}
	}
	if err := w.RunStore.MarkBuyTradesPending(ctx, runID, buys); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("trigger_buy_phase: failed to mark buy trades pending")
	}
}
