package timeaware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/clientid"
	"rebalance_core/internal/decimalutil"
	"rebalance_core/internal/metrics"
	"rebalance_core/internal/models"
	"rebalance_core/internal/runstore"
)

// QuoteSource is the slice of the quote pipeline the engine needs; the
// concrete *quotes.Pipeline satisfies it.
type QuoteSource interface {
	GetBestQuote(ctx context.Context, symbol, correlationID string) (models.Quote, error)
}

// HaltBehaviour controls what a tick does with an execution whose symbol
// is effectively untradable (no usable quote, or spread beyond the
// configured cap).
const (
	HaltPause    = "pause"
	HaltCancel   = "cancel"
	HaltContinue = "continue"
)

// Config tunes the tick engine.
type Config struct {
	AuctionParticipation   bool
	AuctionReserveFraction float64
	AuctionCutoffMinute    int // minutes since midnight, exchange local
	MaxSpreadBps           int
	MaxOrderSizeFraction   float64
	MinOrderSize           decimal.Decimal
	HaltBehaviour          string
	Weights                UrgencyWeights
	TickConcurrency        int
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() Config {
	return Config{
		AuctionParticipation:   true,
		AuctionReserveFraction: 0.30,
		AuctionCutoffMinute:    15*60 + 50,
		MaxSpreadBps:           50,
		MaxOrderSizeFraction:   0.50,
		MinOrderSize:           decimal.NewFromInt(1),
		HaltBehaviour:          HaltPause,
		Weights:                DefaultUrgencyWeights(),
		TickConcurrency:        8,
	}
}

// Engine is the time-aware tick runner: each Tick loads
// every open PendingExecution, reconciles its child orders against the
// broker, and re-pegs or resizes working orders to match the current
// phase and urgency. Ownership of an execution across concurrent ticks
// is settled by the store's optimistic version lock, never by memory.
type Engine struct {
	broker broker.Broker
	store  runstore.PendingExecutionStore
	quotes QuoteSource
	cfg    Config

	// Policy overrides the built-in phase tables when non-nil (loaded via
	// LoadPhasePolicy). Now is the tick clock; tests pin it.
	Policy []PhaseWindow
	Now    func() time.Time
}

// NewEngine wires a tick engine. quotes may be nil only in tests that
// never reach order placement.
func NewEngine(b broker.Broker, store runstore.PendingExecutionStore, quotes QuoteSource, cfg Config) *Engine {
	if cfg.TickConcurrency <= 0 {
		cfg.TickConcurrency = 1
	}
	return &Engine{broker: b, store: store, quotes: quotes, cfg: cfg, Now: time.Now}
}

func (e *Engine) windows(t time.Time) []PhaseWindow {
	if e.Policy != nil {
		return e.Policy
	}
	return policyFor(t)
}

// Tick processes all open pending executions once. Individual execution
// failures (including lost version races) are logged and skipped; the
// tick only errors when the store cannot even be listed.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	open, err := e.store.ListOpenPendingExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("timeaware: list open executions: %w", err)
	}
	metrics.PendingExecutionsOpen.Set(float64(len(open)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.TickConcurrency)
	for _, pe := range open {
		pe := pe
		g.Go(func() error {
			if err := e.processExecution(ctx, pe); err != nil {
				if errors.Is(err, runstore.ErrConflict) {
					log.Debug().Str("execution_id", pe.ExecutionID).Msg("tick lost version race, skipping until next cycle")
					return nil
				}
				log.Error().Err(err).Str("execution_id", pe.ExecutionID).Str("symbol", pe.Symbol).Msg("tick failed for execution")
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(open), nil
}

// processExecution runs the per-tick, per-execution algorithm.
func (e *Engine) processExecution(ctx context.Context, pe models.PendingExecution) error {
	now := e.Now()
	windows := e.windows(now)
	logger := log.With().Str("execution_id", pe.ExecutionID).Str("symbol", pe.Symbol).Logger()

	e.reconcileChildren(ctx, &pe)

	if pe.FilledQty.GreaterThanOrEqual(pe.TargetQty) {
		pe.State = models.PendingExecCompleted
		logger.Info().Str("filled", pe.FilledQty.String()).Msg("execution complete")
		return e.save(ctx, &pe)
	}

	phaseName := DetectPhaseIn(windows, now)
	if phaseName == "MARKET_CLOSED" {
		pe.CurrentPhase = models.PhaseMarketClosed
		return e.save(ctx, &pe)
	}
	window, _ := WindowForIn(windows, now)
	pe.CurrentPhase = models.ExecutionPhase(phaseName)

	progress := SessionProgressIn(windows, now)
	filledRatio := 0.0
	if pe.TargetQty.GreaterThan(decimal.Zero) {
		filledRatio, _ = pe.FilledQty.Div(pe.TargetQty).Float64()
	}
	score := ComputeUrgency(progress, filledRatio, pe.CurrentPhase, e.cfg.Weights)
	pe.UrgencyScore = score.Combined

	quote, err := e.quotes.GetBestQuote(ctx, pe.Symbol, pe.ExecutionID)
	if err != nil || !quote.Usable() || e.spreadTooWide(quote) {
		return e.applyHalt(ctx, &pe, logger)
	}
	if pe.State == models.PendingExecPaused {
		pe.State = models.PendingExecActive
	}

	desiredPeg := SuggestPeg(score.Combined, window)

	// Cancel working children pegged more passively than the urgency now
	// warrants; their quantity flows back into the next child's sizing.
	openChildren := 0
	for i := range pe.ChildOrders {
		c := &pe.ChildOrders[i]
		if terminalChild(c.Status) || c.IsAuction {
			continue
		}
		if IsMorePassiveThan(c.Peg, desiredPeg) {
			e.cancelChild(ctx, c, logger)
			continue
		}
		openChildren++
	}

	if openChildren < 1 {
		if err := e.submitChild(ctx, &pe, window, desiredPeg, score.Combined, quote); err != nil {
			logger.Warn().Err(err).Msg("child order submission failed")
		}
	}

	if e.auctionDue(now, pe) {
		if err := e.submitAuction(ctx, &pe, quote); err != nil {
			logger.Warn().Err(err).Msg("closing auction submission failed")
		}
	}

	if pe.State == models.PendingExecPending {
		pe.State = models.PendingExecActive
	}
	return e.save(ctx, &pe)
}

// reconcileChildren refreshes every non-terminal child order's status from
// the broker and rebuilds the parent's fill tally.
func (e *Engine) reconcileChildren(ctx context.Context, pe *models.PendingExecution) {
	for i := range pe.ChildOrders {
		c := &pe.ChildOrders[i]
		if terminalChild(c.Status) || c.OrderID == "" {
			continue
		}
		res, err := e.broker.GetOrderExecutionResult(ctx, c.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", c.OrderID).Msg("reconcile: broker status fetch failed")
			continue
		}
		c.Status = res.Status
		c.FilledQty = res.FilledQty
		c.AvgFillPrice = res.AvgFillPrice
	}

	total := decimal.Zero
	weighted := decimal.Zero
	for _, c := range pe.ChildOrders {
		if c.FilledQty.GreaterThan(decimal.Zero) {
			total = total.Add(c.FilledQty)
			weighted = weighted.Add(c.FilledQty.Mul(c.AvgFillPrice))
		}
	}
	pe.FilledQty = total
	if total.GreaterThan(decimal.Zero) {
		pe.AvgFillPrice = weighted.Div(total)
	}
}

func (e *Engine) spreadTooWide(q models.Quote) bool {
	if e.cfg.MaxSpreadBps <= 0 {
		return false
	}
	mid := q.Mid()
	if mid.LessThanOrEqual(decimal.Zero) {
		return true
	}
	spreadBps := q.Spread().Div(mid).Mul(decimal.NewFromInt(10000))
	return spreadBps.GreaterThan(decimal.NewFromInt(int64(e.cfg.MaxSpreadBps)))
}

// applyHalt handles the untradable-symbol path per the configured halt
// behaviour: pause parks the execution, cancel tears it down, continue
// leaves working orders alone and waits for the next tick.
func (e *Engine) applyHalt(ctx context.Context, pe *models.PendingExecution, logger zerolog.Logger) error {
	switch e.cfg.HaltBehaviour {
	case HaltCancel:
		for i := range pe.ChildOrders {
			c := &pe.ChildOrders[i]
			if !terminalChild(c.Status) {
				e.cancelChild(ctx, c, logger)
			}
		}
		pe.State = models.PendingExecCancelled
		logger.Warn().Msg("symbol untradable, cancelling execution")
	case HaltContinue:
		logger.Warn().Msg("symbol untradable, leaving working orders for next tick")
	default: // HaltPause
		pe.State = models.PendingExecPaused
		logger.Warn().Msg("symbol untradable, pausing execution")
	}
	return e.save(ctx, pe)
}

func (e *Engine) cancelChild(ctx context.Context, c *models.ChildOrder, logger zerolog.Logger) {
	if err := e.broker.CancelOrder(ctx, c.OrderID); err != nil {
		logger.Warn().Err(err).Str("order_id", c.OrderID).Msg("child cancel failed")
		return
	}
	c.Status = models.BrokerOrderCancelled
}

// submitChild sizes and places a new working order:
// remaining * (0.10 + 0.90*urgency), capped by MaxOrderSizeFraction of
// the remainder, floored at MinOrderSize but never above the remainder.
func (e *Engine) submitChild(ctx context.Context, pe *models.PendingExecution, window PhaseWindow, peg models.Peg, urgency float64, quote models.Quote) error {
	remaining := pe.RemainingQty()
	if remaining.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	qty := remaining.Mul(decimal.NewFromFloat(SuggestOrderSizeFraction(urgency)))
	if e.cfg.MaxOrderSizeFraction > 0 {
		maxQty := remaining.Mul(decimal.NewFromFloat(e.cfg.MaxOrderSizeFraction))
		if qty.GreaterThan(maxQty) {
			qty = maxQty
		}
	}
	if qty.LessThan(e.cfg.MinOrderSize) {
		qty = e.cfg.MinOrderSize
	}
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	qty = qty.Round(6)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	clientOrderID := clientid.Generate(pe.PolicyID, pe.Symbol, len(pe.ChildOrders))

	var placed models.ExecutedOrder
	var err error
	if peg == models.PegMarket {
		if !window.AllowMarketOrders || pe.AuctionSubmitted {
			return nil
		}
		placed, err = e.broker.PlaceMarketOrder(ctx, pe.Symbol, pe.Side, qty, false, clientOrderID)
	} else {
		price, ok := PegPrice(pe.Side, quote, peg)
		if !ok {
			return nil
		}
		placed, err = e.broker.PlaceLimitOrder(ctx, pe.Symbol, pe.Side, qty, price, broker.TimeInForceDay, clientOrderID)
	}
	if err != nil {
		return err
	}

	pe.ChildOrders = append(pe.ChildOrders, models.ChildOrder{
		OrderID:       placed.OrderID,
		ClientOrderID: clientOrderID,
		Peg:           peg,
		Quantity:      qty,
		Status:        placed.Status,
		FilledQty:     placed.FilledQty,
		AvgFillPrice:  placed.AvgFillPrice,
	})
	return nil
}

func (e *Engine) auctionDue(now time.Time, pe models.PendingExecution) bool {
	if !e.cfg.AuctionParticipation || pe.AuctionSubmitted {
		return false
	}
	if pe.RemainingQty().LessThanOrEqual(decimal.Zero) {
		return false
	}
	et := now.In(exchangeLocation)
	return et.Hour()*60+et.Minute() >= e.cfg.AuctionCutoffMinute
}

// submitAuction reserves a fraction of the remainder for the closing
// auction print. Once submitted,
// the flag on the execution keeps every later tick from double-entering
// the auction or racing it with a market-order fallback.
func (e *Engine) submitAuction(ctx context.Context, pe *models.PendingExecution, quote models.Quote) error {
	qty := pe.RemainingQty().Mul(decimal.NewFromFloat(e.cfg.AuctionReserveFraction)).Round(6)
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	price, _ := PegPrice(pe.Side, quote, models.PegCross)
	price = decimalutil.ClampMinPenny(price)
	clientOrderID := clientid.Generate(pe.PolicyID, pe.Symbol, len(pe.ChildOrders))

	placed, err := e.broker.PlaceLimitOrder(ctx, pe.Symbol, pe.Side, qty, price, broker.TimeInForceCLS, clientOrderID)
	if err != nil {
		return err
	}

	pe.AuctionSubmitted = true
	pe.ChildOrders = append(pe.ChildOrders, models.ChildOrder{
		OrderID:       placed.OrderID,
		ClientOrderID: clientOrderID,
		Peg:           models.PegCross,
		Quantity:      qty,
		Status:        placed.Status,
		IsAuction:     true,
	})
	return nil
}

// save bumps the optimistic version and writes the execution back; a
// version race surfaces as runstore.ErrConflict for the caller to skip.
func (e *Engine) save(ctx context.Context, pe *models.PendingExecution) error {
	pe.Version++
	pe.UpdatedAt = e.Now().UTC()
	return e.store.UpdatePendingExecution(ctx, *pe)
}

func terminalChild(s models.BrokerOrderStatus) bool {
	switch s {
	case models.BrokerOrderFilled, models.BrokerOrderCancelled, models.BrokerOrderRejected, models.BrokerOrderExpired:
		return true
	default:
		return false
	}
}
