// Package walkbook implements the default Walk-the-Book execution
// strategy: progressive limit-order price stepping across
// the spread, then a market-order fallback: each unfilled step cancels
// its order and re-prices the remainder one notch closer to the
// aggressive side.
package walkbook

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/clientid"
	"rebalance_core/internal/decimalutil"
	"rebalance_core/internal/lifecycle"
	"rebalance_core/internal/models"
)

// Config tunes the price ladder and waits.
type Config struct {
	PriceSteps       []float64 // default 0.50, 0.75, 0.95
	StepWait         time.Duration
	MarketOrderWait  time.Duration
	MinPrice         decimal.Decimal
	MarketFallback   bool // false disables the final market-order step
}

func DefaultConfig() Config {
	return Config{
		PriceSteps:      []float64{0.50, 0.75, 0.95},
		StepWait:        10 * time.Second,
		MarketOrderWait: 30 * time.Second,
		MinPrice:        decimal.NewFromFloat(0.01),
		MarketFallback:  true,
	}
}

// Strategy executes orders by walking the book.
type Strategy struct {
	broker     broker.Broker
	cfg        Config
	dispatcher *lifecycle.Dispatcher
}

func New(b broker.Broker, cfg Config, dispatcher *lifecycle.Dispatcher) *Strategy {
	return &Strategy{broker: b, cfg: cfg, dispatcher: dispatcher}
}

type stepOrder struct {
	orderID string
}

// Execute implements the shared strategy contract.
func (s *Strategy) Execute(ctx context.Context, intent models.OrderIntent, quote models.Quote) (models.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return models.ExecutionResult{Success: false, ErrorMessage: err.Error()}, nil
	}

	remaining := intent.Quantity
	totalFilled := decimal.Zero
	weightedPriceSum := decimal.Zero
	var attempts []models.ExecutionAttempt
	var placedOrders []stepOrder
	var lastOrderID string

	for k, ratio := range s.cfg.PriceSteps {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}

		price := limitPrice(intent.Side, quote, ratio, s.cfg.MinPrice)
		clientOrderID := fmt.Sprintf("%s-step-%d", baseClientOrderID(intent), k)

		machine := lifecycle.NewMachine("", clientOrderID, s.dispatcher)
		_ = machine.Transition(models.LifecycleValidated)
		_ = machine.Transition(models.LifecycleQueued)

		order, err := s.broker.PlaceLimitOrder(ctx, intent.Symbol, intent.Side, remaining, price, broker.TimeInForceDay, clientOrderID)
		if err != nil {
			attempts = append(attempts, models.ExecutionAttempt{StepIndex: k, LimitPrice: price, Quantity: remaining})
			continue
		}
		_ = machine.Transition(models.LifecycleSubmitted)
		lastOrderID = order.OrderID
		placedOrders = append(placedOrders, stepOrder{orderID: order.OrderID})

		_, _ = s.broker.WaitForOrderCompletion(ctx, []string{order.OrderID}, s.cfg.StepWait)
		status, filled, avgPrice := s.pollStatus(ctx, order.OrderID)

		attempts = append(attempts, models.ExecutionAttempt{
			StepIndex: k, OrderID: order.OrderID, LimitPrice: price,
			Quantity: remaining, FilledQty: filled, Status: status,
		})

		switch status {
		case models.BrokerOrderFilled:
			_ = machine.Transition(models.LifecycleFilled)
			totalFilled = totalFilled.Add(filled)
			weightedPriceSum = weightedPriceSum.Add(filled.Mul(avgPrice))
			remaining = remaining.Sub(filled)
			return s.finish(totalFilled, weightedPriceSum, order.OrderID, attempts), nil

		case models.BrokerOrderRejected:
			_ = machine.Transition(models.LifecycleRejected)
			s.cancelOutstanding(ctx, placedOrders[:len(placedOrders)-1])
			return models.ExecutionResult{
				Success: totalFilled.GreaterThan(decimal.Zero), TotalFilled: totalFilled,
				AvgFillPrice: safeAvg(weightedPriceSum, totalFilled), FinalOrderID: order.OrderID,
				Attempts: attempts, ErrorMessage: "broker rejected limit order",
			}, nil

		default:
			if filled.GreaterThan(decimal.Zero) {
				totalFilled = totalFilled.Add(filled)
				weightedPriceSum = weightedPriceSum.Add(filled.Mul(avgPrice))
				remaining = remaining.Sub(filled)
			}
			s.cancelWithConfirmation(ctx, order.OrderID)
			_ = machine.Transition(models.LifecyclePartiallyFilled)
		}
	}

	if remaining.LessThanOrEqual(decimal.Zero) || !s.cfg.MarketFallback {
		return s.finish(totalFilled, weightedPriceSum, lastOrderID, attempts), nil
	}

	clientOrderID := fmt.Sprintf("%s-market", baseClientOrderID(intent))
	order, err := s.broker.PlaceMarketOrder(ctx, intent.Symbol, intent.Side, remaining, intent.CloseType == models.CloseFull, clientOrderID)
	if err != nil {
		attempts = append(attempts, models.ExecutionAttempt{WasMarket: true, Quantity: remaining})
		return models.ExecutionResult{
			Success: totalFilled.GreaterThan(decimal.Zero), TotalFilled: totalFilled,
			AvgFillPrice: safeAvg(weightedPriceSum, totalFilled), FinalOrderID: lastOrderID,
			Attempts: attempts, ErrorMessage: err.Error(),
		}, nil
	}

	_, _ = s.broker.WaitForOrderCompletion(ctx, []string{order.OrderID}, s.cfg.MarketOrderWait)
	status, filled, avgPrice := s.pollStatus(ctx, order.OrderID)
	attempts = append(attempts, models.ExecutionAttempt{
		OrderID: order.OrderID, Quantity: remaining, FilledQty: filled, Status: status, WasMarket: true,
	})

	if filled.GreaterThan(decimal.Zero) {
		totalFilled = totalFilled.Add(filled)
		weightedPriceSum = weightedPriceSum.Add(filled.Mul(avgPrice))
	}

	if status != models.BrokerOrderFilled && totalFilled.LessThan(intent.Quantity) {
		return models.ExecutionResult{
			Success: false, TotalFilled: totalFilled, AvgFillPrice: safeAvg(weightedPriceSum, totalFilled),
			FinalOrderID: order.OrderID, Attempts: attempts, ErrorMessage: "market order did not fill",
		}, nil
	}

	return s.finish(totalFilled, weightedPriceSum, order.OrderID, attempts), nil
}

func (s *Strategy) finish(totalFilled, weightedPriceSum decimal.Decimal, orderID string, attempts []models.ExecutionAttempt) models.ExecutionResult {
	return models.ExecutionResult{
		Success:      totalFilled.GreaterThan(decimal.Zero),
		TotalFilled:  totalFilled,
		AvgFillPrice: safeAvg(weightedPriceSum, totalFilled),
		FinalOrderID: orderID,
		Attempts:     attempts,
	}
}

// pollStatus is the poll-fallback half of "push/websocket primary, poll
// fallback": WaitForOrderCompletion already pushed or
// timed out, this reads the settled status either way.
func (s *Strategy) pollStatus(ctx context.Context, orderID string) (models.BrokerOrderStatus, decimal.Decimal, decimal.Decimal) {
	res, err := s.broker.GetOrderExecutionResult(ctx, orderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("failed to poll order status")
		return models.BrokerOrderOpen, decimal.Zero, decimal.Zero
	}
	return res.Status, res.FilledQty, res.AvgFillPrice
}

// cancelWithConfirmation cancels an order and confirms termination by
// polling with exponential backoff (100ms -> 1s, up to 10s).
func (s *Strategy) cancelWithConfirmation(ctx context.Context, orderID string) {
	if err := s.broker.CancelOrder(ctx, orderID); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("cancel request failed")
	}

	backoff := 100 * time.Millisecond
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, err := s.broker.GetOrderExecutionResult(ctx, orderID)
		if err == nil && (res.Status == models.BrokerOrderCancelled || res.Status == models.BrokerOrderFilled || res.Status == models.BrokerOrderRejected) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Second {
			backoff = time.Second
		}
	}
}

// cancelOutstanding cancels every still-pending order from earlier steps
// after a rejection, to release held shares.
func (s *Strategy) cancelOutstanding(ctx context.Context, orders []stepOrder) {
	for _, o := range orders {
		res, err := s.broker.GetOrderExecutionResult(ctx, o.orderID)
		if err == nil && (res.Status == models.BrokerOrderFilled || res.Status == models.BrokerOrderCancelled) {
			continue
		}
		s.cancelWithConfirmation(ctx, o.orderID)
	}
}

// limitPrice is the price-stepping formula.
func limitPrice(side models.Side, quote models.Quote, ratio float64, minPrice decimal.Decimal) decimal.Decimal {
	r := decimal.NewFromFloat(ratio)
	spread := quote.Spread()
	var price decimal.Decimal
	if side == models.SideBuy {
		price = quote.BidPrice.Add(spread.Mul(r))
	} else {
		price = quote.AskPrice.Sub(spread.Mul(r))
	}
	price = decimalutil.ClampMin(price, minPrice)
	return decimalutil.QuantizeToCent(price)
}

func baseClientOrderID(intent models.OrderIntent) string {
	if intent.ClientOrderID != "" {
		return intent.ClientOrderID
	}
	return clientid.Generate("wtb", intent.Symbol, 0)
}

func safeAvg(weightedSum, totalFilled decimal.Decimal) decimal.Decimal {
	if totalFilled.IsZero() {
		return decimal.Zero
	}
	return weightedSum.Div(totalFilled)
}
