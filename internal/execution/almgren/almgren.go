// Package almgren implements the Almgren-Chriss time-sliced execution
// strategy: the classical trajectory splits a target
// quantity across N slices over total time T, trading more early and
// tapering; kappa grows with risk aversion and volatility and shrinks as
// temporary impact grows. Each
// slice follows the same place/wait/cancel shape as
// internal/execution/walkbook.
package almgren

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/clientid"
	"rebalance_core/internal/decimalutil"
	"rebalance_core/internal/models"
)

// Config tunes the trajectory and waits.
type Config struct {
	RiskAversion        float64 // lambda
	Volatility          float64 // sigma
	TempImpact          float64 // eta
	NumSlices           int
	TotalTime           time.Duration
	SliceWait           time.Duration
	MarketOrderFallback bool
}

func DefaultConfig() Config {
	return Config{
		RiskAversion:        0.5,
		Volatility:          0.02,
		TempImpact:          0.001,
		NumSlices:           5,
		TotalTime:           300 * time.Second,
		SliceWait:           30 * time.Second,
		MarketOrderFallback: true,
	}
}

// kappa is the classical Almgren-Chriss decay rate: sqrt(lambda*sigma^2/eta).
func kappa(cfg Config) float64 {
	if cfg.TempImpact <= 0 {
		return 0
	}
	v := cfg.RiskAversion * cfg.Volatility * cfg.Volatility / cfg.TempImpact
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}

// trajectory computes x_k = Q * sinh(kappa*(N-k)*dt) / sinh(kappa*N*dt), the
// remaining quantity still to trade after slice k.
func trajectory(q decimal.Decimal, n, k int, dt, k_ float64) decimal.Decimal {
	if k_ == 0 {
		// kappa==0 degrades to a uniform linear schedule.
		frac := float64(n-k) / float64(n)
		return q.Mul(decimal.NewFromFloat(frac))
	}
	numerator := math.Sinh(k_ * float64(n-k) * dt)
	denominator := math.Sinh(k_ * float64(n) * dt)
	if denominator == 0 {
		return decimal.Zero
	}
	frac := numerator / denominator
	if frac < 0 {
		frac = 0
	}
	return q.Mul(decimal.NewFromFloat(frac))
}

// Strategy executes orders via Almgren-Chriss time-slicing.
type Strategy struct {
	broker broker.Broker
	cfg    Config
}

func New(b broker.Broker, cfg Config) *Strategy {
	return &Strategy{broker: b, cfg: cfg}
}

// Execute implements the shared strategy contract.
func (s *Strategy) Execute(ctx context.Context, intent models.OrderIntent, quote models.Quote) (models.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return models.ExecutionResult{Success: false, ErrorMessage: err.Error()}, nil
	}

	n := s.cfg.NumSlices
	if n < 1 {
		n = 1
	}
	dt := s.cfg.TotalTime.Seconds() / float64(n)
	k_ := kappa(s.cfg)

	remaining := intent.Quantity
	totalFilled := decimal.Zero
	weightedSum := decimal.Zero
	var attempts []models.ExecutionAttempt
	var lastOrderID string

	prevRemaining := trajectory(intent.Quantity, n, 0, dt, k_)
	for k := 1; k <= n; k++ {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		nextRemaining := trajectory(intent.Quantity, n, k, dt, k_)
		sliceQty := prevRemaining.Sub(nextRemaining)
		prevRemaining = nextRemaining
		if sliceQty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if sliceQty.GreaterThan(remaining) {
			sliceQty = remaining
		}

		aggressiveness := 0.60
		if n > 1 {
			aggressiveness = 0.60 + 0.30*float64(k-1)/float64(n-1)
		}
		price := sliceLimitPrice(intent.Side, quote, aggressiveness)

		clientOrderID := fmt.Sprintf("%s-slice-%d", baseClientOrderID(intent), k)
		order, err := s.broker.PlaceLimitOrder(ctx, intent.Symbol, intent.Side, sliceQty, price, broker.TimeInForceDay, clientOrderID)
		if err != nil {
			attempts = append(attempts, models.ExecutionAttempt{StepIndex: k, LimitPrice: price, Quantity: sliceQty})
			continue
		}
		lastOrderID = order.OrderID

		_, _ = s.broker.WaitForOrderCompletion(ctx, []string{order.OrderID}, s.cfg.SliceWait)
		res, err := s.broker.GetOrderExecutionResult(ctx, order.OrderID)
		if err != nil {
			attempts = append(attempts, models.ExecutionAttempt{StepIndex: k, OrderID: order.OrderID, LimitPrice: price, Quantity: sliceQty})
			continue
		}

		attempts = append(attempts, models.ExecutionAttempt{
			StepIndex: k, OrderID: order.OrderID, LimitPrice: price,
			Quantity: sliceQty, FilledQty: res.FilledQty, Status: res.Status,
		})

		if res.FilledQty.GreaterThan(decimal.Zero) {
			totalFilled = totalFilled.Add(res.FilledQty)
			weightedSum = weightedSum.Add(res.FilledQty.Mul(res.AvgFillPrice))
			remaining = remaining.Sub(res.FilledQty)
		}

		if res.Status != models.BrokerOrderFilled {
			_ = s.broker.CancelOrder(ctx, order.OrderID)
		}
	}

	fillPct := 0.0
	if intent.Quantity.GreaterThan(decimal.Zero) {
		f, _ := totalFilled.Div(intent.Quantity).Float64()
		fillPct = f
	}

	if remaining.GreaterThan(decimal.Zero) && fillPct < 0.50 && s.cfg.MarketOrderFallback {
		clientOrderID := fmt.Sprintf("%s-market", baseClientOrderID(intent))
		order, err := s.broker.PlaceMarketOrder(ctx, intent.Symbol, intent.Side, remaining, intent.CloseType == models.CloseFull, clientOrderID)
		if err == nil {
			_, _ = s.broker.WaitForOrderCompletion(ctx, []string{order.OrderID}, s.cfg.SliceWait)
			res, rerr := s.broker.GetOrderExecutionResult(ctx, order.OrderID)
			if rerr == nil {
				attempts = append(attempts, models.ExecutionAttempt{
					OrderID: order.OrderID, Quantity: remaining, FilledQty: res.FilledQty, Status: res.Status, WasMarket: true,
				})
				if res.FilledQty.GreaterThan(decimal.Zero) {
					totalFilled = totalFilled.Add(res.FilledQty)
					weightedSum = weightedSum.Add(res.FilledQty.Mul(res.AvgFillPrice))
				}
				lastOrderID = order.OrderID
			}
		}
	}

	// Success iff total_filled >= Q or >= 95% of Q.
	tolerance := intent.Quantity.Mul(decimal.NewFromFloat(0.95))
	success := totalFilled.GreaterThanOrEqual(tolerance)

	result := models.ExecutionResult{
		Success:      success,
		TotalFilled:  totalFilled,
		FinalOrderID: lastOrderID,
		Attempts:     attempts,
	}
	if totalFilled.GreaterThan(decimal.Zero) {
		result.AvgFillPrice = weightedSum.Div(totalFilled)
	}
	if !success {
		result.ErrorMessage = "almgren-chriss: failed to reach 95% fill tolerance"
	}
	return result, nil
}

// sliceLimitPrice positions a limit price inside the spread using the
// per-slice aggressiveness factor.
func sliceLimitPrice(side models.Side, quote models.Quote, aggressiveness float64) decimal.Decimal {
	r := aggressiveness
	if side == models.SideSell {
		r = 1 - aggressiveness
	}
	price := decimalutil.LerpFloat(quote.BidPrice, quote.AskPrice, r)
	return decimalutil.ClampMinPenny(price)
}

func baseClientOrderID(intent models.OrderIntent) string {
	if intent.ClientOrderID != "" {
		return intent.ClientOrderID
	}
	return clientid.Generate("ac", intent.Symbol, 0)
}
