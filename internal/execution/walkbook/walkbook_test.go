package walkbook

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/models"
)

func decf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// fakeBroker fills the first limit order completely, simulating the
// happy-path walk-the-book exit at step 0.
type fakeBroker struct {
	broker.Broker
	orderSeq   int
	fillAt     int // step index (0-based) at which an order is reported FILLED
	calls      int
	cancelled  map[string]bool
}

func (f *fakeBroker) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, limitPrice decimal.Decimal, tif broker.TimeInForce, clientOrderID string) (models.ExecutedOrder, error) {
	f.orderSeq++
	return models.ExecutedOrder{OrderID: clientOrderID, ClientOrderID: clientOrderID}, nil
}

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (models.ExecutedOrder, error) {
	return models.ExecutedOrder{OrderID: clientOrderID}, nil
}

func (f *fakeBroker) WaitForOrderCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) (broker.WaitResult, error) {
	return broker.WaitResult{CompletedOrderIDs: orderIDs}, nil
}

func (f *fakeBroker) GetOrderExecutionResult(ctx context.Context, orderID string) (broker.OrderExecutionResult, error) {
	if f.cancelled[orderID] {
		return broker.OrderExecutionResult{Status: models.BrokerOrderCancelled}, nil
	}
	f.calls++
	if f.calls-1 == f.fillAt {
		return broker.OrderExecutionResult{Status: models.BrokerOrderFilled, FilledQty: decf(100), AvgFillPrice: decf(100)}, nil
	}
	return broker.OrderExecutionResult{Status: models.BrokerOrderOpen}, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	if f.cancelled == nil {
		f.cancelled = make(map[string]bool)
	}
	f.cancelled[orderID] = true
	return nil
}

func sampleQuote() models.Quote {
	return models.Quote{Symbol: "AAPL", BidPrice: decf(99.90), AskPrice: decf(100.10)}
}

func TestExecuteFillsAtFirstStep(t *testing.T) {
	b := &fakeBroker{fillAt: 0}
	cfg := DefaultConfig()
	cfg.StepWait = time.Millisecond
	s := New(b, cfg, nil)

	res, err := s.Execute(context.Background(), models.OrderIntent{
		Side: models.SideBuy, Symbol: "AAPL", Quantity: decf(100),
	}, sampleQuote())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.TotalFilled.Equal(decf(100)))
	assert.Len(t, res.Attempts, 1)
}

func TestExecuteFallsBackToMarketAfterAllSteps(t *testing.T) {
	b := &fakeBroker{fillAt: 99} // never fills a limit step
	cfg := DefaultConfig()
	cfg.StepWait = time.Millisecond
	cfg.MarketOrderWait = time.Millisecond
	s := New(b, cfg, nil)

	res, err := s.Execute(context.Background(), models.OrderIntent{
		Side: models.SideSell, Symbol: "AAPL", Quantity: decf(50),
	}, sampleQuote())
	require.NoError(t, err)
	assert.False(t, res.Success) // market order result status stays OPEN in this stub
	assert.Equal(t, len(cfg.PriceSteps)+1, len(res.Attempts))
}

func TestLimitPriceBuyUsesPositiveRatioIntoSpread(t *testing.T) {
	q := sampleQuote()
	p := limitPrice(models.SideBuy, q, 0.5, decf(0.01))
	mid := q.BidPrice.Add(q.Spread().Mul(decf(0.5)))
	assert.True(t, p.Equal(mid.Round(2)))
}

func TestLimitPriceClampsToMinimum(t *testing.T) {
	q := models.Quote{BidPrice: decf(0.001), AskPrice: decf(0.002)}
	p := limitPrice(models.SideBuy, q, 0.5, decf(0.01))
	assert.True(t, p.GreaterThanOrEqual(decf(0.01)))
}
