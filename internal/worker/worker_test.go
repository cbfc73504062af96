package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/events"
	"rebalance_core/internal/models"
	"rebalance_core/internal/queue/memqueue"
	"rebalance_core/internal/quotes"
	"rebalance_core/internal/runstore/sqlstore"
)

func decf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeBroker struct {
	broker.Broker
	position    decimal.Decimal
	price       decimal.Decimal
	marketOpen  bool
}

func (f *fakeBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return &models.Position{Symbol: symbol, Qty: f.position}, nil
}

func (f *fakeBroker) GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	return &models.Quote{Symbol: symbol, BidPrice: decf(99.9), AskPrice: decf(100.1), Timestamp: time.Now()}, nil
}

func (f *fakeBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	return f.marketOpen, nil
}

type fakeStrategy struct {
	result models.ExecutionResult
	err    error
}

func (s *fakeStrategy) Execute(ctx context.Context, intent models.OrderIntent, quote models.Quote) (models.ExecutionResult, error) {
	return s.result, s.err
}

func newTestWorker(t *testing.T, b broker.Broker, strategyResult models.ExecutionResult) (*Worker, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := memqueue.New(5 * time.Minute)
	cache := quotes.NewMemoryStreamCache()
	pipeline := quotes.New(b, cache, quotes.Config{
		StreamingTimeout:      10 * time.Millisecond,
		StreamingPollInterval: 5 * time.Millisecond,
		QuoteFreshness:        10 * time.Second,
	})

	strategies := map[models.ExecutionPolicy]Strategy{
		models.PolicyWalkTheBook: &fakeStrategy{result: strategyResult},
	}

	w := New(b, store, q, pipeline, strategies, events.New(), Config{SellFailureThresholdUSD: decf(500)})
	return w, store
}

func baseMsg(runID string, action models.Action, phase models.Phase) models.TradeMessage {
	return models.TradeMessage{
		RunID: runID, TradeID: runID + "-t1", PlanID: "plan1", CorrelationID: "corr1",
		StrategyID: "strat1", Symbol: "AAPL", Action: action, TradeAmount: decf(1000),
		Phase: phase, SequenceNumber: 1000, Policy: models.PolicyWalkTheBook,
	}
}

func seedRun(t *testing.T, store *sqlstore.Store, msg models.TradeMessage, sellTotal, buyTotal int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, models.RunRecord{
		RunID: msg.RunID, PlanID: msg.PlanID, CorrelationID: msg.CorrelationID,
		TotalTrades: sellTotal + buyTotal, SellTotal: sellTotal, BuyTotal: buyTotal,
		MaxEquityLimitUSD: decf(10000), CurrentPhase: models.PhaseSell, Status: models.RunSellPhase,
	}))
	require.NoError(t, store.CreateTrade(ctx, models.TradeRecord{
		RunID: msg.RunID, TradeID: msg.TradeID, Symbol: msg.Symbol, Action: msg.Action,
		Phase: msg.Phase, SequenceNumber: msg.SequenceNumber, TradeAmount: msg.TradeAmount,
		Status: models.TradePending,
	}))
}

func TestHandle_SuccessfulSellCompletesTrade(t *testing.T) {
	b := &fakeBroker{position: decf(10), price: decf(100), marketOpen: true}
	w, store := newTestWorker(t, b, models.ExecutionResult{Success: true, TotalFilled: decf(10), AvgFillPrice: decf(100)})

	msg := baseMsg("run1", models.ActionSell, models.PhaseSell)
	seedRun(t, store, msg, 1, 0)

	require.NoError(t, w.Handle(context.Background(), msg))

	trade, err := store.GetTrade(context.Background(), msg.RunID, msg.TradeID)
	require.NoError(t, err)
	require.Equal(t, models.TradeCompleted, trade.Status)
}

func TestHandle_DuplicateDeliverySkipped(t *testing.T) {
	b := &fakeBroker{position: decf(10), price: decf(100), marketOpen: true}
	w, store := newTestWorker(t, b, models.ExecutionResult{Success: true, TotalFilled: decf(10), AvgFillPrice: decf(100)})

	msg := baseMsg("run2", models.ActionSell, models.PhaseSell)
	seedRun(t, store, msg, 1, 0)

	require.NoError(t, w.Handle(context.Background(), msg))
	require.NoError(t, w.Handle(context.Background(), msg)) // second delivery: idempotency set or terminal status short-circuits
}

func TestHandle_MarketClosedSkipsExecution(t *testing.T) {
	b := &fakeBroker{position: decf(10), price: decf(100), marketOpen: false}
	w, store := newTestWorker(t, b, models.ExecutionResult{Success: true})

	msg := baseMsg("run3", models.ActionBuy, models.PhaseBuy)
	seedRun(t, store, msg, 0, 1)

	require.NoError(t, w.Handle(context.Background(), msg))

	trade, err := store.GetTrade(context.Background(), msg.RunID, msg.TradeID)
	require.NoError(t, err)
	require.Equal(t, models.TradeCompleted, trade.Status)
	require.Equal(t, "market closed - skipped", trade.ErrorMessage)
}

func TestHandle_CircuitBreakerBlocksBuy(t *testing.T) {
	b := &fakeBroker{position: decf(0), price: decf(100), marketOpen: true}
	w, store := newTestWorker(t, b, models.ExecutionResult{Success: true})

	msg := baseMsg("run4", models.ActionBuy, models.PhaseBuy)
	msg.TradeAmount = decf(20000) // exceeds the 10000 max equity limit seeded below
	seedRun(t, store, msg, 0, 1)

	require.NoError(t, w.Handle(context.Background(), msg))

	trade, err := store.GetTrade(context.Background(), msg.RunID, msg.TradeID)
	require.NoError(t, err)
	require.Equal(t, models.TradeFailed, trade.Status)
	require.Equal(t, "circuit breaker", trade.ErrorMessage)
}

func TestTriggerBuyPhase_GuardBlocksOnExcessiveSellFailures(t *testing.T) {
	ctx := context.Background()
	b := &fakeBroker{position: decf(10), price: decf(100), marketOpen: true}
	w, store := newTestWorker(t, b, models.ExecutionResult{})

	runID := "run5"
	require.NoError(t, store.CreateRun(ctx, models.RunRecord{
		RunID: runID, CurrentPhase: models.PhaseSell, Status: models.RunSellPhase,
		SellTotal: 1, SellFailedAmount: decf(600), MaxEquityLimitUSD: decf(10000),
	}))

	w.triggerBuyPhase(ctx, runID, "corr")

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.RunFailed, run.Status)
	require.Equal(t, models.PhaseSell, run.CurrentPhase) // guard must not transition
}

func TestTriggerBuyPhase_EnqueuesPendingBuys(t *testing.T) {
	ctx := context.Background()
	b := &fakeBroker{position: decf(10), price: decf(100), marketOpen: true}
	w, store := newTestWorker(t, b, models.ExecutionResult{})

	runID := "run6"
	buyMsg := baseMsg(runID, models.ActionBuy, models.PhaseBuy)
	require.NoError(t, store.CreateRun(ctx, models.RunRecord{
		RunID: runID, CurrentPhase: models.PhaseSell, Status: models.RunSellPhase,
		SellTotal: 1, SellFailedAmount: decf(0), MaxEquityLimitUSD: decf(10000),
		PendingBuyBodies: []models.TradeMessage{buyMsg},
	}))

	w.triggerBuyPhase(ctx, runID, "corr")

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.PhaseBuy, run.CurrentPhase)
	require.True(t, run.BuyTradesPending)
	require.Equal(t, 1, w.Queue.(interface{ Len() int }).Len())
}
