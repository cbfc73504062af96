package decomposer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalance_core/internal/models"
	"rebalance_core/internal/queue"
	"rebalance_core/internal/queue/memqueue"
	"rebalance_core/internal/runstore/sqlstore"
)

func decf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestDecomposer(t *testing.T) (*Decomposer, *memqueue.Queue, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := memqueue.New(5 * time.Minute)
	d := &Decomposer{
		Queue:               q,
		RunStore:            store,
		EquityDeploymentPct: 0.95,
		RunTTL:              24 * time.Hour,
	}
	return d, q, store
}

func item(symbol string, action models.Action, amount float64, priority int) models.PlanItem {
	return models.PlanItem{
		Symbol:        symbol,
		Action:        action,
		TargetWeight:  decf(0.10),
		CurrentWeight: decf(0.05),
		TradeAmount:   decf(amount),
		Priority:      priority,
	}
}

func TestDecompose_ZeroSellPlanGoesStraightToBuyPhase(t *testing.T) {
	d, q, store := newTestDecomposer(t)
	plan := models.RebalancePlan{
		CorrelationID: "corr1", PlanID: "plan1",
		TotalPortfolioValue: decf(10000),
		Items: []models.PlanItem{
			item("AAPL", models.ActionBuy, 100, 0),
			item("MSFT", models.ActionBuy, 200, 0),
		},
	}

	res, err := d.DecomposeAndEnqueue(context.Background(), plan, "strat1", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EnqueuedCount)
	assert.Equal(t, 2, q.Len())

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0, run.SellTotal)
	assert.Equal(t, 2, run.BuyTotal)
	assert.Equal(t, models.RunBuyPhase, run.Status)
	assert.Equal(t, models.PhaseBuy, run.CurrentPhase)
	assert.True(t, run.BuyTradesPending)
}

func TestDecompose_SellsEnqueuedFirstBuysHeld(t *testing.T) {
	d, q, store := newTestDecomposer(t)
	plan := models.RebalancePlan{
		CorrelationID: "corr1", PlanID: "plan1",
		TotalPortfolioValue: decf(10000),
		Items: []models.PlanItem{
			item("AAPL", models.ActionSell, -1000, 0),
			item("MSFT", models.ActionBuy, 800, 0),
		},
	}

	res, err := d.DecomposeAndEnqueue(context.Background(), plan, "strat1", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EnqueuedCount, "only the SELL goes to the queue")
	assert.Equal(t, 1, q.Len())

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSellPhase, run.Status)
	assert.Equal(t, models.PhaseSell, run.CurrentPhase)
	assert.False(t, run.BuyTradesPending)

	buys, err := store.GetPendingBuyTrades(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, buys, 1)
	assert.Equal(t, "MSFT", buys[0].Symbol)
	assert.True(t, buys[0].TradeAmount.Equal(decf(800)), "amounts are stored absolute")
}

func TestDecompose_SkipsHoldItems(t *testing.T) {
	d, q, store := newTestDecomposer(t)
	hold := item("GOOG", models.ActionHold, 0, 0)
	plan := models.RebalancePlan{
		CorrelationID: "corr1", PlanID: "plan1",
		TotalPortfolioValue: decf(10000),
		Items: []models.PlanItem{
			item("AAPL", models.ActionSell, -500, 0),
			hold,
		},
	}

	res, err := d.DecomposeAndEnqueue(context.Background(), plan, "strat1", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.TotalTrades)
}

func TestDecompose_SequenceNumbersOrderSellsBeforeBuys(t *testing.T) {
	d, _, store := newTestDecomposer(t)
	plan := models.RebalancePlan{
		CorrelationID: "corr1", PlanID: "plan1",
		TotalPortfolioValue: decf(10000),
		Items: []models.PlanItem{
			item("BBB", models.ActionBuy, 100, 1),
			item("AAA", models.ActionBuy, 100, 0),
			item("SSS", models.ActionSell, -100, 2),
		},
	}

	res, err := d.DecomposeAndEnqueue(context.Background(), plan, "strat1", decimal.Zero)
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)

	var seqs []int
	for _, id := range run.TradeIDs {
		trade, err := store.GetTrade(context.Background(), res.RunID, id)
		require.NoError(t, err)
		seqs = append(seqs, trade.SequenceNumber)
	}
	assert.Equal(t, []int{1002, 2000, 2001}, seqs)
}

func TestDecompose_EquityOverrideDrivesDeploymentLimit(t *testing.T) {
	d, _, store := newTestDecomposer(t)
	plan := models.RebalancePlan{
		CorrelationID: "corr1", PlanID: "plan1",
		TotalPortfolioValue: decf(10000),
		Items:               []models.PlanItem{item("AAPL", models.ActionBuy, 100, 0)},
	}

	res, err := d.DecomposeAndEnqueue(context.Background(), plan, "strat1", decf(20000))
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.True(t, run.MaxEquityLimitUSD.Equal(decf(19000)), "got %s", run.MaxEquityLimitUSD)
}

// failQueue rejects every send, for exercising the enqueue-failure path.
type failQueue struct{}

func (failQueue) Send(ctx context.Context, body models.TradeMessage, groupKey, dedupID string, attrs queue.Attributes) error {
	return errors.New("transport down")
}
func (failQueue) ReceiveBatch(ctx context.Context, max int) ([]queue.Message, error) {
	return nil, nil
}
func (failQueue) Ack(ctx context.Context, msg queue.Message) error  { return nil }
func (failQueue) Nack(ctx context.Context, msg queue.Message) error { return nil }

func TestDecompose_EnqueueFailureMarksRunFailed(t *testing.T) {
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := &Decomposer{
		Queue:               failQueue{},
		RunStore:            store,
		EquityDeploymentPct: 0.95,
		RunTTL:              24 * time.Hour,
	}
	plan := models.RebalancePlan{
		CorrelationID: "corr1", PlanID: "plan1",
		TotalPortfolioValue: decf(10000),
		Items:               []models.PlanItem{item("AAPL", models.ActionSell, -500, 0)},
	}

	_, err = d.DecomposeAndEnqueue(context.Background(), plan, "strat1", decimal.Zero)
	require.Error(t, err)

	runs, err := store.FindStuckRuns(context.Background(), -time.Hour)
	require.NoError(t, err)
	assert.Empty(t, runs, "a FAILED run is terminal and not stuck")
}
