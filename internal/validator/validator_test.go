package validator

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

type fakeBroker struct {
	broker.Broker
	positions map[string]decimal.Decimal
}

func (f *fakeBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return &models.Position{Symbol: symbol, Qty: f.positions[symbol]}, nil
}

func decf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestValidateBeforeExecutionWithinTolerance(t *testing.T) {
	b := &fakeBroker{positions: map[string]decimal.Decimal{"AAPL": decf(99.5)}}
	v := New(b)

	res, err := v.ValidateBeforeExecution(context.Background(), models.OrderIntent{
		Side: models.SideSell, Symbol: "AAPL", Quantity: decf(100),
	})
	require.NoError(t, err)
	assert.True(t, res.CanExecute)
	assert.True(t, res.AdjustedQty.Equal(decf(99.5)))
}

func TestValidateBeforeExecutionInsufficientPosition(t *testing.T) {
	b := &fakeBroker{positions: map[string]decimal.Decimal{"AAPL": decf(10)}}
	v := New(b)

	res, err := v.ValidateBeforeExecution(context.Background(), models.OrderIntent{
		Side: models.SideSell, Symbol: "AAPL", Quantity: decf(100),
	})
	require.NoError(t, err)
	assert.False(t, res.CanExecute)
	assert.Equal(t, "insufficient position", res.Error)
}

func TestValidateExecutionPassesWhenPositionMatches(t *testing.T) {
	b := &fakeBroker{positions: map[string]decimal.Decimal{"AAPL": decf(110)}}
	v := New(b)

	res, err := v.ValidateExecution(context.Background(), models.OrderIntent{
		Side: models.SideBuy, Symbol: "AAPL",
	}, decf(10), decf(100))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 1, res.Attempts)
}

func TestValidateExecutionFullCloseExpectsZero(t *testing.T) {
	b := &fakeBroker{positions: map[string]decimal.Decimal{"AAPL": decf(0)}}
	v := New(b)

	res, err := v.ValidateExecution(context.Background(), models.OrderIntent{
		Side: models.SideSell, CloseType: models.CloseFull, Symbol: "AAPL",
	}, decf(100), decf(100))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.True(t, res.ExpectedPosition.IsZero())
}

func TestValidateExecutionTimesOutOnMismatch(t *testing.T) {
	b := &fakeBroker{positions: map[string]decimal.Decimal{"AAPL": decf(50)}} // never matches expected 110

	v := &Validator{broker: b, ReconcileBudget: 30 * time.Millisecond, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	res, err := v.ValidateExecution(context.Background(), models.OrderIntent{
		Side: models.SideBuy, Symbol: "AAPL",
	}, decf(10), decf(100))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Greater(t, res.Attempts, 1)
}
