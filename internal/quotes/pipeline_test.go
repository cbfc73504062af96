package quotes

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

type stubBroker struct {
	restQuote *models.Quote
	err       error
}

var _ broker.Broker = (*stubBroker)(nil)

func (s *stubBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubBroker) GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if s.err != nil {
		return nil, s.err
	}
	q := *s.restQuote
	return &q, nil
}
func (s *stubBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return nil, nil
}
func (s *stubBroker) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (models.ExecutedOrder, error) {
	return models.ExecutedOrder{}, nil
}
func (s *stubBroker) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, limitPrice decimal.Decimal, tif broker.TimeInForce, clientOrderID string) (models.ExecutedOrder, error) {
	return models.ExecutedOrder{}, nil
}
func (s *stubBroker) GetOrderExecutionResult(ctx context.Context, orderID string) (broker.OrderExecutionResult, error) {
	return broker.OrderExecutionResult{}, nil
}
func (s *stubBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (s *stubBroker) WaitForOrderCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) (broker.WaitResult, error) {
	return broker.WaitResult{}, nil
}
func (s *stubBroker) GetAccount(ctx context.Context) (models.Account, error) {
	return models.Account{}, nil
}
func (s *stubBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }

func decf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestZeroPriceSubstitution(t *testing.T) {
	q := models.Quote{Symbol: "AAPL", BidPrice: decimal.Zero, AskPrice: decf(100)}
	got := applyZeroSubstitution(q)
	assert.True(t, got.HadZeroBid)
	assert.True(t, got.BidPrice.Equal(decf(100)))
}

func TestBothZeroStaysUnusable(t *testing.T) {
	q := models.Quote{Symbol: "AAPL", BidPrice: decimal.Zero, AskPrice: decimal.Zero}
	got := applyZeroSubstitution(q)
	assert.False(t, got.Usable())
}

func TestIsSuspiciousInvertedSpread(t *testing.T) {
	q := models.Quote{BidPrice: decf(100), AskPrice: decf(99)}
	assert.True(t, isSuspicious(q))
}

func TestIsSuspiciousSubCent(t *testing.T) {
	q := models.Quote{BidPrice: decf(0.001), AskPrice: decf(0.002)}
	assert.True(t, isSuspicious(q))
}

func TestIsSuspiciousWideSpread(t *testing.T) {
	q := models.Quote{BidPrice: decf(90), AskPrice: decf(110)} // spread 20 / mid 100 = 20%
	assert.True(t, isSuspicious(q))
}

func TestIsSuspiciousNormalQuoteIsNotFlagged(t *testing.T) {
	q := models.Quote{BidPrice: decf(99.95), AskPrice: decf(100.05)}
	assert.False(t, isSuspicious(q))
}

func TestHasLiquidity(t *testing.T) {
	thin := models.Quote{BidPrice: decf(99.9), AskPrice: decf(100.1), BidSize: decf(10), AskSize: decf(10)}
	assert.False(t, HasLiquidity(thin))

	deep := models.Quote{BidPrice: decf(99.95), AskPrice: decf(100.05), BidSize: decf(500), AskSize: decf(500)}
	assert.True(t, HasLiquidity(deep))
}

func TestGetBestQuoteFallsBackToRESTWhenStreamingSuspicious(t *testing.T) {
	cache := NewMemoryStreamCache()
	cache.Update(models.Quote{Symbol: "AAPL", BidPrice: decf(-0.01), AskPrice: decf(100), Timestamp: time.Now()})

	restQuote := &models.Quote{Symbol: "AAPL", BidPrice: decf(923.50), AskPrice: decf(923.77)}
	b := &stubBroker{restQuote: restQuote}

	p := New(b, cache, Config{StreamingTimeout: 50 * time.Millisecond, StreamingPollInterval: 5 * time.Millisecond, QuoteFreshness: 10 * time.Second})
	got, err := p.GetBestQuote(context.Background(), "AAPL", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.QuoteSourceREST, got.Source)
	assert.True(t, got.BidPrice.Equal(decf(923.50)))
}

func TestGetBestQuoteUnavailableWhenBothSuspicious(t *testing.T) {
	cache := NewMemoryStreamCache()
	cache.Update(models.Quote{Symbol: "AAPL", BidPrice: decf(-0.01), AskPrice: decf(100), Timestamp: time.Now()})

	restQuote := &models.Quote{Symbol: "AAPL", BidPrice: decf(100), AskPrice: decf(99)} // inverted
	b := &stubBroker{restQuote: restQuote}

	p := New(b, cache, Config{StreamingTimeout: 50 * time.Millisecond, StreamingPollInterval: 5 * time.Millisecond, QuoteFreshness: 10 * time.Second})
	got, err := p.GetBestQuote(context.Background(), "AAPL", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.QuoteSourceUnavailable, got.Source)
}

func TestGetBestQuoteRejectsNegativeRESTSide(t *testing.T) {
	// no streaming cache: straight to REST, whose negative bid must not be
	// laundered into a clean quote by zero-substitution
	b := &stubBroker{restQuote: &models.Quote{Symbol: "AAPL", BidPrice: decf(-0.01), AskPrice: decf(100)}}
	p := New(b, nil, Config{StreamingTimeout: 50 * time.Millisecond, StreamingPollInterval: 5 * time.Millisecond, QuoteFreshness: 10 * time.Second})

	got, err := p.GetBestQuote(context.Background(), "AAPL", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.QuoteSourceUnavailable, got.Source)
}

func TestGetBestQuoteUsesStreamingWhenClean(t *testing.T) {
	cache := NewMemoryStreamCache()
	cache.Update(models.Quote{Symbol: "AAPL", BidPrice: decf(99.95), AskPrice: decf(100.05), Timestamp: time.Now()})

	b := &stubBroker{restQuote: &models.Quote{Symbol: "AAPL", BidPrice: decf(1), AskPrice: decf(1)}}
	p := New(b, cache, Config{StreamingTimeout: 50 * time.Millisecond, StreamingPollInterval: 5 * time.Millisecond, QuoteFreshness: 10 * time.Second})

	got, err := p.GetBestQuote(context.Background(), "AAPL", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.QuoteSourceStreaming, got.Source)
}
