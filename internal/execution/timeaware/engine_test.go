package timeaware

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/models"
	"rebalance_core/internal/runstore"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// fakeExecBroker records placements and serves canned order statuses.
type fakeExecBroker struct {
	broker.Broker

	mu         sync.Mutex
	placed     []placedOrder
	cancelled  []string
	statuses   map[string]broker.OrderExecutionResult
	nextID     int
	placeErr   error
}

type placedOrder struct {
	symbol   string
	side     models.Side
	qty      decimal.Decimal
	limit    decimal.Decimal
	tif      broker.TimeInForce
	isMarket bool
}

func (f *fakeExecBroker) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, limitPrice decimal.Decimal, tif broker.TimeInForce, clientOrderID string) (models.ExecutedOrder, error) {
	if f.placeErr != nil {
		return models.ExecutedOrder{}, f.placeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, placedOrder{symbol: symbol, side: side, qty: qty, limit: limitPrice, tif: tif})
	return models.ExecutedOrder{OrderID: orderID(f.nextID), ClientOrderID: clientOrderID, Status: models.BrokerOrderOpen}, nil
}

func (f *fakeExecBroker) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (models.ExecutedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, placedOrder{symbol: symbol, side: side, qty: qty, isMarket: true})
	return models.ExecutedOrder{OrderID: orderID(f.nextID), ClientOrderID: clientOrderID, Status: models.BrokerOrderOpen}, nil
}

func (f *fakeExecBroker) GetOrderExecutionResult(ctx context.Context, id string) (broker.OrderExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.statuses[id]; ok {
		return res, nil
	}
	return broker.OrderExecutionResult{Status: models.BrokerOrderOpen}, nil
}

func (f *fakeExecBroker) CancelOrder(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func orderID(n int) string {
	return "ord-" + string(rune('a'+n-1))
}

// fakeExecStore is an in-memory PendingExecutionStore with real
// optimistic-lock semantics.
type fakeExecStore struct {
	mu   sync.Mutex
	recs map[string]models.PendingExecution
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{recs: make(map[string]models.PendingExecution)}
}

func (s *fakeExecStore) SavePendingExecution(ctx context.Context, pe models.PendingExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[pe.ExecutionID] = pe
	return nil
}

func (s *fakeExecStore) GetPendingExecution(ctx context.Context, id string) (models.PendingExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.recs[id]
	if !ok {
		return models.PendingExecution{}, runstore.ErrNotFound
	}
	return pe, nil
}

func (s *fakeExecStore) UpdatePendingExecution(ctx context.Context, pe models.PendingExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recs[pe.ExecutionID]
	if !ok || cur.Version != pe.Version-1 {
		return runstore.ErrConflict
	}
	s.recs[pe.ExecutionID] = pe
	return nil
}

func (s *fakeExecStore) ListOpenPendingExecutions(ctx context.Context) ([]models.PendingExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PendingExecution
	for _, pe := range s.recs {
		switch pe.State {
		case models.PendingExecCompleted, models.PendingExecFailed, models.PendingExecCancelled:
		default:
			out = append(out, pe)
		}
	}
	return out, nil
}

type fakeQuotes struct {
	quote models.Quote
	err   error
}

func (f *fakeQuotes) GetBestQuote(ctx context.Context, symbol, correlationID string) (models.Quote, error) {
	return f.quote, f.err
}

func goodQuote() models.Quote {
	return models.Quote{
		Symbol: "AAPL", BidPrice: dec("100.00"), AskPrice: dec("100.10"),
		Timestamp: time.Now(), Source: models.QuoteSourceStreaming,
	}
}

func basePE(id string) models.PendingExecution {
	return models.PendingExecution{
		ExecutionID: id, Symbol: "AAPL", Side: models.SideBuy,
		TargetQty: dec("100"), State: models.PendingExecPending,
		PolicyID: "timeaware", Version: 1,
	}
}

func newTestEngine(t *testing.T, b *fakeExecBroker, q *fakeQuotes, at time.Time) (*Engine, *fakeExecStore) {
	t.Helper()
	store := newFakeExecStore()
	e := NewEngine(b, store, q, DefaultEngineConfig())
	e.Now = func() time.Time { return at }
	return e, store
}

func TestTickSubmitsChildDuringPassivePhase(t *testing.T) {
	b := &fakeExecBroker{}
	e, store := newTestEngine(t, b, &fakeQuotes{quote: goodQuote()}, et(11, 0))
	require.NoError(t, store.SavePendingExecution(context.Background(), basePE("e1")))

	n, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, b.placed, 1)
	assert.Equal(t, broker.TimeInForceDay, b.placed[0].tif)
	// passive phase caps the peg at MID even if urgency is high
	assert.True(t, b.placed[0].limit.LessThanOrEqual(dec("100.05")), "limit %s beyond mid", b.placed[0].limit)

	pe, err := store.GetPendingExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.PendingExecActive, pe.State)
	assert.Equal(t, models.PhasePassiveAccumulation, pe.CurrentPhase)
	assert.Equal(t, int64(2), pe.Version)
	require.Len(t, pe.ChildOrders, 1)
}

func TestTickCompletesWhenChildrenFill(t *testing.T) {
	b := &fakeExecBroker{statuses: map[string]broker.OrderExecutionResult{
		"ord-a": {Status: models.BrokerOrderFilled, FilledQty: dec("100"), AvgFillPrice: dec("100.05")},
	}}
	e, store := newTestEngine(t, b, &fakeQuotes{quote: goodQuote()}, et(11, 0))

	pe := basePE("e1")
	pe.ChildOrders = []models.ChildOrder{{OrderID: "ord-a", Peg: models.PegMid, Quantity: dec("100"), Status: models.BrokerOrderOpen}}
	require.NoError(t, store.SavePendingExecution(context.Background(), pe))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	got, err := store.GetPendingExecution(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, models.PendingExecCompleted, got.State)
	assert.True(t, got.FilledQty.Equal(dec("100")))
	assert.True(t, got.AvgFillPrice.Equal(dec("100.05")))
	assert.Empty(t, b.placed, "a completed execution must not submit more orders")
}

func TestTickCancelsStaleChildOnUrgencyJump(t *testing.T) {
	b := &fakeExecBroker{}
	// 15:45 is DEADLINE_CLOSE: far-touch resting orders are now too passive.
	e, store := newTestEngine(t, b, &fakeQuotes{quote: goodQuote()}, et(15, 45))

	pe := basePE("e1")
	pe.ChildOrders = []models.ChildOrder{{OrderID: "ord-x", Peg: models.PegFarTouch, Quantity: dec("50"), Status: models.BrokerOrderOpen}}
	require.NoError(t, store.SavePendingExecution(context.Background(), pe))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	assert.Contains(t, b.cancelled, "ord-x")
	got, _ := store.GetPendingExecution(context.Background(), "e1")
	assert.Equal(t, models.PhaseDeadlineClose, got.CurrentPhase)
	assert.GreaterOrEqual(t, len(got.ChildOrders), 2, "a replacement child should have been submitted")
}

func TestTickSubmitsClosingAuctionPastCutoff(t *testing.T) {
	b := &fakeExecBroker{}
	e, store := newTestEngine(t, b, &fakeQuotes{quote: goodQuote()}, et(15, 55))
	require.NoError(t, store.SavePendingExecution(context.Background(), basePE("e1")))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	var clsOrders int
	for _, p := range b.placed {
		if p.tif == broker.TimeInForceCLS {
			clsOrders++
		}
	}
	assert.Equal(t, 1, clsOrders)

	got, _ := store.GetPendingExecution(context.Background(), "e1")
	assert.True(t, got.AuctionSubmitted)

	// a second tick must not re-enter the auction
	_, err = e.Tick(context.Background())
	require.NoError(t, err)
	clsOrders = 0
	for _, p := range b.placed {
		if p.tif == broker.TimeInForceCLS {
			clsOrders++
		}
	}
	assert.Equal(t, 1, clsOrders)
}

func TestTickPausesOnUnusableQuote(t *testing.T) {
	b := &fakeExecBroker{}
	e, store := newTestEngine(t, b, &fakeQuotes{err: errors.New("no quote")}, et(11, 0))
	require.NoError(t, store.SavePendingExecution(context.Background(), basePE("e1")))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	got, _ := store.GetPendingExecution(context.Background(), "e1")
	assert.Equal(t, models.PendingExecPaused, got.State)
	assert.Empty(t, b.placed)
}

func TestTickPausesOnWideSpread(t *testing.T) {
	wide := goodQuote()
	wide.AskPrice = dec("110.00") // ~950 bps
	b := &fakeExecBroker{}
	e, store := newTestEngine(t, b, &fakeQuotes{quote: wide}, et(11, 0))
	require.NoError(t, store.SavePendingExecution(context.Background(), basePE("e1")))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	got, _ := store.GetPendingExecution(context.Background(), "e1")
	assert.Equal(t, models.PendingExecPaused, got.State)
}

func TestTickParksExecutionWhenMarketClosed(t *testing.T) {
	b := &fakeExecBroker{}
	e, store := newTestEngine(t, b, &fakeQuotes{quote: goodQuote()}, et(8, 0))
	require.NoError(t, store.SavePendingExecution(context.Background(), basePE("e1")))

	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	got, _ := store.GetPendingExecution(context.Background(), "e1")
	assert.Equal(t, models.PhaseMarketClosed, got.CurrentPhase)
	assert.Empty(t, b.placed)
}

func TestTickSkipsExecutionOnVersionRace(t *testing.T) {
	b := &fakeExecBroker{}
	e, store := newTestEngine(t, b, &fakeQuotes{quote: goodQuote()}, et(11, 0))

	pe := basePE("e1")
	require.NoError(t, store.SavePendingExecution(context.Background(), pe))
	// simulate another tick winning the write between list and save
	raced := pe
	raced.Version = 2
	store.mu.Lock()
	store.recs["e1"] = raced
	store.mu.Unlock()

	listed := pe // stale snapshot, version 1
	err := e.processExecution(context.Background(), listed)
	assert.ErrorIs(t, err, runstore.ErrConflict)

	got, _ := store.GetPendingExecution(context.Background(), "e1")
	assert.Equal(t, int64(2), got.Version, "loser must not overwrite the winner")
}

func TestSubmitChildRespectsSizeCaps(t *testing.T) {
	b := &fakeExecBroker{}
	e, _ := newTestEngine(t, b, &fakeQuotes{quote: goodQuote()}, et(11, 0))

	pe := basePE("e1")
	window, ok := WindowForIn(e.windows(et(11, 0)), et(11, 0))
	require.True(t, ok)

	require.NoError(t, e.submitChild(context.Background(), &pe, window, models.PegMid, 0.0, goodQuote()))
	require.Len(t, b.placed, 1)
	// urgency 0 sizes at 10% of remaining = 10 shares, under the 50% cap
	assert.True(t, b.placed[0].qty.Equal(dec("10")), "got %s", b.placed[0].qty)

	b.placed = nil
	pe2 := basePE("e2")
	require.NoError(t, e.submitChild(context.Background(), &pe2, window, models.PegMid, 1.0, goodQuote()))
	require.Len(t, b.placed, 1)
	// urgency 1 wants 100% but the per-order cap holds it to 50% of remaining
	assert.True(t, b.placed[0].qty.Equal(dec("50")), "got %s", b.placed[0].qty)
}
