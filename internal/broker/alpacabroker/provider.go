// Package alpacabroker adapts the Alpaca trading/market-data SDK to the
// execution core's Broker interface. It is a direct generalisation of the
// alpaca-trade-api-go SDK: env-based client construction and
// mapOrder-style translation helpers, but returning the core's models
// instead of the watcher's float64-based ones, and implementing every
// operation the core requires of a Broker (order placement with client order
// ids, cancellation, order-status polling, account/equity, market clock).
package alpacabroker

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/models"
)

// Provider implements broker.Broker against the real Alpaca API.
type Provider struct {
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
}

var _ broker.Broker = (*Provider)(nil)

// New returns an Alpaca-backed Broker. Credentials are read from the
// environment by the SDK.
func New() *Provider {
	return &Provider{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{}),
		mdClient:    marketdata.NewClient(marketdata.ClientOpts{}),
	}
}

func (p *Provider) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	trade, err := p.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpacabroker: get latest trade for %s: %w", symbol, err)
	}
	if trade == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(trade.Price), nil
}

func (p *Provider) GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := p.mdClient.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpacabroker: get latest quote for %s: %w", symbol, err)
	}
	if q == nil {
		return nil, fmt.Errorf("alpacabroker: no quote found for %s", symbol)
	}
	return &models.Quote{
		Symbol:    symbol,
		BidPrice:  decimal.NewFromFloat(q.BidPrice),
		AskPrice:  decimal.NewFromFloat(q.AskPrice),
		BidSize:   decimal.NewFromFloat(float64(q.BidSize)),
		AskSize:   decimal.NewFromFloat(float64(q.AskSize)),
		Timestamp: q.Timestamp,
		Source:    models.QuoteSourceREST,
	}, nil
}

func (p *Provider) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pos, err := p.tradeClient.GetPosition(symbol)
	if err != nil {
		// Alpaca returns a 404-shaped error when there is no position; the
		// caller (portfolio validator / resolve_shares) treats "no position"
		// as qty zero rather than an error.
		return &models.Position{Symbol: symbol, Qty: decimal.Zero}, nil //nolint:nilerr
	}
	return &models.Position{Symbol: pos.Symbol, Qty: pos.Qty}, nil
}

func (p *Provider) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (models.ExecutedOrder, error) {
	if err := ctx.Err(); err != nil {
		return models.ExecutedOrder{}, err
	}
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          alpacaSide(side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID,
	}
	return p.place(req)
}

func (p *Provider) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, limitPrice decimal.Decimal, tif broker.TimeInForce, clientOrderID string) (models.ExecutedOrder, error) {
	if err := ctx.Err(); err != nil {
		return models.ExecutedOrder{}, err
	}
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          alpacaSide(side),
		Type:          alpaca.Limit,
		LimitPrice:    &limitPrice,
		TimeInForce:   alpacaTIF(tif),
		ClientOrderID: clientOrderID,
	}
	return p.place(req)
}

func (p *Provider) place(req alpaca.PlaceOrderRequest) (models.ExecutedOrder, error) {
	o, err := p.tradeClient.PlaceOrder(req)
	if err != nil {
		return models.ExecutedOrder{}, fmt.Errorf("alpacabroker: place order for %s: %w", req.Symbol, err)
	}
	return mapExecutedOrder(o), nil
}

func (p *Provider) GetOrderExecutionResult(ctx context.Context, orderID string) (broker.OrderExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderExecutionResult{}, err
	}
	o, err := p.tradeClient.GetOrder(orderID)
	if err != nil {
		return broker.OrderExecutionResult{}, fmt.Errorf("alpacabroker: get order %s: %w", orderID, err)
	}

	var avgPrice decimal.Decimal
	if o.FilledAvgPrice != nil {
		avgPrice = *o.FilledAvgPrice
	}

	errMsg := ""
	if o.FailedAt != nil {
		errMsg = "order failed at " + o.FailedAt.String()
	}

	return broker.OrderExecutionResult{
		Status:       models.NormalizeBrokerStatus(string(o.Status)),
		FilledQty:    o.FilledQty,
		AvgFillPrice: avgPrice,
		ErrorMessage: errMsg,
	}, nil
}

func (p *Provider) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.tradeClient.CancelOrder(orderID); err != nil {
		return fmt.Errorf("alpacabroker: cancel order %s: %w", orderID, err)
	}
	return nil
}

// WaitForOrderCompletion polls order status until every id reaches a
// terminal state or maxWait elapses. The SDK's streaming client only
// subscribes to trade prices, not order updates, so push-based completion
// is not available through this SDK surface; poll-fallback is therefore
// the only mechanism here.
func (p *Provider) WaitForOrderCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) (broker.WaitResult, error) {
	deadline := time.Now().Add(maxWait)
	remaining := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		remaining[id] = true
	}

	var completed []string
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for len(remaining) > 0 {
		if time.Now().After(deadline) {
			return broker.WaitResult{CompletedOrderIDs: completed, TimedOut: true}, nil
		}
		select {
		case <-ctx.Done():
			return broker.WaitResult{CompletedOrderIDs: completed, TimedOut: true}, ctx.Err()
		case <-ticker.C:
		}

		for id := range remaining {
			res, err := p.GetOrderExecutionResult(ctx, id)
			if err != nil {
				continue
			}
			switch res.Status {
			case models.BrokerOrderFilled, models.BrokerOrderCancelled, models.BrokerOrderRejected, models.BrokerOrderExpired:
				completed = append(completed, id)
				delete(remaining, id)
			}
		}
	}

	return broker.WaitResult{CompletedOrderIDs: completed, TimedOut: false}, nil
}

func (p *Provider) GetAccount(ctx context.Context) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, err
	}
	a, err := p.tradeClient.GetAccount()
	if err != nil {
		return models.Account{}, fmt.Errorf("alpacabroker: get account: %w", err)
	}
	return models.Account{
		Cash:           a.Cash,
		BuyingPower:    a.BuyingPower,
		PortfolioValue: a.PortfolioValue,
		Equity:         a.Equity,
	}, nil
}

func (p *Provider) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c, err := p.tradeClient.GetClock()
	if err != nil {
		return false, fmt.Errorf("alpacabroker: get clock: %w", err)
	}
	return c.IsOpen, nil
}

func alpacaSide(side models.Side) alpaca.Side {
	if side == models.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaTIF(tif broker.TimeInForce) alpaca.TimeInForce {
	if tif == broker.TimeInForceCLS {
		return alpaca.CLS
	}
	return alpaca.Day
}

func mapExecutedOrder(o *alpaca.Order) models.ExecutedOrder {
	var avgPrice decimal.Decimal
	if o.FilledAvgPrice != nil {
		avgPrice = *o.FilledAvgPrice
	}
	return models.ExecutedOrder{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Status:        models.NormalizeBrokerStatus(string(o.Status)),
		FilledQty:     o.FilledQty,
		AvgFillPrice:  avgPrice,
	}
}
