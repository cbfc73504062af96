package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSource records where a Quote ultimately came from.
type QuoteSource string

const (
	QuoteSourceStreaming   QuoteSource = "STREAMING"
	QuoteSourceREST        QuoteSource = "REST"
	QuoteSourceUnavailable QuoteSource = "UNAVAILABLE"
)

// Quote is the normalized best-bid/best-ask view used by execution
// strategies.
type Quote struct {
	Symbol    string
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
	Source    QuoteSource

	HadZeroBid bool
	HadZeroAsk bool
	IsStale    bool
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// Spread returns ask-bid.
func (q Quote) Spread() decimal.Decimal {
	return q.AskPrice.Sub(q.BidPrice)
}

// Usable reports whether the quote carries real, non-unavailable prices.
func (q Quote) Usable() bool {
	return q.Source != QuoteSourceUnavailable && q.BidPrice.GreaterThan(decimal.Zero) && q.AskPrice.GreaterThan(decimal.Zero)
}
