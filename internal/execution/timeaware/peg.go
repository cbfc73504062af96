package timeaware

import (
	"github.com/shopspring/decimal"

	"rebalance_core/internal/decimalutil"
	"rebalance_core/internal/models"
)

// pegRatio maps a peg name onto the bid->ask ratio r used by peg
// pricing (FAR_TOUCH=0, MID=0.5, NEAR_TOUCH=1, INSIDE_x=x/100, CROSS=1,
// MARKET has no price). INSIDE_75 is the only INSIDE_x variant the
// built-in phase table uses (DEADLINE_CLOSE).
func pegRatio(p models.Peg) (ratio float64, hasPrice bool) {
	switch p {
	case models.PegFarTouch:
		return 0, true
	case models.PegMid:
		return 0.5, true
	case models.PegNearTouch:
		return 1, true
	case models.PegInside75:
		return 0.75, true
	case models.PegCross:
		return 1, true
	case models.PegMarket:
		return 0, false
	default:
		return 0.5, true
	}
}

// PegPrice computes the pegged limit price: for BUY at ratio r,
// price = bid + (ask-bid)*r; SELL is symmetric (r measured from the
// same side so NEAR_TOUCH/INSIDE_x stay "toward the aggressive side" for
// both sides, matching walk-the-book's limitPrice convention).
func PegPrice(side models.Side, quote models.Quote, peg models.Peg) (decimal.Decimal, bool) {
	r, hasPrice := pegRatio(peg)
	if !hasPrice {
		return decimal.Zero, false
	}
	var price decimal.Decimal
	if side == models.SideBuy {
		price = decimalutil.LerpFloat(quote.BidPrice, quote.AskPrice, r)
	} else {
		price = decimalutil.LerpFloat(quote.AskPrice, quote.BidPrice, r)
	}
	return decimalutil.ClampMinPenny(price), true
}
