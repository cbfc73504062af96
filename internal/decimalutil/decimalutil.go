// Package decimalutil holds small decimal helpers shared by the execution
// strategies and the quote pipeline: clamping, quantizing to the cent, and
// percentage math.
package decimalutil

import "github.com/shopspring/decimal"

// PennyQuantum is the minimum tradable price increment used to clamp and
// round limit prices.
var PennyQuantum = decimal.NewFromFloat(0.01)

// QuantizeToCent rounds a price to two decimal places.
func QuantizeToCent(price decimal.Decimal) decimal.Decimal {
	return price.Round(2)
}

// ClampMin returns the larger of price and floor.
func ClampMin(price, floor decimal.Decimal) decimal.Decimal {
	if price.LessThan(floor) {
		return floor
	}
	return price
}

// ClampMinPenny clamps price to at least PennyQuantum and quantizes to the
// cent, matching the walk-the-book step algorithm.
func ClampMinPenny(price decimal.Decimal) decimal.Decimal {
	return QuantizeToCent(ClampMin(price, PennyQuantum))
}

// PctOf returns value * pct/100.
func PctOf(value decimal.Decimal, pct float64) decimal.Decimal {
	return value.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
}

// Lerp linearly interpolates between a and b at ratio r (r expected in
// [0,1], used by peg pricing: bid + (ask-bid)*r).
func Lerp(a, b decimal.Decimal, r decimal.Decimal) decimal.Decimal {
	return a.Add(b.Sub(a).Mul(r))
}

// LerpFloat is Lerp with a float64 ratio, the common case for strategy
// constants like the walk-the-book step ratios (0.50, 0.75, 0.95).
func LerpFloat(a, b decimal.Decimal, r float64) decimal.Decimal {
	return Lerp(a, b, decimal.NewFromFloat(r))
}

// Within reports whether |a-b| <= tolerance.
func Within(a, b, tolerance decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	return diff.LessThanOrEqual(tolerance)
}

// WithinFraction reports whether |a-b| <= reference*fraction.
func WithinFraction(a, b, reference decimal.Decimal, fraction float64) bool {
	tol := reference.Abs().Mul(decimal.NewFromFloat(fraction))
	return Within(a, b, tol)
}
