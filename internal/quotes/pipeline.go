package quotes

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/metrics"
	"rebalance_core/internal/models"
)

var (
	minUsablePrice = decimal.NewFromFloat(0.01)
	suspiciousSpreadFrac = decimal.NewFromFloat(0.10)
	liquiditySpreadFrac  = decimal.NewFromFloat(0.005)
	liquidityMinSize     = decimal.NewFromInt(100)
)

// Config tunes the pipeline's timing.
type Config struct {
	StreamingTimeout      time.Duration
	StreamingPollInterval time.Duration
	QuoteFreshness        time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StreamingTimeout:      5000 * time.Millisecond,
		StreamingPollInterval: 100 * time.Millisecond,
		QuoteFreshness:        10 * time.Second,
	}
}

// Pipeline implements get_best_quote.
type Pipeline struct {
	broker broker.Broker
	cache  StreamCache // nil means no streaming service is available
	cfg    Config
}

// New returns a Pipeline. cache may be nil to model "no streaming service
// available".
func New(b broker.Broker, cache StreamCache, cfg Config) *Pipeline {
	return &Pipeline{broker: b, cache: cache, cfg: cfg}
}

// GetBestQuote returns the best usable quote for symbol, falling back from
// streaming to REST, and finally to UNAVAILABLE if nothing usable exists.
func (p *Pipeline) GetBestQuote(ctx context.Context, symbol, correlationID string) (models.Quote, error) {
	log := log.With().Str("correlation_id", correlationID).Str("symbol", symbol).Logger()

	if p.cache != nil {
		if q, ok := p.pollStreaming(ctx, symbol); ok {
			hadNegative := hasNegativeSide(q)
			q = applyZeroSubstitution(q)
			if !q.Usable() {
				metrics.QuotesTotal.WithLabelValues("streaming", "both_zero").Inc()
			} else if stale(q, p.cfg.QuoteFreshness) {
				q.IsStale = true
				metrics.QuotesTotal.WithLabelValues("streaming", "stale").Inc()
			} else if hadNegative || isSuspicious(q) {
				metrics.QuotesTotal.WithLabelValues("streaming", "suspicious").Inc()
				if rest, ok := p.fetchValidatedREST(ctx, symbol); ok {
					metrics.QuotesTotal.WithLabelValues("rest", "ok").Inc()
					return finalize(rest)
				}
				log.Warn().Msg("suspicious streaming quote could not be validated against REST")
				return models.Quote{Symbol: symbol, Source: models.QuoteSourceUnavailable}, nil
			} else {
				metrics.QuotesTotal.WithLabelValues("streaming", "ok").Inc()
				return finalize(q)
			}
		}
	}

	rest, err := p.fetchREST(ctx, symbol)
	if err != nil {
		metrics.QuotesTotal.WithLabelValues("rest", "error").Inc()
		return models.Quote{Symbol: symbol, Source: models.QuoteSourceUnavailable}, err
	}
	hadNegative := hasNegativeSide(rest)
	rest = applyZeroSubstitution(rest)
	if !rest.Usable() {
		metrics.QuotesTotal.WithLabelValues("rest", "both_zero").Inc()
		return models.Quote{Symbol: symbol, Source: models.QuoteSourceUnavailable}, nil
	}
	if hadNegative || isSuspicious(rest) {
		metrics.QuotesTotal.WithLabelValues("rest", "suspicious").Inc()
		return models.Quote{Symbol: symbol, Source: models.QuoteSourceUnavailable}, nil
	}
	metrics.QuotesTotal.WithLabelValues("rest", "fallback").Inc()
	return finalize(rest)
}

// fetchValidatedREST fetches a REST quote to validate a suspicious
// streaming one; it reports ok only if the REST quote is itself clean
// after the same negative-side check and zero-substitution.
func (p *Pipeline) fetchValidatedREST(ctx context.Context, symbol string) (models.Quote, bool) {
	rest, err := p.fetchREST(ctx, symbol)
	if err != nil {
		return models.Quote{}, false
	}
	if hasNegativeSide(rest) {
		return models.Quote{}, false
	}
	rest = applyZeroSubstitution(rest)
	if !rest.Usable() || isSuspicious(rest) {
		return models.Quote{}, false
	}
	return rest, true
}

// pollStreaming checks the cache every StreamingPollInterval until a quote
// appears or StreamingTimeout elapses.
func (p *Pipeline) pollStreaming(ctx context.Context, symbol string) (models.Quote, bool) {
	deadline := time.Now().Add(p.cfg.StreamingTimeout)
	ticker := time.NewTicker(p.cfg.StreamingPollInterval)
	defer ticker.Stop()

	if q, ok := p.cache.Get(symbol); ok {
		return q, true
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return models.Quote{}, false
		case <-ticker.C:
			if q, ok := p.cache.Get(symbol); ok {
				return q, true
			}
		}
	}
	return models.Quote{}, false
}

func (p *Pipeline) fetchREST(ctx context.Context, symbol string) (models.Quote, error) {
	q, err := p.broker.GetLatestQuote(ctx, symbol)
	if err != nil {
		return models.Quote{}, err
	}
	q.Source = models.QuoteSourceREST
	q.Timestamp = time.Now() // REST quotes are fresh on arrival
	return *q, nil
}

// stale reports whether a streaming quote's timestamp has aged past the
// freshness window.
func stale(q models.Quote, freshness time.Duration) bool {
	return time.Since(q.Timestamp) > freshness
}

// hasNegativeSide reports a negative bid or ask. It must run before
// applyZeroSubstitution, which would otherwise overwrite the negative
// side and hide it from the suspicious-price guard.
func hasNegativeSide(q models.Quote) bool {
	return q.BidPrice.IsNegative() || q.AskPrice.IsNegative()
}

// applyZeroSubstitution tolerates the Alpaca quirk of one-sided zero
// prices by mirroring the live side.
func applyZeroSubstitution(q models.Quote) models.Quote {
	bidZero := q.BidPrice.LessThanOrEqual(decimal.Zero)
	askZero := q.AskPrice.LessThanOrEqual(decimal.Zero)

	switch {
	case bidZero && askZero:
		return q // both unusable; caller falls through to REST
	case bidZero && !askZero:
		q.BidPrice = q.AskPrice
		q.HadZeroBid = true
	case askZero && !bidZero:
		q.AskPrice = q.BidPrice
		q.HadZeroAsk = true
	}
	return q
}

// isSuspicious implements the suspicious-price guard.
func isSuspicious(q models.Quote) bool {
	if q.BidPrice.IsNegative() || q.AskPrice.IsNegative() {
		return true
	}
	if q.AskPrice.LessThan(q.BidPrice) {
		return true
	}
	if q.BidPrice.LessThan(minUsablePrice) || q.AskPrice.LessThan(minUsablePrice) {
		return true
	}
	mid := q.Mid()
	if mid.IsZero() {
		return true
	}
	if q.Spread().Div(mid).GreaterThan(suspiciousSpreadFrac) {
		return true
	}
	return false
}

// finalize enforces step 6: final prices must be >= $0.01.
func finalize(q models.Quote) (models.Quote, error) {
	if q.BidPrice.LessThan(minUsablePrice) || q.AskPrice.LessThan(minUsablePrice) {
		return models.Quote{Symbol: q.Symbol, Source: models.QuoteSourceUnavailable}, nil
	}
	return q, nil
}

// HasLiquidity is the optional liquidity check used by smart strategies
// step 7, used by strategies that want to avoid thin books.
func HasLiquidity(q models.Quote) bool {
	mid := q.Mid()
	if mid.IsZero() {
		return false
	}
	if q.Spread().Div(mid).GreaterThan(liquiditySpreadFrac) {
		return false
	}
	return q.BidSize.GreaterThanOrEqual(liquidityMinSize) && q.AskSize.GreaterThanOrEqual(liquidityMinSize)
}
