package quotes

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/models"
)

// AlpacaStreamer is the streaming ingestion task feeding a
// MemoryStreamCache from Alpaca's websocket NBBO feed. It subscribes to
// quote updates (the pipeline needs bid/ask, not last-trade) and keeps
// reconnecting with exponential backoff when the SDK's own reconnect
// budget runs out.
type AlpacaStreamer struct {
	client *stream.StocksClient
	cache  *MemoryStreamCache

	mu        sync.Mutex
	reconnect bool
}

// NewAlpacaStreamer wires a streamer against the IEX feed using the
// APCA_* environment credentials.
func NewAlpacaStreamer(cache *MemoryStreamCache) *AlpacaStreamer {
	keyID := os.Getenv("APCA_API_KEY_ID")
	secretKey := os.Getenv("APCA_API_SECRET_KEY")

	return &AlpacaStreamer{
		client: stream.NewStocksClient(
			marketdata.IEX,
			stream.WithCredentials(keyID, secretKey),
			stream.WithReconnectSettings(10, 500*time.Millisecond),
		),
		cache:     cache,
		reconnect: true,
	}
}

// Subscribe starts listening for quote updates on the given symbols and
// feeds every update into the cache. Connection runs on a background
// goroutine; Subscribe returns once the subscription is registered.
func (s *AlpacaStreamer) Subscribe(ctx context.Context, symbols []string) error {
	quoteHandler := func(q stream.Quote) {
		s.cache.Update(models.Quote{
			Symbol:    q.Symbol,
			BidPrice:  decimal.NewFromFloat(q.BidPrice),
			AskPrice:  decimal.NewFromFloat(q.AskPrice),
			BidSize:   decimal.NewFromInt(int64(q.BidSize)),
			AskSize:   decimal.NewFromInt(int64(q.AskSize)),
			Timestamp: q.Timestamp,
		})
	}

	if err := s.client.SubscribeToQuotes(quoteHandler, symbols...); err != nil {
		return err
	}

	go func() {
		log.Info().Strs("symbols", symbols).Msg("connecting to alpaca quote stream")
		if err := s.client.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("quote stream connection closed with error")
			s.mu.Lock()
			retry := s.reconnect
			s.mu.Unlock()
			if retry {
				s.reconnectLoop(ctx)
			}
			return
		}
		log.Info().Msg("quote stream connection closed")
	}()

	return nil
}

// Close stops any further reconnection attempts. The in-flight connection
// ends when its context is cancelled.
func (s *AlpacaStreamer) Close() error {
	s.mu.Lock()
	s.reconnect = false
	s.mu.Unlock()
	return nil
}

func (s *AlpacaStreamer) reconnectLoop(ctx context.Context) {
	backoff := 1 * time.Second
	const maxBackoff = 60 * time.Second

	for {
		s.mu.Lock()
		retry := s.reconnect
		s.mu.Unlock()
		if !retry || ctx.Err() != nil {
			return
		}

		time.Sleep(backoff)
		log.Info().Dur("backoff", backoff).Msg("reconnecting quote stream")
		if err := s.client.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("quote stream reconnection failed")
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 1 * time.Second
	}
}
