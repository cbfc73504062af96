// Package quotes implements the streaming-first, REST-fallback Quote
// Pipeline. The in-memory cache holds the
// latest normalized Quote per symbol, populated by a websocket ingestion
// task (AlpacaStreamer) and read by the pipeline.
package quotes

import (
	"sync"
	"time"

	"rebalance_core/internal/models"
)

// StreamCache is a read-only view of the streaming ingestion task's latest
// quote per symbol. The core never writes to it directly; a separate
// ingestion goroutine (MemoryStreamCache.Update) populates it from the broker's
// push feed.
type StreamCache interface {
	Get(symbol string) (models.Quote, bool)
}

// MemoryStreamCache is the in-process StreamCache implementation.
type MemoryStreamCache struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
}

// NewMemoryStreamCache returns an empty cache.
func NewMemoryStreamCache() *MemoryStreamCache {
	return &MemoryStreamCache{quotes: make(map[string]models.Quote)}
}

// Update is called by the streaming ingestion task whenever a new quote
// arrives on the wire.
func (c *MemoryStreamCache) Update(q models.Quote) {
	q.Source = models.QuoteSourceStreaming
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.quotes[q.Symbol] = q
	c.mu.Unlock()
}

func (c *MemoryStreamCache) Get(symbol string) (models.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}
