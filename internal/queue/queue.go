// Package queue defines the TradeQueue transport interface the execution
// core consumes plus an in-memory implementation
// (internal/queue/memqueue) used by tests and the single-process
// entrypoint. The queue is explicitly NOT assumed FIFO between phases;
// phase ordering is the run state machine's job, not the transport's.
package queue

import (
	"context"

	"rebalance_core/internal/models"
)

// Attributes are transport-level message attributes (e.g. a message
// group), kept generic so alternate transports (SQS FIFO, SNS, a broker
// topic) can carry what they need without the core caring.
type Attributes map[string]string

// Message wraps a TradeMessage with transport metadata needed to ack/nack
// it.
type Message struct {
	Body       models.TradeMessage
	DedupID    string
	GroupKey   string
	Attributes Attributes

	// opaque handle the transport uses to identify this delivery for
	// ack/nack; transports that don't need one may leave it empty.
	handle string
}

// TradeQueue is the queue transport interface. No FIFO guarantee
// is assumed; deduplication is by DedupID (= trade id).
type TradeQueue interface {
	Send(ctx context.Context, body models.TradeMessage, groupKey, dedupID string, attrs Attributes) error
	ReceiveBatch(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	Nack(ctx context.Context, msg Message) error
}
