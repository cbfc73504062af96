// Package memqueue is an in-process TradeQueue implementation used by the
// single-binary entrypoint and by tests. It deliberately does not preserve
// FIFO order across phases: messages are held in a map and drained in
// Go's randomized map-iteration order, so consumers cannot accidentally
// depend on delivery order. Visibility timeout and redelivery are modeled
// after a standard at-least-once queue (SQS-shaped).
package memqueue

import (
	"context"
	"sync"
	"time"

	"rebalance_core/internal/models"
	"rebalance_core/internal/queue"
)

type entry struct {
	msg          queue.Message
	visibleAfter time.Time
	delivered    bool
}

// Queue is an in-memory TradeQueue.
type Queue struct {
	mu                sync.Mutex
	entries           map[string]*entry // keyed by DedupID
	order             []string          // insertion order for deterministic tests; draining still ignores it for delivery
	visibilityTimeout time.Duration
}

var _ queue.TradeQueue = (*Queue)(nil)

// New returns an empty in-memory queue with the given visibility timeout
// (how long a received-but-not-acked message stays invisible before being
// redelivered).
func New(visibilityTimeout time.Duration) *Queue {
	return &Queue{
		entries:           make(map[string]*entry),
		visibilityTimeout: visibilityTimeout,
	}
}

func (q *Queue) Send(ctx context.Context, body models.TradeMessage, groupKey, dedupID string, attrs queue.Attributes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[dedupID]; exists {
		// Deduplication via dedup_id = trade_id: a resend of an
		// already-queued trade is a silent no-op.
		return nil
	}

	q.entries[dedupID] = &entry{
		msg: queue.Message{
			Body:       body,
			DedupID:    dedupID,
			GroupKey:   groupKey,
			Attributes: attrs,
		},
	}
	q.order = append(q.order, dedupID)
	return nil
}

// ReceiveBatch returns up to max currently-visible messages and marks them
// invisible until the configured visibility timeout elapses.
func (q *Queue) ReceiveBatch(ctx context.Context, max int) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []queue.Message
	for dedupID, e := range q.entries {
		if len(out) >= max {
			break
		}
		if e.delivered && now.Before(e.visibleAfter) {
			continue
		}
		e.delivered = true
		e.visibleAfter = now.Add(q.visibilityTimeout)
		m := e.msg
		m.DedupID = dedupID
		out = append(out, m)
	}
	return out, nil
}

// Ack permanently removes the message.
func (q *Queue) Ack(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, msg.DedupID)
	return nil
}

// Nack makes the message immediately visible again for redelivery.
func (q *Queue) Nack(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[msg.DedupID]; ok {
		e.visibleAfter = time.Time{}
	}
	return nil
}

// Len reports the number of messages still held (not yet acked, whether
// delivered or not), used by tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
