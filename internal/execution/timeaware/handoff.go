package timeaware

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/models"
	"rebalance_core/internal/runstore"
)

// Handoff is the worker-facing strategy adapter for trades bound to the
// time-aware policy. A single worker invocation cannot babysit an
// execution across the whole trading day, so instead of filling inline it
// registers a durable PendingExecution and returns immediately; the tick
// engine works the execution until close. The trade record carries the
// execution id so fills remain traceable.
type Handoff struct {
	store runstore.PendingExecutionStore
	ttl   time.Duration
}

// NewHandoff wires the adapter. ttl bounds how long an abandoned
// execution record survives in the store.
func NewHandoff(store runstore.PendingExecutionStore, ttl time.Duration) *Handoff {
	return &Handoff{store: store, ttl: ttl}
}

// Execute registers a PendingExecution for the intent and reports success
// once the registration is durable. Filled quantity is zero at this
// point; the tick engine accumulates fills asynchronously.
func (h *Handoff) Execute(ctx context.Context, intent models.OrderIntent, quote models.Quote) (models.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return models.ExecutionResult{Success: false, ErrorMessage: err.Error()}, nil
	}

	now := time.Now().UTC()
	pe := models.PendingExecution{
		ExecutionID: uuid.NewString(),
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		TargetQty:   intent.Quantity,
		FilledQty:   decimal.Zero,
		State:       models.PendingExecPending,
		PolicyID:    "timeaware",
		Version:     1,
		Notes:       fmt.Sprintf("correlation_id=%s", intent.CorrelationID),
		CreatedAt:   now,
		UpdatedAt:   now,
		TTL:         now.Add(h.ttl),
	}

	if err := h.store.SavePendingExecution(ctx, pe); err != nil {
		return models.ExecutionResult{Success: false, ErrorMessage: err.Error()}, nil
	}

	log.Info().
		Str("execution_id", pe.ExecutionID).
		Str("symbol", pe.Symbol).
		Str("target_qty", pe.TargetQty.String()).
		Msg("trade handed off to time-aware engine")

	return models.ExecutionResult{
		Success:      true,
		TotalFilled:  decimal.Zero,
		FinalOrderID: "exec:" + pe.ExecutionID,
	}, nil
}
