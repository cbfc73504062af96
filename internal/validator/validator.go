// Package validator implements the portfolio validator: a pre-execution
// sufficiency check and a post-execution reconciliation poll against the
// broker's reported position (fetch position, compare against
// expectation, report).
package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"rebalance_core/internal/broker"
	"rebalance_core/internal/models"
)

var (
	positionTolerancePct = decimal.NewFromFloat(0.01)
	fractionalTolerance  = decimal.NewFromFloat(0.001)
)

// PreExecutionResult is returned by ValidateBeforeExecution.
type PreExecutionResult struct {
	CanExecute      bool
	InitialPosition decimal.Decimal
	AdjustedQty     decimal.Decimal // zero means "use the original intent quantity"
	Error           string
}

// Validator wraps a Broker to check positions before and after execution.
// ReconcileBudget/InitialBackoff/MaxBackoff default to the production
// 1s->5s/30s schedule but are overridable so tests don't have to wait on
// real wall-clock time.
type Validator struct {
	broker          broker.Broker
	ReconcileBudget time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

func New(b broker.Broker) *Validator {
	return &Validator{
		broker:          b,
		ReconcileBudget: 30 * time.Second,
		InitialBackoff:  1 * time.Second,
		MaxBackoff:      5 * time.Second,
	}
}

// ValidateBeforeExecution runs the pre-execution position check.
func (v *Validator) ValidateBeforeExecution(ctx context.Context, intent models.OrderIntent) (PreExecutionResult, error) {
	pos, err := v.broker.GetPosition(ctx, intent.Symbol)
	if err != nil {
		return PreExecutionResult{}, fmt.Errorf("validator: get position for %s: %w", intent.Symbol, err)
	}
	initial := pos.Qty

	if intent.Side == models.SideSell && initial.LessThan(intent.Quantity) {
		shortfall := intent.Quantity.Sub(initial)
		tolerance := intent.Quantity.Mul(positionTolerancePct)
		if shortfall.LessThanOrEqual(tolerance) && initial.GreaterThan(decimal.Zero) {
			return PreExecutionResult{CanExecute: true, InitialPosition: initial, AdjustedQty: initial}, nil
		}
		return PreExecutionResult{
			CanExecute:      false,
			InitialPosition: initial,
			Error:           "insufficient position",
		}, nil
	}

	if intent.CloseType == models.CloseFull && !initial.Equal(intent.Quantity) {
		// full closes tolerate a drifted quantity: warn but allow
		log.Warn().Str("symbol", intent.Symbol).Str("position", initial.String()).
			Str("quantity", intent.Quantity.String()).Msg("full close quantity differs from broker position")
		return PreExecutionResult{CanExecute: true, InitialPosition: initial}, nil
	}

	return PreExecutionResult{CanExecute: true, InitialPosition: initial}, nil
}

// ValidationResult is returned by ValidateExecution.
type ValidationResult struct {
	Passed          bool
	ExpectedPosition decimal.Decimal
	ActualPosition   decimal.Decimal
	Attempts         int
}

// ValidateExecution runs the post-execution reconciliation:
// expected position is computed from the fill, then polled for with
// exponential backoff (1s -> 5s, capped at a 30s total budget).
func (v *Validator) ValidateExecution(ctx context.Context, intent models.OrderIntent, filled decimal.Decimal, initialPosition decimal.Decimal) (ValidationResult, error) {
	expected := expectedPosition(intent, filled, initialPosition)

	deadline := time.Now().Add(v.ReconcileBudget)
	backoff := v.InitialBackoff
	attempts := 0

	for {
		attempts++
		pos, err := v.broker.GetPosition(ctx, intent.Symbol)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validator: get position for %s: %w", intent.Symbol, err)
		}

		diff := pos.Qty.Sub(expected).Abs()
		if diff.LessThanOrEqual(fractionalTolerance) {
			return ValidationResult{Passed: true, ExpectedPosition: expected, ActualPosition: pos.Qty, Attempts: attempts}, nil
		}

		if time.Now().Add(backoff).After(deadline) {
			return ValidationResult{Passed: false, ExpectedPosition: expected, ActualPosition: pos.Qty, Attempts: attempts}, nil
		}

		select {
		case <-ctx.Done():
			return ValidationResult{}, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > v.MaxBackoff {
			backoff = v.MaxBackoff
		}
	}
}

func expectedPosition(intent models.OrderIntent, filled, initial decimal.Decimal) decimal.Decimal {
	switch {
	case intent.Side == models.SideBuy:
		return initial.Add(filled)
	case intent.CloseType == models.CloseFull:
		return decimal.Zero
	default:
		return initial.Sub(filled)
	}
}
