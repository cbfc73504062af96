// Package events is the synchronous domain-event bus the worker and
// execution strategies publish to. Dispatch is synchronous and
// isolates one observer's panic/error from the others and from the
// publisher.
package events

import (
	"github.com/rs/zerolog/log"
)

// TradeExecuted is published once a trade reaches a terminal status.
type TradeExecuted struct {
	RunID   string
	TradeID string
	Symbol  string
	Success bool
	Message string
}

// WorkflowFailed is published when a run-level failure occurs (e.g. the
// SELL-failure guard blocks the BUY phase and marks the run FAILED).
type WorkflowFailed struct {
	RunID         string
	CorrelationID string
	WorkflowType  string
	Reason        string
	FailureStep   string
	ErrorDetails  string
	Fatal         bool
}

// TradeObserver receives TradeExecuted events.
type TradeObserver interface {
	OnTradeExecuted(TradeExecuted)
}

// WorkflowObserver receives WorkflowFailed events.
type WorkflowObserver interface {
	OnWorkflowFailed(WorkflowFailed)
}

// Bus fans events out to registered observers. A nil Bus is valid and
// drops every event, so callers that don't care about notifications can
// leave it unset.
type Bus struct {
	tradeObservers    []TradeObserver
	workflowObservers []WorkflowObserver
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(o interface{}) {
	if b == nil {
		return
	}
	if t, ok := o.(TradeObserver); ok {
		b.tradeObservers = append(b.tradeObservers, t)
	}
	if w, ok := o.(WorkflowObserver); ok {
		b.workflowObservers = append(b.workflowObservers, w)
	}
}

// PublishTradeExecuted dispatches to every TradeObserver, isolating a
// panicking observer so it cannot take down the worker loop or prevent
// delivery to the remaining observers.
func (b *Bus) PublishTradeExecuted(e TradeExecuted) {
	if b == nil {
		return
	}
	for _, o := range b.tradeObservers {
		dispatchTradeSafely(o, e)
	}
}

func (b *Bus) PublishWorkflowFailed(e WorkflowFailed) {
	if b == nil {
		return
	}
	for _, o := range b.workflowObservers {
		dispatchWorkflowSafely(o, e)
	}
}

func dispatchTradeSafely(o TradeObserver, e TradeExecuted) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("run_id", e.RunID).
				Str("trade_id", e.TradeID).
				Interface("panic", r).
				Msg("trade observer panicked, dropping its delivery")
		}
	}()
	o.OnTradeExecuted(e)
}

func dispatchWorkflowSafely(o WorkflowObserver, e WorkflowFailed) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("run_id", e.RunID).
				Interface("panic", r).
				Msg("workflow observer panicked, dropping its delivery")
		}
	}()
	o.OnWorkflowFailed(e)
}

// LogObserver is a baseline observer that just logs; wired by default so
// every event is at least visible even with no other observers attached.
type LogObserver struct{}

func (LogObserver) OnTradeExecuted(e TradeExecuted) {
	log.Info().Str("run_id", e.RunID).Str("trade_id", e.TradeID).Str("symbol", e.Symbol).
		Bool("success", e.Success).Str("message", e.Message).Msg("trade executed")
}

func (LogObserver) OnWorkflowFailed(e WorkflowFailed) {
	log.Warn().Str("run_id", e.RunID).Bool("fatal", e.Fatal).Str("reason", e.Reason).Msg("workflow failed")
}
