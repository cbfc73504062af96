package lifecycle

import (
	"github.com/rs/zerolog/log"

	"rebalance_core/internal/models"
)

// Event is published on every legal lifecycle transition.
type Event struct {
	OrderID       string
	ClientOrderID string
	From          models.OrderLifecycleState
	To            models.OrderLifecycleState
}

// Observer reacts to lifecycle transitions (e.g. reporting, metrics).
type Observer interface {
	OnTransition(Event)
}

// Dispatcher fans a transition out to every registered observer
// synchronously, isolating one observer's panic from the others — the
// same isolation contract as internal/events.Bus, kept as a separate
// dispatcher because lifecycle events fire far more often than
// trade/workflow events and strategies want to subscribe independently.
type Dispatcher struct {
	observers []Observer
}

func NewDispatcher(observers ...Observer) *Dispatcher {
	return &Dispatcher{observers: observers}
}

func (d *Dispatcher) Subscribe(o Observer) {
	d.observers = append(d.observers, o)
}

func (d *Dispatcher) Notify(e Event) {
	if d == nil {
		return
	}
	for _, o := range d.observers {
		notifySafely(o, e)
	}
}

func notifySafely(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("order_id", e.OrderID).
				Str("from", string(e.From)).
				Str("to", string(e.To)).
				Interface("panic", r).
				Msg("lifecycle observer panicked, dropping its delivery")
		}
	}()
	o.OnTransition(e)
}
