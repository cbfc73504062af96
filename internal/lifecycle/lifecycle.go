// Package lifecycle implements the order lifecycle state machine shared
// by all three execution strategies: a declarative transition table plus
// a synchronous observer dispatcher. Invalid transitions fail loudly;
// terminal self-transitions are idempotent no-ops.
package lifecycle

import (
	"fmt"

	"rebalance_core/internal/models"
)

// transitions enumerates every legal OrderLifecycleState edge.
// A self-transition on a terminal state is always legal and is a no-op,
// handled separately in Apply so it doesn't need an entry per terminal
// state.
var transitions = map[models.OrderLifecycleState]map[models.OrderLifecycleState]bool{
	models.LifecycleNew: {
		models.LifecycleValidated: true,
		models.LifecycleRejected:  true,
	},
	models.LifecycleValidated: {
		models.LifecycleQueued:  true,
		models.LifecycleRejected: true,
	},
	models.LifecycleQueued: {
		models.LifecycleSubmitted: true,
		models.LifecycleRejected:  true,
		models.LifecycleError:     true,
	},
	models.LifecycleSubmitted: {
		models.LifecycleAcknowledged: true,
		models.LifecycleRejected:     true,
		models.LifecycleError:        true,
	},
	models.LifecycleAcknowledged: {
		models.LifecyclePartiallyFilled: true,
		models.LifecycleFilled:          true,
		models.LifecycleCancelPending:   true,
		models.LifecycleExpired:         true,
		models.LifecycleError:           true,
	},
	models.LifecyclePartiallyFilled: {
		models.LifecyclePartiallyFilled: true, // additional partial fills
		models.LifecycleFilled:          true,
		models.LifecycleCancelPending:   true,
		models.LifecycleExpired:         true,
		models.LifecycleError:           true,
	},
	models.LifecycleCancelPending: {
		models.LifecycleCancelled:       true,
		models.LifecyclePartiallyFilled: true, // fill raced the cancel
		models.LifecycleFilled:          true,
		models.LifecycleError:           true,
	},
}

// ErrIllegalTransition is returned by Apply for an edge not present in the
// table (and not a terminal-state self-transition).
type ErrIllegalTransition struct {
	From models.OrderLifecycleState
	To   models.OrderLifecycleState
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("lifecycle: illegal transition %s -> %s", e.From, e.To)
}

// Apply validates and returns the next state for (from, to). Terminal
// states accept any self-transition as an idempotent no-op; any
// other transition not listed in the table is illegal.
func Apply(from, to models.OrderLifecycleState) (models.OrderLifecycleState, error) {
	if from == to && from.IsTerminal() {
		return from, nil
	}
	if edges, ok := transitions[from]; ok && edges[to] {
		return to, nil
	}
	return from, ErrIllegalTransition{From: from, To: to}
}

// Machine tracks one order's lifecycle state and notifies observers on
// every legal transition. Built for the three execution strategies to
// embed rather than re-implement their own transition tracking.
type Machine struct {
	OrderID       string
	ClientOrderID string
	state         models.OrderLifecycleState
	dispatcher    *Dispatcher
}

// NewMachine starts a lifecycle machine in the NEW state.
func NewMachine(orderID, clientOrderID string, dispatcher *Dispatcher) *Machine {
	return &Machine{
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		state:         models.LifecycleNew,
		dispatcher:    dispatcher,
	}
}

// State returns the current state.
func (m *Machine) State() models.OrderLifecycleState {
	return m.state
}

// Transition applies a state change and notifies observers; an illegal
// transition leaves the state untouched and returns the error without
// notifying anyone.
func (m *Machine) Transition(to models.OrderLifecycleState) error {
	next, err := Apply(m.state, to)
	if err != nil {
		return err
	}
	prev := m.state
	m.state = next
	if m.dispatcher != nil {
		m.dispatcher.Notify(Event{
			OrderID:       m.OrderID,
			ClientOrderID: m.ClientOrderID,
			From:          prev,
			To:            next,
		})
	}
	return nil
}
