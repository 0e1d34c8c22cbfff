// Package saga holds the runtime pieces shared by saga orchestrators: the
// per-saga instance, the registry of live sagas and the correlation awaiter.
package saga

import "github.com/pkg/errors"

var (
	ErrSagaAlreadyRunning = errors.New("saga already running for order")
	ErrInvalidTransition  = errors.New("invalid saga state transition")
	ErrWaitTimeout        = errors.New("timed out waiting for event")
	ErrAlreadyArmed       = errors.New("waiter already armed for correlation id")
)

// State is the position of a saga in its state machine
type State string

const (
	StateStarted           State = "started"
	StateInventoryReserved State = "inventory_reserved"
	StatePaymentCompleted  State = "payment_completed"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCompensating      State = "compensating"
	StateCompensated       State = "compensated"
)

// Step names a forward step whose effects may need compensation
type Step string

const (
	StepOrderCreated      Step = "order_created"
	StepInventoryReserved Step = "inventory_reserved"
	StepPaymentCompleted  Step = "payment_completed"
)

var transitions = map[State][]State{
	StateStarted:           {StateInventoryReserved, StateFailed},
	StateInventoryReserved: {StatePaymentCompleted, StateFailed},
	StatePaymentCompleted:  {StateCompleted, StateFailed},
	StateFailed:            {StateCompensating},
	StateCompensating:      {StateCompensated, StateFailed},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
