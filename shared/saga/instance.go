package saga

import (
	"sync"
	"time"

	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

// Instance is the in-memory state of one saga. Only the goroutine running the
// saga mutates it; readers use the accessors or Snapshot.
type Instance struct {
	mu             sync.RWMutex
	orderID        models.ID
	state          State
	completedSteps []Step
	failureReason  string
	pendingStep    Step
	paymentID      models.ID
	paymentAmount  models.Money
	startedAt      time.Time
	updatedAt      time.Time
	finished       bool
	done           chan struct{}
}

// Snapshot is a point-in-time copy of an instance
type Snapshot struct {
	OrderID        models.ID `json:"order_id"`
	State          State     `json:"state"`
	CompletedSteps []Step    `json:"completed_steps"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	PendingStep    Step      `json:"pending_step,omitempty"`
	PaymentID      models.ID `json:"payment_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Finished       bool      `json:"finished"`
}

// NewInstance creates a saga in the started state. The order already exists
// when a saga is created, so order_created is recorded as completed.
func NewInstance(orderID models.ID) *Instance {
	now := time.Now().UTC()
	return &Instance{
		orderID:        orderID,
		state:          StateStarted,
		completedSteps: []Step{StepOrderCreated},
		startedAt:      now,
		updatedAt:      now,
		done:           make(chan struct{}),
	}
}

func (i *Instance) OrderID() models.ID {
	return i.orderID
}

func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// CompletedSteps returns a copy of the completed steps in execution order
func (i *Instance) CompletedSteps() []Step {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]Step(nil), i.completedSteps...)
}

func (i *Instance) HasCompleted(step Step) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.hasCompleted(step)
}

func (i *Instance) hasCompleted(step Step) bool {
	for _, s := range i.completedSteps {
		if s == step {
			return true
		}
	}
	return false
}

func (i *Instance) FailureReason() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.failureReason
}

func (i *Instance) StartedAt() time.Time {
	return i.startedAt
}

// Transition moves the saga to the given state
func (i *Instance) Transition(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transition(to)
}

func (i *Instance) transition(to State) error {
	if i.finished {
		return errors.Wrapf(ErrInvalidTransition, "saga %s already finished in %s", i.orderID, i.state)
	}
	if !CanTransition(i.state, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", i.state, to)
	}
	i.state = to
	i.updatedAt = time.Now().UTC()
	return nil
}

// CompleteStep records step and advances to next. It returns false without
// changing anything when the step was already recorded.
func (i *Instance) CompleteStep(step Step, next State) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.hasCompleted(step) {
		return false, nil
	}
	if err := i.transition(next); err != nil {
		return false, err
	}
	i.completedSteps = append(i.completedSteps, step)
	if i.pendingStep == step {
		i.pendingStep = ""
	}
	return true, nil
}

// BeginStep marks step as requested and not yet answered
func (i *Instance) BeginStep(step Step) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pendingStep = step
	i.updatedAt = time.Now().UTC()
}

// AbandonStep clears the pending step after the participant refused it
func (i *Instance) AbandonStep() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pendingStep = ""
}

// PendingStep returns the step requested but never answered, if any
func (i *Instance) PendingStep() Step {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.pendingStep
}

// RecordPayment keeps the charge reported by the payment participant
func (i *Instance) RecordPayment(paymentID models.ID, amount models.Money) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paymentID = paymentID
	i.paymentAmount = amount
}

func (i *Instance) Payment() (models.ID, models.Money) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.paymentID, i.paymentAmount
}

// Fail moves the saga to failed, keeping the first recorded reason
func (i *Instance) Fail(reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.transition(StateFailed); err != nil {
		return err
	}
	if i.failureReason == "" {
		i.failureReason = reason
	}
	return nil
}

// Finish marks the saga terminal and releases Done waiters. Safe to call twice.
func (i *Instance) Finish() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.finished {
		return
	}
	i.finished = true
	i.updatedAt = time.Now().UTC()
	close(i.done)
}

func (i *Instance) IsFinished() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.finished
}

// Done is closed once the saga reaches its terminal state
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

func (i *Instance) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return Snapshot{
		OrderID:        i.orderID,
		State:          i.state,
		CompletedSteps: append([]Step(nil), i.completedSteps...),
		FailureReason:  i.failureReason,
		PendingStep:    i.pendingStep,
		PaymentID:      i.paymentID,
		StartedAt:      i.startedAt,
		UpdatedAt:      i.updatedAt,
		Finished:       i.finished,
	}
}
