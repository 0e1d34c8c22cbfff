package saga

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

// Awaiter hands events received by bus callbacks to the saga waiting for them.
// Each correlation id has at most one armed waiter.
type Awaiter struct {
	mu      sync.Mutex
	waiters map[models.ID]*Waiter
}

// Waiter is a one-shot registration for a set of event types
type Waiter struct {
	awaiter       *Awaiter
	correlationID models.ID
	eventTypes    map[string]struct{}
	ch            chan *events.Event
}

func NewAwaiter() *Awaiter {
	return &Awaiter{
		waiters: make(map[models.ID]*Waiter),
	}
}

// Arm registers a waiter for the first event of any of the given types
func (a *Awaiter) Arm(correlationID models.ID, eventTypes ...string) (*Waiter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.waiters[correlationID]; exists {
		return nil, errors.Wrapf(ErrAlreadyArmed, "correlation id %s", correlationID)
	}

	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	w := &Waiter{
		awaiter:       a,
		correlationID: correlationID,
		eventTypes:    types,
		ch:            make(chan *events.Event, 1),
	}
	a.waiters[correlationID] = w
	return w, nil
}

// Deliver resolves the waiter armed for the event's correlation id. It
// reports false when nobody is waiting for this event.
func (a *Awaiter) Deliver(event *events.Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.waiters[event.CorrelationID]
	if !ok {
		return false
	}
	if _, accepted := w.eventTypes[event.EventType]; !accepted {
		return false
	}

	delete(a.waiters, event.CorrelationID)
	// buffered and removed from the map under the lock, so this never blocks
	w.ch <- event
	return true
}

// Pending returns the number of armed waiters
func (a *Awaiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}

// Wait blocks until an accepted event arrives, the timeout elapses or ctx is
// done. The waiter is always deregistered on return.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (*events.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case event := <-w.ch:
		return event, nil
	case <-timer.C:
		if event, ok := w.cancel(); ok {
			return event, nil
		}
		return nil, errors.Wrapf(ErrWaitTimeout, "correlation id %s after %s", w.correlationID, timeout)
	case <-ctx.Done():
		if event, ok := w.cancel(); ok {
			return event, nil
		}
		return nil, ctx.Err()
	}
}

// Cancel deregisters the waiter so late events are ignored
func (w *Waiter) Cancel() {
	w.cancel()
}

// cancel deregisters the waiter and returns an event delivered just before
func (w *Waiter) cancel() (*events.Event, bool) {
	w.awaiter.mu.Lock()
	defer w.awaiter.mu.Unlock()

	if current, ok := w.awaiter.waiters[w.correlationID]; ok && current == w {
		delete(w.awaiter.waiters, w.correlationID)
	}

	select {
	case event := <-w.ch:
		return event, true
	default:
		return nil, false
	}
}
