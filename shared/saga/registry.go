package saga

import (
	"sort"
	"sync"

	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

// Registry tracks live saga instances by order id. Completed and compensated
// sagas are evicted when released; failed ones stay for operator inspection.
type Registry struct {
	mu    sync.RWMutex
	sagas map[models.ID]*Instance
}

func NewRegistry() *Registry {
	return &Registry{
		sagas: make(map[models.ID]*Instance),
	}
}

// Register tracks a new instance, rejecting a second saga for the same order
func (r *Registry) Register(instance *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sagas[instance.OrderID()]; exists {
		return errors.Wrapf(ErrSagaAlreadyRunning, "order %s", instance.OrderID())
	}
	r.sagas[instance.OrderID()] = instance
	return nil
}

func (r *Registry) Get(orderID models.ID) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.sagas[orderID]
	return instance, ok
}

// Release evicts a finished instance unless it ended failed. It reports
// whether the instance was evicted.
func (r *Registry) Release(instance *Instance) bool {
	if instance.State() == StateFailed {
		return false
	}
	r.Remove(instance.OrderID())
	return true
}

func (r *Registry) Remove(orderID models.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sagas, orderID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sagas)
}

// Snapshots returns all tracked sagas, oldest first
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	instances := make([]*Instance, 0, len(r.sagas))
	for _, instance := range r.sagas {
		instances = append(instances, instance)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(instances))
	for _, instance := range instances {
		snapshots = append(snapshots, instance.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.Before(snapshots[j].StartedAt)
	})
	return snapshots
}
