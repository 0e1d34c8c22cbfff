package infrastructure

import (
	"context"
	"sync"

	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var _ domain.PaymentRepository = (*MemoryPaymentRepository)(nil)

// MemoryPaymentRepository keeps payments in process, for tests and local runs
type MemoryPaymentRepository struct {
	mu       sync.RWMutex
	payments map[models.ID]*domain.Payment
	byOrder  map[models.ID]models.ID
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{
		payments: make(map[models.ID]*domain.Payment),
		byOrder:  make(map[models.ID]models.ID),
	}
}

func (r *MemoryPaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byOrder[payment.OrderID]; exists {
		return errors.Wrapf(domain.ErrDuplicatePayment, "order %s", payment.OrderID)
	}
	r.payments[payment.ID] = clonePayment(payment)
	r.byOrder[payment.OrderID] = payment.ID
	return nil
}

func (r *MemoryPaymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.payments[payment.ID]
	if !ok {
		return errors.Wrapf(domain.ErrPaymentNotFound, "%s", payment.ID)
	}
	if stored.Version != payment.Version {
		return errors.Wrapf(domain.ErrConcurrentModification, "payment %s version %d", payment.ID, payment.Version.Value)
	}

	payment.Version = payment.Version.Next()
	r.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (r *MemoryPaymentRepository) FindByID(ctx context.Context, id models.ID) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.payments[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrPaymentNotFound, "%s", id)
	}
	return clonePayment(payment), nil
}

func (r *MemoryPaymentRepository) FindByOrderID(ctx context.Context, orderID models.ID) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byOrder[orderID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrPaymentNotFound, "order %s", orderID)
	}
	return clonePayment(r.payments[id]), nil
}

// clonePayment copies the stored fields; pending domain events are not stored
func clonePayment(payment *domain.Payment) *domain.Payment {
	clone := *payment
	clone.ClearEvents()
	return &clone
}
