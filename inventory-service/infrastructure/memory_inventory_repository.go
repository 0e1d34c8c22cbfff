package infrastructure

import (
	"context"
	"sync"

	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var _ domain.InventoryRepository = (*MemoryInventoryRepository)(nil)

// MemoryInventoryRepository keeps stock in process, for tests and local runs
type MemoryInventoryRepository struct {
	mu           sync.Mutex
	products     map[models.ID]*domain.Product
	reservations map[models.ID]*domain.Reservation
}

func NewMemoryInventoryRepository() *MemoryInventoryRepository {
	return &MemoryInventoryRepository{
		products:     make(map[models.ID]*domain.Product),
		reservations: make(map[models.ID]*domain.Reservation),
	}
}

func (r *MemoryInventoryRepository) SaveProduct(ctx context.Context, product *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *product
	if existing, ok := r.products[product.ID]; ok {
		clone.Reserved = existing.Reserved
		clone.Timestamps.CreatedAt = existing.Timestamps.CreatedAt
		clone.Version = existing.Version.Next()
	}
	r.products[product.ID] = &clone
	return nil
}

func (r *MemoryInventoryRepository) FindProduct(ctx context.Context, id models.ID) (*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.products[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", id)
	}
	clone := *product
	return &clone, nil
}

func (r *MemoryInventoryRepository) FindReservation(ctx context.Context, orderID models.ID) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reservation, ok := r.reservations[orderID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "order %s", orderID)
	}
	return cloneReservation(reservation), nil
}

func (r *MemoryInventoryRepository) Reserve(ctx context.Context, reservation *domain.Reservation) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.reservations[reservation.OrderID]; ok {
		return cloneReservation(existing), nil
	}

	// work on copies so a failed apply leaves stock untouched
	products := r.copyProducts(reservation.ProductIDs())
	if err := reservation.Apply(products); err != nil {
		return nil, err
	}
	if reservation.Status == domain.ReservationStatusReserved {
		for id, product := range products {
			r.products[id] = product
		}
	}

	r.reservations[reservation.OrderID] = cloneReservation(reservation)
	return cloneReservation(reservation), nil
}

func (r *MemoryInventoryRepository) Release(ctx context.Context, orderID models.ID, reason string) (*domain.Reservation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reservation, ok := r.reservations[orderID]
	if !ok {
		tombstone := domain.NewReleasedTombstone(orderID, reason)
		r.reservations[orderID] = tombstone
		return cloneReservation(tombstone), false, nil
	}

	products := r.copyProducts(reservation.ProductIDs())
	released := reservation.Release(products, reason)
	for id, product := range products {
		r.products[id] = product
	}
	return cloneReservation(reservation), released, nil
}

func (r *MemoryInventoryRepository) copyProducts(ids []models.ID) map[models.ID]*domain.Product {
	products := make(map[models.ID]*domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := r.products[id]; ok {
			clone := *product
			products[id] = &clone
		}
	}
	return products
}

func cloneReservation(reservation *domain.Reservation) *domain.Reservation {
	clone := *reservation
	clone.Items = append([]domain.ReservationItem(nil), reservation.Items...)
	return &clone
}
