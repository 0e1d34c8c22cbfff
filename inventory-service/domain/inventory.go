package domain

import (
	"context"
	"sort"
	"strings"

	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidProduct      = errors.New("invalid product")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrReservationNotFound = errors.New("reservation not found")
)

// Product is a stock keeping unit. Available excludes units held by
// reservations.
type Product struct {
	ID         models.ID
	Name       string
	Available  int
	Reserved   int
	Timestamps models.Timestamps
	Version    models.Version
}

// NewProduct creates a product with the given stock on hand
func NewProduct(id models.ID, name string, stock int) (*Product, error) {
	if id.IsZero() {
		return nil, errors.Wrap(ErrInvalidProduct, "product ID is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.Wrap(ErrInvalidProduct, "name is required")
	}
	if stock < 0 {
		return nil, errors.Wrap(ErrInvalidProduct, "stock cannot be negative")
	}

	return &Product{
		ID:         id,
		Name:       name,
		Available:  stock,
		Timestamps: models.NewTimestamps(),
		Version:    models.NewVersion(),
	}, nil
}

// Hold moves quantity from available to reserved
func (p *Product) Hold(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if p.Available < quantity {
		return errors.Wrapf(ErrInsufficientStock, "product %s: requested %d, available %d", p.ID, quantity, p.Available)
	}

	p.Available -= quantity
	p.Reserved += quantity
	p.touch()
	return nil
}

// Unhold returns reserved units to available stock
func (p *Product) Unhold(quantity int) {
	if quantity > p.Reserved {
		quantity = p.Reserved
	}
	p.Reserved -= quantity
	p.Available += quantity
	p.touch()
}

// Restock sets the available stock, keeping current reservations
func (p *Product) Restock(name string, available int) error {
	if available < 0 {
		return errors.Wrap(ErrInvalidProduct, "stock cannot be negative")
	}
	if name != "" {
		p.Name = name
	}
	p.Available = available
	p.touch()
	return nil
}

func (p *Product) touch() {
	p.Timestamps = p.Timestamps.Touch()
	p.Version = p.Version.Next()
}

// ReservationStatus is the outcome recorded for an order
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusRejected ReservationStatus = "rejected"
	ReservationStatusReleased ReservationStatus = "released"
)

// ReservationItem is the quantity held for one product
type ReservationItem struct {
	ProductID models.ID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// Reservation is the single stock hold of an order. A released reservation
// with no items is a tombstone left by a release that arrived first.
type Reservation struct {
	OrderID    models.ID
	Items      []ReservationItem
	Status     ReservationStatus
	Reason     string
	Timestamps models.Timestamps
}

// NewReservation merges duplicate product lines and validates quantities
func NewReservation(orderID models.ID, items []ReservationItem) (*Reservation, error) {
	if orderID.IsZero() {
		return nil, errors.New("order ID is required")
	}
	if len(items) == 0 {
		return nil, errors.New("at least one item is required")
	}

	merged := make(map[models.ID]int, len(items))
	for _, item := range items {
		if item.ProductID.IsZero() {
			return nil, errors.Wrap(ErrInvalidProduct, "product ID is required")
		}
		if item.Quantity <= 0 {
			return nil, errors.Wrapf(ErrInvalidQuantity, "product %s", item.ProductID)
		}
		merged[item.ProductID] += item.Quantity
	}

	lines := make([]ReservationItem, 0, len(merged))
	for productID, quantity := range merged {
		lines = append(lines, ReservationItem{ProductID: productID, Quantity: quantity})
	}
	// stable lock order for the row locks taken by the repository
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	return &Reservation{
		OrderID:    orderID,
		Items:      lines,
		Timestamps: models.NewTimestamps(),
	}, nil
}

// ProductIDs returns the products the reservation touches, sorted
func (r *Reservation) ProductIDs() []models.ID {
	ids := make([]models.ID, len(r.Items))
	for i, item := range r.Items {
		ids[i] = item.ProductID
	}
	return ids
}

// Apply holds stock for every line or for none. On shortage the reservation
// is marked rejected and products are left untouched.
func (r *Reservation) Apply(products map[models.ID]*Product) error {
	for _, item := range r.Items {
		product, ok := products[item.ProductID]
		if !ok {
			r.reject(errors.Wrapf(ErrProductNotFound, "product %s", item.ProductID).Error())
			return nil
		}
		if product.Available < item.Quantity {
			r.reject(errors.Wrapf(ErrInsufficientStock, "product %s: requested %d, available %d",
				item.ProductID, item.Quantity, product.Available).Error())
			return nil
		}
	}

	for _, item := range r.Items {
		if err := products[item.ProductID].Hold(item.Quantity); err != nil {
			return err
		}
	}
	r.Status = ReservationStatusReserved
	r.Timestamps = r.Timestamps.Touch()
	return nil
}

// Release returns held stock and marks the reservation released. It reports
// whether stock was returned.
func (r *Reservation) Release(products map[models.ID]*Product, reason string) bool {
	if r.Status != ReservationStatusReserved {
		return false
	}

	for _, item := range r.Items {
		if product, ok := products[item.ProductID]; ok {
			product.Unhold(item.Quantity)
		}
	}
	r.Status = ReservationStatusReleased
	r.Reason = reason
	r.Timestamps = r.Timestamps.Touch()
	return true
}

func (r *Reservation) reject(reason string) {
	r.Status = ReservationStatusRejected
	r.Reason = reason
	r.Timestamps = r.Timestamps.Touch()
}

// NewReleasedTombstone records a release for an order never reserved, so a
// late reserve request is refused.
func NewReleasedTombstone(orderID models.ID, reason string) *Reservation {
	return &Reservation{
		OrderID:    orderID,
		Status:     ReservationStatusReleased,
		Reason:     reason,
		Timestamps: models.NewTimestamps(),
	}
}

// InventoryRepository persists products and applies reservations atomically
type InventoryRepository interface {
	SaveProduct(ctx context.Context, product *Product) error
	FindProduct(ctx context.Context, id models.ID) (*Product, error)
	// Reserve stores the outcome of reservation, or returns the outcome
	// already stored for the order.
	Reserve(ctx context.Context, reservation *Reservation) (*Reservation, error)
	// Release releases the order's reservation, leaving a tombstone when none
	// exists. released reports whether stock was returned.
	Release(ctx context.Context, orderID models.ID, reason string) (reservation *Reservation, released bool, err error)
	FindReservation(ctx context.Context, orderID models.ID) (*Reservation, error)
}
