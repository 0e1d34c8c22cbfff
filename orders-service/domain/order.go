package domain

import (
	"context"
	"strings"

	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrInvalidOrder      = errors.New("invalid order")
)

// OrderStatus is the fulfillment status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusCancelled
}

// PaymentStatus is the payment status recorded on an order
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded},
	PaymentStatusCompleted: {PaymentStatusRefunded},
}

// OrderItem is one line of an order
type OrderItem struct {
	ProductID models.ID
	Quantity  int
	UnitPrice models.Money
}

// Subtotal returns unit price times quantity
func (i OrderItem) Subtotal() models.Money {
	return i.UnitPrice.Multiply(i.Quantity)
}

// Order aggregate root. Status fields are only changed by the saga that owns
// the order.
type Order struct {
	ID              models.ID
	UserID          models.ID
	Items           []OrderItem
	TotalAmount     models.Money
	ShippingAddress string
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	Timestamps      models.Timestamps
	Version         models.Version
}

// CreateOrder validates the lines and builds a pending order with its total
func CreateOrder(userID models.ID, items []OrderItem, shippingAddress string) (*Order, error) {
	if userID.IsZero() {
		return nil, errors.Wrap(ErrInvalidOrder, "user ID is required")
	}
	if strings.TrimSpace(shippingAddress) == "" {
		return nil, errors.Wrap(ErrInvalidOrder, "shipping address is required")
	}
	if len(items) == 0 {
		return nil, errors.Wrap(ErrInvalidOrder, "at least one item is required")
	}

	total := models.NewMoney(0, items[0].UnitPrice.Currency)
	for i, item := range items {
		if item.ProductID.IsZero() {
			return nil, errors.Wrapf(ErrInvalidOrder, "item %d: product ID is required", i)
		}
		if item.Quantity <= 0 {
			return nil, errors.Wrapf(ErrInvalidOrder, "item %d: quantity must be positive", i)
		}
		if !item.UnitPrice.IsPositive() {
			return nil, errors.Wrapf(ErrInvalidOrder, "item %d: unit price must be positive", i)
		}

		var err error
		total, err = total.Add(item.Subtotal())
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidOrder, "item %d: %v", i, err)
		}
	}

	return &Order{
		ID:              models.GenerateUUID(),
		UserID:          userID,
		Items:           append([]OrderItem(nil), items...),
		TotalAmount:     total,
		ShippingAddress: shippingAddress,
		Status:          OrderStatusPending,
		PaymentStatus:   PaymentStatusPending,
		Timestamps:      models.NewTimestamps(),
		Version:         models.NewVersion(),
	}, nil
}

// TransitionStatus moves the order to status. Re-entering the current status
// is a no-op reported as changed=false.
func (o *Order) TransitionStatus(status OrderStatus) (bool, error) {
	if o.Status == status {
		return false, nil
	}
	if o.Status.IsTerminal() || status == OrderStatusPending {
		return false, errors.Wrapf(ErrInvalidTransition, "status %s -> %s", o.Status, status)
	}

	o.Status = status
	o.touch()
	return true, nil
}

// TransitionPaymentStatus moves the payment status along
// pending -> completed|failed|refunded and completed -> refunded.
func (o *Order) TransitionPaymentStatus(status PaymentStatus) (bool, error) {
	if o.PaymentStatus == status {
		return false, nil
	}
	if !CanTransitionPayment(o.PaymentStatus, status) {
		return false, errors.Wrapf(ErrInvalidTransition, "payment status %s -> %s", o.PaymentStatus, status)
	}

	o.PaymentStatus = status
	o.touch()
	return true, nil
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedPaymentSources lists the statuses that may move to status
func AllowedPaymentSources(to PaymentStatus) []PaymentStatus {
	var sources []PaymentStatus
	for from, targets := range paymentTransitions {
		for _, target := range targets {
			if target == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

func (o *Order) touch() {
	o.Timestamps = o.Timestamps.Touch()
	o.Version = o.Version.Next()
}

// OrderRepository persists orders
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id models.ID) (*Order, error)
	SetStatus(ctx context.Context, id models.ID, status OrderStatus) error
	SetPaymentStatus(ctx context.Context, id models.ID, status PaymentStatus) error
}
