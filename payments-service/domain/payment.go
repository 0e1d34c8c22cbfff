package domain

import (
	"context"

	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var (
	ErrPaymentNotFound          = errors.New("payment not found")
	ErrDuplicatePayment         = errors.New("payment already exists for order")
	ErrConcurrentModification   = errors.New("payment modified concurrently")
	ErrInvalidPaymentTransition = errors.New("invalid payment transition")
	ErrInvalidPayment           = errors.New("invalid payment")
)

// PaymentStatus represents the status of a payment
type PaymentStatus string

const (
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	// PaymentStatusCancelled marks an order refunded before it was ever
	// charged; later charge requests for it are refused.
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Payment aggregate root, one per order
type Payment struct {
	ID                  models.ID
	OrderID             models.ID
	UserID              models.ID
	Amount              models.Money
	Status              PaymentStatus
	TransactionID       string
	RefundTransactionID string
	FailureReason       string
	// RefundRequested is set when a refund arrives while the charge is in flight
	RefundRequested bool
	Timestamps      models.Timestamps
	Version         models.Version

	events []*events.Event
}

// CreatePayment factory method
func CreatePayment(orderID, userID models.ID, amount models.Money) (*Payment, error) {
	if orderID.IsZero() {
		return nil, errors.Wrap(ErrInvalidPayment, "order ID is required")
	}
	if !amount.IsPositive() {
		return nil, errors.Wrap(ErrInvalidPayment, "amount must be positive")
	}

	return &Payment{
		ID:         models.GenerateUUID(),
		OrderID:    orderID,
		UserID:     userID,
		Amount:     amount,
		Status:     PaymentStatusProcessing,
		Timestamps: models.NewTimestamps(),
		Version:    models.NewVersion(),
	}, nil
}

// CancelledPayment records a refund for an order with no charge yet
func CancelledPayment(orderID models.ID, reason string) *Payment {
	return &Payment{
		ID:            models.GenerateUUID(),
		OrderID:       orderID,
		Status:        PaymentStatusCancelled,
		FailureReason: reason,
		Timestamps:    models.NewTimestamps(),
		Version:       models.NewVersion(),
	}
}

// Complete marks payment as completed
func (p *Payment) Complete(transactionID string) error {
	if p.Status != PaymentStatusProcessing {
		return errors.Wrapf(ErrInvalidPaymentTransition, "%s -> %s", p.Status, PaymentStatusCompleted)
	}

	p.Status = PaymentStatusCompleted
	p.TransactionID = transactionID
	p.Timestamps = p.Timestamps.Touch()

	p.recordEvent(events.NewEvent(p.OrderID, events.PaymentCompletedEvent, events.PaymentCompletedData{
		OrderID:       p.OrderID,
		PaymentID:     p.ID,
		Amount:        p.Amount,
		TransactionID: transactionID,
	}))
	return nil
}

// Fail marks payment as failed
func (p *Payment) Fail(reason string) error {
	if p.Status != PaymentStatusProcessing {
		return errors.Wrapf(ErrInvalidPaymentTransition, "%s -> %s", p.Status, PaymentStatusFailed)
	}

	p.Status = PaymentStatusFailed
	p.FailureReason = reason
	p.Timestamps = p.Timestamps.Touch()

	p.recordEvent(events.NewEvent(p.OrderID, events.PaymentFailedEvent, events.PaymentFailedData{
		OrderID: p.OrderID,
		Reason:  reason,
	}))
	return nil
}

// RequestRefund reports whether the charge must be reversed at the gateway
// now. A charge still in flight is flagged and reversed once it completes.
func (p *Payment) RequestRefund() bool {
	switch p.Status {
	case PaymentStatusCompleted:
		return true
	case PaymentStatusProcessing:
		if !p.RefundRequested {
			p.RefundRequested = true
			p.Timestamps = p.Timestamps.Touch()
		}
	}
	return false
}

// Refund marks a completed payment as refunded
func (p *Payment) Refund(refundTransactionID string) error {
	if p.Status != PaymentStatusCompleted {
		return errors.Wrapf(ErrInvalidPaymentTransition, "%s -> %s", p.Status, PaymentStatusRefunded)
	}

	p.Status = PaymentStatusRefunded
	p.RefundTransactionID = refundTransactionID
	p.RefundRequested = false
	p.Timestamps = p.Timestamps.Touch()

	p.recordEvent(events.NewEvent(p.OrderID, events.PaymentRefundedEvent, events.PaymentRefundedData{
		OrderID:   p.OrderID,
		PaymentID: p.ID,
	}))
	return nil
}

// Outcome rebuilds the reply for a payment request already handled
func (p *Payment) Outcome() *events.Event {
	switch p.Status {
	case PaymentStatusCompleted:
		return events.NewEvent(p.OrderID, events.PaymentCompletedEvent, events.PaymentCompletedData{
			OrderID:       p.OrderID,
			PaymentID:     p.ID,
			Amount:        p.Amount,
			TransactionID: p.TransactionID,
		})
	case PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		reason := p.FailureReason
		if reason == "" {
			reason = "payment " + string(p.Status)
		}
		return events.NewEvent(p.OrderID, events.PaymentFailedEvent, events.PaymentFailedData{
			OrderID: p.OrderID,
			Reason:  reason,
		})
	default:
		return nil
	}
}

// Events returns domain events
func (p *Payment) Events() []*events.Event {
	return p.events
}

// ClearEvents clears domain events
func (p *Payment) ClearEvents() {
	p.events = nil
}

func (p *Payment) recordEvent(event *events.Event) {
	p.events = append(p.events, event)
}

// PaymentRepository persists payments. Update succeeds only when the stored
// version equals payment.Version and then increments it.
type PaymentRepository interface {
	Create(ctx context.Context, payment *Payment) error
	Update(ctx context.Context, payment *Payment) error
	FindByID(ctx context.Context, id models.ID) (*Payment, error)
	FindByOrderID(ctx context.Context, orderID models.ID) (*Payment, error)
}
