package application

import (
	"context"

	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RefundPaymentCommand represents the command to refund the payment of an order
type RefundPaymentCommand struct {
	OrderID   models.ID    `json:"order_id"`
	PaymentID models.ID    `json:"payment_id"`
	Amount    models.Money `json:"amount"`
	Reason    string       `json:"reason"`
}

// RefundPaymentResponse represents the response after handling a refund
type RefundPaymentResponse struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// RefundPayment reverses the charge of an order. Refunds are idempotent; a
// refund before any charge leaves a cancelled payment that refuses the charge.
type RefundPayment struct {
	store *paymentStore
}

// NewRefundPayment creates a new RefundPayment use case
func NewRefundPayment(
	paymentRepository domain.PaymentRepository,
	paymentGateway domain.PaymentGateway,
	eventPublisher events.Publisher,
	retryPolicy RetryPolicy,
	logger *zap.Logger,
) *RefundPayment {
	return &RefundPayment{
		store: &paymentStore{
			paymentRepository: paymentRepository,
			paymentGateway:    paymentGateway,
			eventPublisher:    eventPublisher,
			retryPolicy:       retryPolicy,
			logger:            logger,
		},
	}
}

// Execute refunds the payment of the order
func (uc *RefundPayment) Execute(ctx context.Context, cmd *RefundPaymentCommand) (*RefundPaymentResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	payment, err := uc.store.paymentRepository.FindByOrderID(ctx, cmd.OrderID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		payment, err = uc.cancelUncharged(ctx, cmd)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find payment")
	}

	logger := uc.store.logger.With(
		zap.String("order_id", cmd.OrderID.String()),
		zap.String("payment_id", payment.ID.String()),
	)

	if !cmd.PaymentID.IsZero() && cmd.PaymentID != payment.ID {
		logger.Warn("refund names another payment of the order", zap.String("requested_payment_id", cmd.PaymentID.String()))
	}

	switch payment.Status {
	case domain.PaymentStatusProcessing:
		var reverseNow bool
		payment, err = uc.store.modify(ctx, payment.ID, func(p *domain.Payment) error {
			reverseNow = p.RequestRefund()
			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to flag refund")
		}
		if !reverseNow {
			logger.Info("refund deferred until charge completes")
			break
		}
		if payment, err = uc.store.reverse(ctx, payment); err != nil {
			return nil, err
		}

	case domain.PaymentStatusCompleted:
		if payment, err = uc.store.reverse(ctx, payment); err != nil {
			return nil, err
		}

	default:
		logger.Info("nothing to refund", zap.String("status", string(payment.Status)))
	}

	return &RefundPaymentResponse{
		OrderID:   payment.OrderID.String(),
		PaymentID: payment.ID.String(),
		Status:    string(payment.Status),
	}, nil
}

// cancelUncharged stores a cancelled payment for an order never charged. A
// charge created concurrently wins and is returned instead.
func (uc *RefundPayment) cancelUncharged(ctx context.Context, cmd *RefundPaymentCommand) (*domain.Payment, error) {
	tombstone := domain.CancelledPayment(cmd.OrderID, "refunded before charge: "+cmd.Reason)
	err := uc.store.paymentRepository.Create(ctx, tombstone)
	if errors.Is(err, domain.ErrDuplicatePayment) {
		return uc.store.paymentRepository.FindByOrderID(ctx, cmd.OrderID)
	}
	if err != nil {
		return nil, err
	}

	uc.store.logger.Info("refund recorded before charge", zap.String("order_id", cmd.OrderID.String()))
	return tombstone, nil
}

// validateCommand validates the refund payment command
func (uc *RefundPayment) validateCommand(cmd *RefundPaymentCommand) error {
	if cmd.OrderID.IsZero() {
		return errors.New("order ID is required")
	}

	if cmd.Reason == "" {
		return errors.New("reason is required")
	}

	return nil
}
