package application

import (
	"context"

	"github.com/avast/retry-go/v4"
	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ProcessPaymentCommand represents a charge request for an order
type ProcessPaymentCommand struct {
	OrderID models.ID    `json:"order_id"`
	UserID  models.ID    `json:"user_id"`
	Amount  models.Money `json:"amount"`
}

type ProcessPaymentResponse struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// ProcessPayment charges an order once and answers with payment.completed or
// payment.failed. A redelivered request answers with the recorded outcome.
type ProcessPayment struct {
	store *paymentStore
}

func NewProcessPayment(
	paymentRepository domain.PaymentRepository,
	paymentGateway domain.PaymentGateway,
	eventPublisher events.Publisher,
	retryPolicy RetryPolicy,
	logger *zap.Logger,
) *ProcessPayment {
	return &ProcessPayment{
		store: &paymentStore{
			paymentRepository: paymentRepository,
			paymentGateway:    paymentGateway,
			eventPublisher:    eventPublisher,
			retryPolicy:       retryPolicy,
			logger:            logger,
		},
	}
}

func (uc *ProcessPayment) Execute(ctx context.Context, cmd *ProcessPaymentCommand) (*ProcessPaymentResponse, error) {
	if cmd.OrderID.IsZero() {
		return nil, errors.New("order ID is required")
	}

	payment, err := domain.CreatePayment(cmd.OrderID, cmd.UserID, cmd.Amount)
	if err != nil {
		failed := events.NewEvent(cmd.OrderID, events.PaymentFailedEvent, events.PaymentFailedData{
			OrderID: cmd.OrderID,
			Reason:  err.Error(),
		})
		if perr := uc.store.eventPublisher.Publish(ctx, failed); perr != nil {
			return nil, errors.Wrap(perr, "failed to publish payment failed")
		}
		return &ProcessPaymentResponse{OrderID: cmd.OrderID.String(), Status: string(domain.PaymentStatusFailed)}, nil
	}

	if err := uc.store.paymentRepository.Create(ctx, payment); err != nil {
		if errors.Is(err, domain.ErrDuplicatePayment) {
			return uc.replay(ctx, cmd.OrderID)
		}
		return nil, errors.Wrap(err, "failed to save payment")
	}

	transactionID, chargeErr := uc.charge(ctx, payment)

	payment, err = uc.store.modify(ctx, payment.ID, func(p *domain.Payment) error {
		if chargeErr != nil {
			return p.Fail(failureReason(chargeErr))
		}
		return p.Complete(transactionID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record charge")
	}

	logger := uc.store.logger.With(
		zap.String("order_id", payment.OrderID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("status", string(payment.Status)),
	)
	if chargeErr != nil {
		logger.Warn("payment failed", zap.Error(chargeErr))
	} else {
		logger.Info("payment completed")
	}

	if err := uc.store.publish(ctx, payment); err != nil {
		return nil, err
	}

	// a refund arrived while the charge was in flight
	if payment.Status == domain.PaymentStatusCompleted && payment.RefundRequested {
		if payment, err = uc.store.reverse(ctx, payment); err != nil {
			return nil, err
		}
	}

	return &ProcessPaymentResponse{
		OrderID:   payment.OrderID.String(),
		PaymentID: payment.ID.String(),
		Status:    string(payment.Status),
	}, nil
}

func (uc *ProcessPayment) charge(ctx context.Context, payment *domain.Payment) (string, error) {
	var transactionID string

	opts := append(uc.store.retryPolicy.options(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, domain.ErrPaymentDeclined)
		}),
		retry.OnRetry(func(n uint, err error) {
			uc.store.logger.Warn("retrying charge",
				zap.String("order_id", payment.OrderID.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)

	err := retry.Do(
		func() error {
			var err error
			transactionID, err = uc.store.paymentGateway.Charge(ctx, domain.ChargeRequest{
				IdempotencyKey: payment.OrderID.String(),
				UserID:         payment.UserID,
				Amount:         payment.Amount,
			})
			return err
		},
		opts...,
	)
	return transactionID, err
}

// replay answers a redelivered request with the stored outcome
func (uc *ProcessPayment) replay(ctx context.Context, orderID models.ID) (*ProcessPaymentResponse, error) {
	payment, err := uc.store.paymentRepository.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find payment")
	}

	response := &ProcessPaymentResponse{
		OrderID:   orderID.String(),
		PaymentID: payment.ID.String(),
		Status:    string(payment.Status),
	}

	outcome := payment.Outcome()
	if outcome == nil {
		uc.store.logger.Info("charge already in flight", zap.String("order_id", orderID.String()))
		return response, nil
	}

	if err := uc.store.eventPublisher.Publish(ctx, outcome); err != nil {
		return nil, errors.Wrapf(err, "failed to publish %s", outcome.EventType)
	}
	return response, nil
}

func failureReason(err error) string {
	if errors.Is(err, domain.ErrPaymentDeclined) {
		return "card declined"
	}
	return "gateway error: " + err.Error()
}
