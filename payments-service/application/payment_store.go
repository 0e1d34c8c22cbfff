package application

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RetryPolicy bounds retries of gateway calls and conflicting writes
type RetryPolicy struct {
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

func (p RetryPolicy) options(ctx context.Context) []retry.Option {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 3
	}
	delay := p.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	}
}

// paymentStore applies payment changes with optimistic retries and publishes
// the resulting domain events.
type paymentStore struct {
	paymentRepository domain.PaymentRepository
	paymentGateway    domain.PaymentGateway
	eventPublisher    events.Publisher
	retryPolicy       RetryPolicy
	logger            *zap.Logger
}

// modify reloads the payment and applies fn until the write does not conflict
func (s *paymentStore) modify(ctx context.Context, id models.ID, fn func(payment *domain.Payment) error) (*domain.Payment, error) {
	var result *domain.Payment

	err := retry.Do(
		func() error {
			payment, err := s.paymentRepository.FindByID(ctx, id)
			if err != nil {
				return err
			}
			if err := fn(payment); err != nil {
				return err
			}
			if err := s.paymentRepository.Update(ctx, payment); err != nil {
				return err
			}
			result = payment
			return nil
		},
		append(s.retryPolicy.options(ctx),
			retry.Delay(10*time.Millisecond),
			retry.RetryIf(func(err error) bool {
				return errors.Is(err, domain.ErrConcurrentModification)
			}),
		)...,
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// publish sends and clears the payment's pending events
func (s *paymentStore) publish(ctx context.Context, payment *domain.Payment) error {
	pending := payment.Events()
	if len(pending) == 0 {
		return nil
	}
	if err := s.eventPublisher.Publish(ctx, pending...); err != nil {
		return errors.Wrap(err, "failed to publish payment events")
	}
	payment.ClearEvents()
	return nil
}

// reverse refunds a completed charge at the gateway and records it
func (s *paymentStore) reverse(ctx context.Context, payment *domain.Payment) (*domain.Payment, error) {
	var refundTransactionID string
	err := retry.Do(
		func() error {
			var err error
			refundTransactionID, err = s.paymentGateway.Refund(ctx, payment.TransactionID, payment.Amount)
			return err
		},
		s.retryPolicy.options(ctx)...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "gateway refund failed")
	}

	refunded, err := s.modify(ctx, payment.ID, func(p *domain.Payment) error {
		if p.Status == domain.PaymentStatusRefunded {
			return nil
		}
		return p.Refund(refundTransactionID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record refund")
	}

	s.logger.Info("payment refunded",
		zap.String("order_id", refunded.OrderID.String()),
		zap.String("payment_id", refunded.ID.String()),
	)
	return refunded, s.publish(ctx, refunded)
}
