package application

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/payments-service/infrastructure"
	"github.com/draftea/order-system/payments-service/mocks"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Millisecond}

func eventOfType(eventType string) interface{} {
	return mock.MatchedBy(func(evt *events.Event) bool {
		return evt.EventType == eventType
	})
}

func seedPayment(t *testing.T, repo domain.PaymentRepository, orderID models.ID, status domain.PaymentStatus) *domain.Payment {
	t.Helper()

	payment, err := domain.CreatePayment(orderID, models.GenerateUUID(), models.NewMoney(5000, "USD"))
	require.NoError(t, err)

	switch status {
	case domain.PaymentStatusCompleted:
		require.NoError(t, payment.Complete("txn_seed"))
	case domain.PaymentStatusFailed:
		require.NoError(t, payment.Fail("card declined"))
	case domain.PaymentStatusRefunded:
		require.NoError(t, payment.Complete("txn_seed"))
		require.NoError(t, payment.Refund("rfd_seed"))
	case domain.PaymentStatusCancelled:
		payment = domain.CancelledPayment(orderID, "refunded before charge")
	}
	payment.ClearEvents()

	require.NoError(t, repo.Create(context.Background(), payment))
	return payment
}

func TestProcessPayment_Execute(t *testing.T) {
	userID := models.ID("550e8400-e29b-41d4-a716-446655440010")
	amount := models.NewMoney(5000, "USD")

	tests := []struct {
		name               string
		amount             models.Money
		seedStatus         domain.PaymentStatus
		setupMocks         func(models.ID, *infrastructure.MemoryPaymentRepository, *mocks.MockPaymentGateway, *mocks.MockPublisher)
		expectedStatus     string
		expectedReason     string
		expectedError      string
		expectedTransation string
	}{
		{
			name:   "successful charge publishes completion",
			amount: amount,
			setupMocks: func(orderID models.ID, _ *infrastructure.MemoryPaymentRepository, gateway *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				gateway.EXPECT().Charge(mock.Anything, domain.ChargeRequest{
					IdempotencyKey: orderID.String(),
					UserID:         userID,
					Amount:         amount,
				}).Return("txn_1", nil).Once()
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentCompletedEvent)).Return(nil).Once()
			},
			expectedStatus:     "completed",
			expectedTransation: "txn_1",
		},
		{
			name:   "declined charge is not retried",
			amount: amount,
			setupMocks: func(_ models.ID, _ *infrastructure.MemoryPaymentRepository, gateway *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				gateway.EXPECT().Charge(mock.Anything, mock.Anything).
					Return("", errors.Wrap(domain.ErrPaymentDeclined, "card declined")).Once()
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentFailedEvent)).Return(nil).Once()
			},
			expectedStatus: "failed",
			expectedReason: "card declined",
		},
		{
			name:   "transient gateway errors are retried",
			amount: amount,
			setupMocks: func(_ models.ID, _ *infrastructure.MemoryPaymentRepository, gateway *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				gateway.EXPECT().Charge(mock.Anything, mock.Anything).Return("", errors.New("connection reset")).Twice()
				gateway.EXPECT().Charge(mock.Anything, mock.Anything).Return("txn_2", nil).Once()
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentCompletedEvent)).Return(nil).Once()
			},
			expectedStatus:     "completed",
			expectedTransation: "txn_2",
		},
		{
			name:   "gateway unavailable fails the payment",
			amount: amount,
			setupMocks: func(_ models.ID, _ *infrastructure.MemoryPaymentRepository, gateway *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				gateway.EXPECT().Charge(mock.Anything, mock.Anything).Return("", errors.New("connection reset")).Times(3)
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentFailedEvent)).Return(nil).Once()
			},
			expectedStatus: "failed",
			expectedReason: "gateway error: connection reset",
		},
		{
			name:       "redelivered request replays the completion",
			amount:     amount,
			seedStatus: domain.PaymentStatusCompleted,
			setupMocks: func(_ models.ID, _ *infrastructure.MemoryPaymentRepository, _ *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentCompletedEvent)).Return(nil).Once()
			},
			expectedStatus:     "completed",
			expectedTransation: "txn_seed",
		},
		{
			name:       "redelivered request while charging is ignored",
			amount:     amount,
			seedStatus: domain.PaymentStatusProcessing,
			setupMocks: func(models.ID, *infrastructure.MemoryPaymentRepository, *mocks.MockPaymentGateway, *mocks.MockPublisher) {
			},
			expectedStatus: "processing",
		},
		{
			name:       "order refunded before charge is refused",
			amount:     amount,
			seedStatus: domain.PaymentStatusCancelled,
			setupMocks: func(_ models.ID, _ *infrastructure.MemoryPaymentRepository, _ *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentFailedEvent)).Return(nil).Once()
			},
			expectedStatus: "cancelled",
			expectedReason: "refunded before charge",
		},
		{
			name:   "non positive amount answers failed",
			amount: models.NewMoney(0, "USD"),
			setupMocks: func(_ models.ID, _ *infrastructure.MemoryPaymentRepository, _ *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentFailedEvent)).Return(nil).Once()
			},
			expectedStatus: "failed",
		},
		{
			name:   "refund requested during charge is reversed",
			amount: amount,
			setupMocks: func(orderID models.ID, repo *infrastructure.MemoryPaymentRepository, gateway *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				gateway.EXPECT().Charge(mock.Anything, mock.Anything).
					RunAndReturn(func(ctx context.Context, _ domain.ChargeRequest) (string, error) {
						payment, err := repo.FindByOrderID(ctx, orderID)
						if err != nil {
							return "", err
						}
						payment.RequestRefund()
						return "txn_3", repo.Update(ctx, payment)
					}).Once()
				gateway.EXPECT().Refund(mock.Anything, "txn_3", amount).Return("rfd_3", nil).Once()
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentCompletedEvent)).Return(nil).Once()
				publisher.EXPECT().Publish(mock.Anything, eventOfType(events.PaymentRefundedEvent)).Return(nil).Once()
			},
			expectedStatus:     "refunded",
			expectedTransation: "txn_3",
		},
		{
			name:   "publish failure is returned",
			amount: amount,
			setupMocks: func(_ models.ID, _ *infrastructure.MemoryPaymentRepository, gateway *mocks.MockPaymentGateway, publisher *mocks.MockPublisher) {
				gateway.EXPECT().Charge(mock.Anything, mock.Anything).Return("txn_4", nil).Once()
				publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
			},
			expectedError: "failed to publish payment events",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			orderID := models.GenerateUUID()

			repo := infrastructure.NewMemoryPaymentRepository()
			gateway := mocks.NewMockPaymentGateway(t)
			publisher := mocks.NewMockPublisher(t)

			if tt.seedStatus != "" {
				seedPayment(t, repo, orderID, tt.seedStatus)
			}
			tt.setupMocks(orderID, repo, gateway, publisher)

			useCase := NewProcessPayment(repo, gateway, publisher, testRetryPolicy, zaptest.NewLogger(t))

			result, err := useCase.Execute(ctx, &ProcessPaymentCommand{
				OrderID: orderID,
				UserID:  userID,
				Amount:  tt.amount,
			})

			if tt.expectedError != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
				assert.Nil(t, result)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, orderID.String(), result.OrderID)
			assert.Equal(t, tt.expectedStatus, result.Status)

			stored, err := repo.FindByOrderID(ctx, orderID)
			if !tt.amount.IsPositive() {
				assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, string(stored.Status))
			assert.Equal(t, tt.expectedTransation, stored.TransactionID)
			if tt.expectedReason != "" {
				assert.Contains(t, stored.FailureReason, tt.expectedReason)
			}
		})
	}
}

func TestProcessPayment_RequiresOrderID(t *testing.T) {
	useCase := NewProcessPayment(
		infrastructure.NewMemoryPaymentRepository(),
		mocks.NewMockPaymentGateway(t),
		mocks.NewMockPublisher(t),
		testRetryPolicy,
		zaptest.NewLogger(t),
	)

	result, err := useCase.Execute(context.Background(), &ProcessPaymentCommand{Amount: models.NewMoney(100, "USD")})

	assert.EqualError(t, err, "order ID is required")
	assert.Nil(t, result)
}
