package domain

import (
	"testing"

	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T) *Payment {
	t.Helper()
	payment, err := CreatePayment(models.GenerateUUID(), models.GenerateUUID(), models.NewMoney(2500, "USD"))
	require.NoError(t, err)
	return payment
}

func TestCreatePayment(t *testing.T) {
	orderID := models.GenerateUUID()

	payment, err := CreatePayment(orderID, models.GenerateUUID(), models.NewMoney(2500, "USD"))
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusProcessing, payment.Status)
	assert.Equal(t, orderID, payment.OrderID)
	assert.Equal(t, 1, payment.Version.Value)
	assert.Empty(t, payment.Events())

	_, err = CreatePayment("", models.GenerateUUID(), models.NewMoney(2500, "USD"))
	assert.ErrorIs(t, err, ErrInvalidPayment)

	_, err = CreatePayment(orderID, models.GenerateUUID(), models.NewMoney(-1, "USD"))
	assert.ErrorIs(t, err, ErrInvalidPayment)
}

func TestPayment_Transitions(t *testing.T) {
	t.Run("complete records the reply", func(t *testing.T) {
		payment := newTestPayment(t)

		require.NoError(t, payment.Complete("txn_1"))
		assert.Equal(t, PaymentStatusCompleted, payment.Status)
		require.Len(t, payment.Events(), 1)

		evt := payment.Events()[0]
		assert.Equal(t, events.PaymentCompletedEvent, evt.EventType)
		assert.Equal(t, payment.OrderID, evt.CorrelationID)
		assert.NoError(t, evt.Validate())

		payment.ClearEvents()
		assert.Empty(t, payment.Events())
	})

	t.Run("fail records the reason", func(t *testing.T) {
		payment := newTestPayment(t)

		require.NoError(t, payment.Fail("card declined"))
		assert.Equal(t, PaymentStatusFailed, payment.Status)

		var data events.PaymentFailedData
		require.NoError(t, payment.Events()[0].UnmarshalPayload(&data))
		assert.Equal(t, "card declined", data.Reason)
	})

	t.Run("terminal payments refuse charges", func(t *testing.T) {
		payment := newTestPayment(t)
		require.NoError(t, payment.Fail("card declined"))

		assert.ErrorIs(t, payment.Complete("txn_1"), ErrInvalidPaymentTransition)
		assert.ErrorIs(t, payment.Fail("again"), ErrInvalidPaymentTransition)
		assert.ErrorIs(t, payment.Refund("rfd_1"), ErrInvalidPaymentTransition)
	})

	t.Run("refund only after completion", func(t *testing.T) {
		payment := newTestPayment(t)
		assert.ErrorIs(t, payment.Refund("rfd_1"), ErrInvalidPaymentTransition)

		require.NoError(t, payment.Complete("txn_1"))
		require.NoError(t, payment.Refund("rfd_1"))
		assert.Equal(t, PaymentStatusRefunded, payment.Status)
		assert.Equal(t, "rfd_1", payment.RefundTransactionID)
		assert.Equal(t, events.PaymentRefundedEvent, payment.Events()[1].EventType)
	})
}

func TestPayment_RequestRefund(t *testing.T) {
	tests := []struct {
		name            string
		prepare         func(*Payment)
		expectedReverse bool
		expectedFlag    bool
	}{
		{
			name:         "processing is flagged",
			prepare:      func(*Payment) {},
			expectedFlag: true,
		},
		{
			name:            "completed is reversed now",
			prepare:         func(p *Payment) { _ = p.Complete("txn_1") },
			expectedReverse: true,
		},
		{
			name:    "failed has nothing to reverse",
			prepare: func(p *Payment) { _ = p.Fail("card declined") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payment := newTestPayment(t)
			tt.prepare(payment)

			assert.Equal(t, tt.expectedReverse, payment.RequestRefund())
			assert.Equal(t, tt.expectedFlag, payment.RefundRequested)
		})
	}
}

func TestPayment_Outcome(t *testing.T) {
	processing := newTestPayment(t)
	assert.Nil(t, processing.Outcome())

	completed := newTestPayment(t)
	require.NoError(t, completed.Complete("txn_1"))
	assert.Equal(t, events.PaymentCompletedEvent, completed.Outcome().EventType)

	cancelled := CancelledPayment(models.GenerateUUID(), "refunded before charge")
	outcome := cancelled.Outcome()
	require.NotNil(t, outcome)
	assert.Equal(t, events.PaymentFailedEvent, outcome.EventType)
	assert.Equal(t, cancelled.OrderID, outcome.CorrelationID)

	var data events.PaymentFailedData
	require.NoError(t, outcome.UnmarshalPayload(&data))
	assert.Equal(t, "refunded before charge", data.Reason)
}
