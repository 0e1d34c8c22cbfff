package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedGateway_Charge(t *testing.T) {
	ctx := context.Background()
	gateway := NewSimulatedGateway(SimulatedGatewayConfig{DeclineAbove: 10000})

	req := domain.ChargeRequest{
		IdempotencyKey: models.GenerateUUID().String(),
		UserID:         models.GenerateUUID(),
		Amount:         models.NewMoney(5000, "USD"),
	}

	first, err := gateway.Charge(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := gateway.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same idempotency key charges once")

	req.IdempotencyKey = models.GenerateUUID().String()
	req.Amount = models.NewMoney(10001, "USD")
	_, err = gateway.Charge(ctx, req)
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
}

func TestSimulatedGateway_RespectsContext(t *testing.T) {
	gateway := NewSimulatedGateway(SimulatedGatewayConfig{Latency: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := gateway.Refund(ctx, "txn_1", models.NewMoney(100, "USD"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
