package infrastructure

import (
	"context"
	"testing"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryOrderRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOrderRepository()

	order, err := domain.CreateOrder(models.GenerateUUID(), []domain.OrderItem{
		{ProductID: models.GenerateUUID(), Quantity: 2, UnitPrice: models.NewMoney(300, "USD")},
	}, "somewhere")
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, order))
	assert.Error(t, repo.Create(ctx, order), "duplicate id")

	order.Items[0].Quantity = 50
	found, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, found.Items[0].Quantity, "stored copy is isolated")

	require.NoError(t, repo.SetPaymentStatus(ctx, order.ID, domain.PaymentStatusCompleted))
	require.NoError(t, repo.SetStatus(ctx, order.ID, domain.OrderStatusConfirmed))
	require.NoError(t, repo.SetStatus(ctx, order.ID, domain.OrderStatusConfirmed), "same status is idempotent")
	assert.ErrorIs(t, repo.SetStatus(ctx, order.ID, domain.OrderStatusCancelled), domain.ErrInvalidTransition)
	assert.ErrorIs(t, repo.SetPaymentStatus(ctx, order.ID, domain.PaymentStatusFailed), domain.ErrInvalidTransition)

	found, err = repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, found.Status)
	assert.Equal(t, domain.PaymentStatusCompleted, found.PaymentStatus)
	assert.Equal(t, 3, found.Version.Value)

	missing := models.GenerateUUID()
	_, err = repo.FindByID(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.ErrorIs(t, repo.SetStatus(ctx, missing, domain.OrderStatusCancelled), domain.ErrOrderNotFound)
}
