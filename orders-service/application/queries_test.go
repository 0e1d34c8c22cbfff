package application

import (
	"context"
	"testing"
	"time"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/orders-service/infrastructure"
	"github.com/draftea/order-system/orders-service/mocks"
	"github.com/draftea/order-system/shared/events"
	sharedinfra "github.com/draftea/order-system/shared/infrastructure"
	"github.com/draftea/order-system/shared/models"
	"github.com/draftea/order-system/shared/saga"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubTracker struct {
	snapshots map[models.ID]saga.Snapshot
}

func (s *stubTracker) Status(orderID models.ID) (saga.Snapshot, bool) {
	snapshot, ok := s.snapshots[orderID]
	return snapshot, ok
}

func (s *stubTracker) Snapshots() []saga.Snapshot {
	var snapshots []saga.Snapshot
	for _, snapshot := range s.snapshots {
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

func storedOrder(t *testing.T, repo domain.OrderRepository) *domain.Order {
	t.Helper()
	order, err := domain.CreateOrder(models.GenerateUUID(), []domain.OrderItem{
		{ProductID: models.GenerateUUID(), Quantity: 3, UnitPrice: models.NewMoney(250, "EUR")},
	}, "221B Baker Street")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), order))
	return order
}

func TestGetOrder_Execute(t *testing.T) {
	ctx := context.Background()
	repo := infrastructure.NewMemoryOrderRepository()
	order := storedOrder(t, repo)
	uc := NewGetOrder(repo)

	t.Run("found", func(t *testing.T) {
		response, err := uc.Execute(ctx, &GetOrderQuery{OrderID: order.ID.String()})
		require.NoError(t, err)

		assert.Equal(t, order.UserID.String(), response.UserID)
		assert.Equal(t, int64(750), response.TotalAmount)
		assert.Equal(t, "EUR", response.Currency)
		assert.Equal(t, "pending", response.Status)
		assert.Equal(t, "pending", response.PaymentStatus)
		require.Len(t, response.Items, 1)
		assert.Equal(t, 3, response.Items[0].Quantity)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := uc.Execute(ctx, &GetOrderQuery{OrderID: models.GenerateUUID().String()})
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := uc.Execute(ctx, &GetOrderQuery{})
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := uc.Execute(ctx, &GetOrderQuery{OrderID: "42"})
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})
}

func TestGetSagaStatus_Execute(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("tracked saga", func(t *testing.T) {
		repo := infrastructure.NewMemoryOrderRepository()
		order := storedOrder(t, repo)
		tracker := &stubTracker{snapshots: map[models.ID]saga.Snapshot{
			order.ID: {
				OrderID:        order.ID,
				State:          saga.StateInventoryReserved,
				CompletedSteps: []saga.Step{saga.StepOrderCreated, saga.StepInventoryReserved},
				PendingStep:    saga.StepPaymentCompleted,
				StartedAt:      started,
				UpdatedAt:      started.Add(time.Second),
			},
		}}

		response, err := NewGetSagaStatus(tracker, repo).Execute(ctx, &GetSagaStatusQuery{OrderID: order.ID.String()})
		require.NoError(t, err)

		assert.True(t, response.Tracked)
		assert.Equal(t, string(saga.StateInventoryReserved), response.State)
		assert.Equal(t, []string{string(saga.StepOrderCreated), string(saga.StepInventoryReserved)}, response.CompletedSteps)
		assert.Equal(t, string(saga.StepPaymentCompleted), response.PendingStep)
		assert.Equal(t, "2024-03-01T12:00:00Z", response.StartedAt)
		assert.Equal(t, "pending", response.OrderStatus)
	})

	t.Run("evicted saga falls back to the order", func(t *testing.T) {
		repo := infrastructure.NewMemoryOrderRepository()
		order := storedOrder(t, repo)
		require.NoError(t, repo.SetPaymentStatus(ctx, order.ID, domain.PaymentStatusCompleted))
		require.NoError(t, repo.SetStatus(ctx, order.ID, domain.OrderStatusConfirmed))

		response, err := NewGetSagaStatus(&stubTracker{}, repo).Execute(ctx, &GetSagaStatusQuery{OrderID: order.ID.String()})
		require.NoError(t, err)

		assert.False(t, response.Tracked)
		assert.Equal(t, StateCompletedOrNotFound, response.State)
		assert.Equal(t, "confirmed", response.OrderStatus)
		assert.Equal(t, "completed", response.PaymentStatus)
	})

	t.Run("unknown order", func(t *testing.T) {
		repo := infrastructure.NewMemoryOrderRepository()
		response, err := NewGetSagaStatus(&stubTracker{}, repo).Execute(ctx, &GetSagaStatusQuery{OrderID: models.GenerateUUID().String()})
		require.NoError(t, err)
		assert.Equal(t, StateCompletedOrNotFound, response.State)
		assert.Empty(t, response.OrderStatus)
	})

	t.Run("repository failure", func(t *testing.T) {
		repo := mocks.NewMockOrderRepository(t)
		repo.EXPECT().FindByID(mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Once()

		_, err := NewGetSagaStatus(&stubTracker{}, repo).Execute(ctx, &GetSagaStatusQuery{OrderID: models.GenerateUUID().String()})
		assert.EqualError(t, err, "failed to find order: timeout")
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := NewGetSagaStatus(&stubTracker{}, infrastructure.NewMemoryOrderRepository()).Execute(ctx, &GetSagaStatusQuery{OrderID: "x"})
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})
}

func TestListSagas_Execute(t *testing.T) {
	orderID := models.GenerateUUID()
	tracker := &stubTracker{snapshots: map[models.ID]saga.Snapshot{
		orderID: {OrderID: orderID, State: saga.StateStarted},
	}}

	responses := NewListSagas(tracker).Execute(context.Background())
	require.Len(t, responses, 1)
	assert.Equal(t, orderID.String(), responses[0].OrderID)
	assert.True(t, responses[0].Tracked)
	assert.Equal(t, string(saga.StateStarted), responses[0].State)
}

func TestGetSagaEvents_Execute(t *testing.T) {
	ctx := context.Background()
	journal := sharedinfra.NewMemoryEventJournal()
	orderID := models.GenerateUUID()

	created := events.NewEvent(orderID, events.OrderCreatedEvent, events.OrderCreatedData{OrderID: orderID})
	reserved := events.NewEvent(orderID, events.InventoryReservedEvent, events.InventoryReservedData{OrderID: orderID})
	require.NoError(t, journal.Append(ctx, sharedinfra.DirectionOutbound, created))
	require.NoError(t, journal.Append(ctx, sharedinfra.DirectionInbound, reserved))

	responses, err := NewGetSagaEvents(journal).Execute(ctx, &GetSagaEventsQuery{OrderID: orderID.String()})
	require.NoError(t, err)
	require.Len(t, responses, 2)

	assert.Equal(t, sharedinfra.DirectionOutbound, responses[0].Direction)
	assert.Equal(t, events.OrderCreatedEvent, responses[0].EventType)
	assert.Equal(t, sharedinfra.DirectionInbound, responses[1].Direction)
	assert.Equal(t, reserved.ID.String(), responses[1].EventID)
	assert.JSONEq(t, `{"order_id":"`+orderID.String()+`"}`, string(responses[1].Data))
	assert.Less(t, responses[0].Sequence, responses[1].Sequence)

	_, err = NewGetSagaEvents(journal).Execute(ctx, &GetSagaEventsQuery{OrderID: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}
