package application

import (
	"context"
	"testing"

	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/inventory-service/infrastructure"
	"github.com/draftea/order-system/inventory-service/mocks"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func eventOfType(eventType string, orderID models.ID) interface{} {
	return mock.MatchedBy(func(evt *events.Event) bool {
		return evt.EventType == eventType && evt.CorrelationID == orderID
	})
}

func stock(t *testing.T, repo domain.InventoryRepository, available int) models.ID {
	t.Helper()
	product, err := domain.NewProduct(models.GenerateUUID(), "widget", available)
	require.NoError(t, err)
	require.NoError(t, repo.SaveProduct(context.Background(), product))
	return product.ID
}

func available(t *testing.T, repo domain.InventoryRepository, productID models.ID) int {
	t.Helper()
	product, err := repo.FindProduct(context.Background(), productID)
	require.NoError(t, err)
	return product.Available
}

func TestReserveInventory_Execute(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name              string
		quantity          int
		stock             int
		expectedReply     string
		expectedStatus    domain.ReservationStatus
		expectedAvailable int
	}{
		{
			name:              "enough stock",
			quantity:          3,
			stock:             5,
			expectedReply:     events.InventoryReservedEvent,
			expectedStatus:    domain.ReservationStatusReserved,
			expectedAvailable: 2,
		},
		{
			name:              "exact stock",
			quantity:          5,
			stock:             5,
			expectedReply:     events.InventoryReservedEvent,
			expectedStatus:    domain.ReservationStatusReserved,
			expectedAvailable: 0,
		},
		{
			name:              "shortage",
			quantity:          6,
			stock:             5,
			expectedReply:     events.InventoryReleasedEvent,
			expectedStatus:    domain.ReservationStatusRejected,
			expectedAvailable: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := infrastructure.NewMemoryInventoryRepository()
			publisher := mocks.NewMockPublisher(t)
			productID := stock(t, repo, tt.stock)
			orderID := models.GenerateUUID()

			publisher.EXPECT().Publish(mock.Anything, eventOfType(tt.expectedReply, orderID)).Return(nil).Once()

			uc := NewReserveInventory(repo, publisher, zaptest.NewLogger(t))
			response, err := uc.Execute(ctx, &ReserveInventoryCommand{
				OrderID: orderID,
				Items:   []domain.ReservationItem{{ProductID: productID, Quantity: tt.quantity}},
			})

			require.NoError(t, err)
			assert.Equal(t, string(tt.expectedStatus), response.Status)
			assert.Equal(t, tt.expectedAvailable, available(t, repo, productID))
		})
	}
}

func TestReserveInventory_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := infrastructure.NewMemoryInventoryRepository()
	publisher := mocks.NewMockPublisher(t)
	plenty, scarce := stock(t, repo, 10), stock(t, repo, 1)
	orderID := models.GenerateUUID()

	publisher.EXPECT().Publish(mock.Anything, eventOfType(events.InventoryReleasedEvent, orderID)).Return(nil).Once()

	response, err := NewReserveInventory(repo, publisher, zaptest.NewLogger(t)).Execute(ctx, &ReserveInventoryCommand{
		OrderID: orderID,
		Items: []domain.ReservationItem{
			{ProductID: plenty, Quantity: 4},
			{ProductID: scarce, Quantity: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusRejected), response.Status)
	assert.Equal(t, 10, available(t, repo, plenty))
	assert.Equal(t, 1, available(t, repo, scarce))
}

func TestReserveInventory_RedeliveryRepliesWithRecordedOutcome(t *testing.T) {
	ctx := context.Background()
	repo := infrastructure.NewMemoryInventoryRepository()
	publisher := mocks.NewMockPublisher(t)
	productID := stock(t, repo, 5)
	orderID := models.GenerateUUID()

	publisher.EXPECT().Publish(mock.Anything, eventOfType(events.InventoryReservedEvent, orderID)).Return(nil).Twice()

	uc := NewReserveInventory(repo, publisher, zaptest.NewLogger(t))
	cmd := &ReserveInventoryCommand{
		OrderID: orderID,
		Items:   []domain.ReservationItem{{ProductID: productID, Quantity: 2}},
	}
	_, err := uc.Execute(ctx, cmd)
	require.NoError(t, err)
	_, err = uc.Execute(ctx, cmd)
	require.NoError(t, err)

	assert.Equal(t, 3, available(t, repo, productID), "stock held once")
}

func TestReserveInventory_InvalidRequestIsRefused(t *testing.T) {
	ctx := context.Background()
	repo := infrastructure.NewMemoryInventoryRepository()
	publisher := mocks.NewMockPublisher(t)
	orderID := models.GenerateUUID()

	publisher.EXPECT().Publish(mock.Anything, mock.MatchedBy(func(evt *events.Event) bool {
		var data events.InventoryReleasedData
		return evt.EventType == events.InventoryReleasedEvent &&
			evt.UnmarshalPayload(&data) == nil &&
			data.Reason != ""
	})).Return(nil).Once()

	response, err := NewReserveInventory(repo, publisher, zaptest.NewLogger(t)).Execute(ctx, &ReserveInventoryCommand{
		OrderID: orderID,
	})
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReservationStatusRejected), response.Status)

	_, err = repo.FindReservation(ctx, orderID)
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestReserveInventory_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing order", func(t *testing.T) {
		uc := NewReserveInventory(infrastructure.NewMemoryInventoryRepository(), mocks.NewMockPublisher(t), zaptest.NewLogger(t))
		_, err := uc.Execute(ctx, &ReserveInventoryCommand{})
		assert.EqualError(t, err, "order ID is required")
	})

	t.Run("publish failure", func(t *testing.T) {
		repo := infrastructure.NewMemoryInventoryRepository()
		publisher := mocks.NewMockPublisher(t)
		productID := stock(t, repo, 1)
		publisher.EXPECT().Publish(mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

		uc := NewReserveInventory(repo, publisher, zaptest.NewLogger(t))
		_, err := uc.Execute(ctx, &ReserveInventoryCommand{
			OrderID: models.GenerateUUID(),
			Items:   []domain.ReservationItem{{ProductID: productID, Quantity: 1}},
		})
		assert.EqualError(t, err, "failed to publish inventory.reserved: broker down")
	})
}

func TestReleaseInventory_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("returns held stock once", func(t *testing.T) {
		repo := infrastructure.NewMemoryInventoryRepository()
		publisher := mocks.NewMockPublisher(t)
		productID := stock(t, repo, 5)
		orderID := models.GenerateUUID()
		logger := zaptest.NewLogger(t)

		publisher.EXPECT().Publish(mock.Anything, eventOfType(events.InventoryReservedEvent, orderID)).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, eventOfType(events.InventoryReleasedEvent, orderID)).Return(nil).Once()

		_, err := NewReserveInventory(repo, publisher, logger).Execute(ctx, &ReserveInventoryCommand{
			OrderID: orderID,
			Items:   []domain.ReservationItem{{ProductID: productID, Quantity: 4}},
		})
		require.NoError(t, err)
		require.Equal(t, 1, available(t, repo, productID))

		release := NewReleaseInventory(repo, publisher, logger)
		response, err := release.Execute(ctx, &ReleaseInventoryCommand{OrderID: orderID, Reason: "payment failed"})
		require.NoError(t, err)
		assert.True(t, response.Released)
		assert.Equal(t, string(domain.ReservationStatusReleased), response.Status)
		assert.Equal(t, 5, available(t, repo, productID))

		response, err = release.Execute(ctx, &ReleaseInventoryCommand{OrderID: orderID, Reason: "payment failed"})
		require.NoError(t, err)
		assert.False(t, response.Released)
		assert.Equal(t, 5, available(t, repo, productID))
	})

	t.Run("release before reserve refuses the late request", func(t *testing.T) {
		repo := infrastructure.NewMemoryInventoryRepository()
		publisher := mocks.NewMockPublisher(t)
		productID := stock(t, repo, 5)
		orderID := models.GenerateUUID()
		logger := zaptest.NewLogger(t)

		response, err := NewReleaseInventory(repo, publisher, logger).Execute(ctx, &ReleaseInventoryCommand{OrderID: orderID, Reason: "timeout"})
		require.NoError(t, err)
		assert.False(t, response.Released)

		publisher.EXPECT().Publish(mock.Anything, eventOfType(events.InventoryReleasedEvent, orderID)).Return(nil).Once()
		reserved, err := NewReserveInventory(repo, publisher, logger).Execute(ctx, &ReserveInventoryCommand{
			OrderID: orderID,
			Items:   []domain.ReservationItem{{ProductID: productID, Quantity: 1}},
		})
		require.NoError(t, err)
		assert.Equal(t, string(domain.ReservationStatusReleased), reserved.Status)
		assert.Equal(t, 5, available(t, repo, productID))
	})

	t.Run("lost notification still succeeds", func(t *testing.T) {
		repo := infrastructure.NewMemoryInventoryRepository()
		publisher := mocks.NewMockPublisher(t)
		productID := stock(t, repo, 2)
		orderID := models.GenerateUUID()
		logger := zaptest.NewLogger(t)

		publisher.EXPECT().Publish(mock.Anything, eventOfType(events.InventoryReservedEvent, orderID)).Return(nil).Once()
		publisher.EXPECT().Publish(mock.Anything, eventOfType(events.InventoryReleasedEvent, orderID)).Return(errors.New("broker down")).Once()

		_, err := NewReserveInventory(repo, publisher, logger).Execute(ctx, &ReserveInventoryCommand{
			OrderID: orderID,
			Items:   []domain.ReservationItem{{ProductID: productID, Quantity: 2}},
		})
		require.NoError(t, err)

		response, err := NewReleaseInventory(repo, publisher, logger).Execute(ctx, &ReleaseInventoryCommand{OrderID: orderID})
		require.NoError(t, err)
		assert.True(t, response.Released)
		assert.Equal(t, 2, available(t, repo, productID))
	})

	t.Run("missing order", func(t *testing.T) {
		uc := NewReleaseInventory(infrastructure.NewMemoryInventoryRepository(), mocks.NewMockPublisher(t), zaptest.NewLogger(t))
		_, err := uc.Execute(ctx, &ReleaseInventoryCommand{})
		assert.EqualError(t, err, "order ID is required")
	})
}

func TestUpsertProduct_Execute(t *testing.T) {
	ctx := context.Background()
	repo := infrastructure.NewMemoryInventoryRepository()
	upsert := NewUpsertProduct(repo)
	get := NewGetProduct(repo)

	created, err := upsert.Execute(ctx, &UpsertProductCommand{Name: "gizmo", Available: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ProductID)
	assert.Equal(t, 7, created.Available)

	updated, err := upsert.Execute(ctx, &UpsertProductCommand{ProductID: created.ProductID, Available: 3})
	require.NoError(t, err)
	assert.Equal(t, "gizmo", updated.Name)
	assert.Equal(t, 3, updated.Available)

	found, err := get.Execute(ctx, &GetProductQuery{ProductID: created.ProductID})
	require.NoError(t, err)
	assert.Equal(t, 3, found.Available)

	_, err = upsert.Execute(ctx, &UpsertProductCommand{Name: "bad", Available: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)

	_, err = upsert.Execute(ctx, &UpsertProductCommand{ProductID: "sku", Name: "bad"})
	assert.ErrorIs(t, err, domain.ErrInvalidProduct)

	_, err = get.Execute(ctx, &GetProductQuery{ProductID: models.GenerateUUID().String()})
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}
