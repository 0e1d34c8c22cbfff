package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/draftea/order-system/inventory-service/application"
	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/inventory-service/infrastructure"
	"github.com/draftea/order-system/inventory-service/mocks"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	repo      *infrastructure.MemoryInventoryRepository
	publisher *mocks.MockPublisher
	events    *InventoryEventHandlers
	router    chi.Router
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	f := &fixture{
		repo:      infrastructure.NewMemoryInventoryRepository(),
		publisher: mocks.NewMockPublisher(t),
		router:    chi.NewRouter(),
	}
	f.events = NewInventoryEventHandlers(
		application.NewReserveInventory(f.repo, f.publisher, logger),
		application.NewReleaseInventory(f.repo, f.publisher, logger),
		logger,
	)
	NewInventoryHandlers(application.NewUpsertProduct(f.repo), application.NewGetProduct(f.repo)).RegisterRoutes(f.router)
	return f
}

func (f *fixture) seed(t *testing.T, available int) models.ID {
	t.Helper()
	product, err := domain.NewProduct(models.GenerateUUID(), "widget", available)
	require.NoError(t, err)
	require.NoError(t, f.repo.SaveProduct(context.Background(), product))
	return product.ID
}

func replyOfType(eventType string) interface{} {
	return mock.MatchedBy(func(evt *events.Event) bool { return evt.EventType == eventType })
}

func TestInventoryEventHandlers_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve request", func(t *testing.T) {
		f := newFixture(t)
		productID := f.seed(t, 3)
		orderID := models.GenerateUUID()

		f.publisher.EXPECT().Publish(mock.Anything, replyOfType(events.InventoryReservedEvent)).Return(nil).Once()

		evt := events.NewEvent(orderID, events.InventoryReserveRequestedEvent, events.InventoryReserveRequestedData{
			OrderID: orderID,
			Items:   []events.OrderItemData{{ProductID: productID, Quantity: 2, UnitPrice: models.NewMoney(100, "USD")}},
		})
		require.NoError(t, f.events.Handle(ctx, evt))

		product, err := f.repo.FindProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, 1, product.Available)
		assert.Equal(t, 2, product.Reserved)
	})

	t.Run("release request", func(t *testing.T) {
		f := newFixture(t)
		productID := f.seed(t, 3)
		orderID := models.GenerateUUID()

		f.publisher.EXPECT().Publish(mock.Anything, replyOfType(events.InventoryReservedEvent)).Return(nil).Once()
		f.publisher.EXPECT().Publish(mock.Anything, replyOfType(events.InventoryReleasedEvent)).Return(nil).Once()

		items := []events.OrderItemData{{ProductID: productID, Quantity: 3}}
		require.NoError(t, f.events.Handle(ctx, events.NewEvent(orderID, events.InventoryReserveRequestedEvent,
			events.InventoryReserveRequestedData{OrderID: orderID, Items: items})))
		require.NoError(t, f.events.Handle(ctx, events.NewEvent(orderID, events.InventoryReleaseRequestedEvent,
			events.InventoryReleaseRequestedData{OrderID: orderID, Items: items, Reason: "compensation"})))

		product, err := f.repo.FindProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, 3, product.Available)
	})

	t.Run("correlation mismatch is rejected", func(t *testing.T) {
		f := newFixture(t)
		evt := events.NewEvent(models.GenerateUUID(), events.InventoryReserveRequestedEvent, events.InventoryReserveRequestedData{
			OrderID: models.GenerateUUID(),
		})
		assert.ErrorIs(t, f.events.Handle(ctx, evt), events.ErrCorrelationMismatch)
	})

	t.Run("unknown type is ignored", func(t *testing.T) {
		f := newFixture(t)
		orderID := models.GenerateUUID()
		evt := events.NewEvent(orderID, events.OrderConfirmedEvent, events.OrderConfirmedData{OrderID: orderID})
		assert.NoError(t, f.events.Handle(ctx, evt))
	})
}

func TestInventoryHandlers_Products(t *testing.T) {
	f := newFixture(t)

	body, err := json.Marshal(application.UpsertProductCommand{Name: "gizmo", Available: 9})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/products", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created application.ProductResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, 9, created.Available)

	tests := []struct {
		name           string
		method         string
		path           string
		body           string
		expectedStatus int
	}{
		{name: "get product", method: http.MethodGet, path: "/products/" + created.ProductID, expectedStatus: http.StatusOK},
		{name: "unknown product", method: http.MethodGet, path: "/products/" + models.GenerateUUID().String(), expectedStatus: http.StatusNotFound},
		{name: "malformed id", method: http.MethodGet, path: "/products/sku-1", expectedStatus: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/products", body: "{", expectedStatus: http.StatusBadRequest},
		{name: "negative stock", method: http.MethodPost, path: "/products", body: `{"name":"x","available":-1}`, expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body)))
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}
}
