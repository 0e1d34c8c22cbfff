package handlers

import (
	"context"

	"github.com/draftea/order-system/inventory-service/application"
	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/shared/events"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// InventoryEventTypes are the requests the inventory service consumes
var InventoryEventTypes = []string{
	events.InventoryReserveRequestedEvent,
	events.InventoryReleaseRequestedEvent,
}

// InventoryEventHandlers contains event handlers for inventory service
type InventoryEventHandlers struct {
	reserveInventory *application.ReserveInventory
	releaseInventory *application.ReleaseInventory
	logger           *zap.Logger
}

func NewInventoryEventHandlers(
	reserveInventory *application.ReserveInventory,
	releaseInventory *application.ReleaseInventory,
	logger *zap.Logger,
) *InventoryEventHandlers {
	return &InventoryEventHandlers{
		reserveInventory: reserveInventory,
		releaseInventory: releaseInventory,
		logger:           logger,
	}
}

// Subscribe binds the handlers to every inventory request type
func (h *InventoryEventHandlers) Subscribe(ctx context.Context, subscriber events.Subscriber) error {
	for _, eventType := range InventoryEventTypes {
		if err := subscriber.Subscribe(ctx, eventType, h); err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", eventType)
		}
	}
	return nil
}

// Handle implements the events.EventHandler interface
func (h *InventoryEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return errors.Wrapf(err, "rejecting %s %s", event.EventType, event.ID)
	}

	switch event.EventType {
	case events.InventoryReserveRequestedEvent:
		return h.HandleReserveRequested(ctx, event)
	case events.InventoryReleaseRequestedEvent:
		return h.HandleReleaseRequested(ctx, event)
	default:
		// Unknown event type, ignore
		return nil
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *InventoryEventHandlers) HandlerID() string {
	return "inventory-service-event-handler"
}

func (h *InventoryEventHandlers) HandleReserveRequested(ctx context.Context, event *events.Event) error {
	var data events.InventoryReserveRequestedData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "invalid reserve request")
	}

	items := make([]domain.ReservationItem, len(data.Items))
	for i, item := range data.Items {
		items[i] = domain.ReservationItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		}
	}

	_, err := h.reserveInventory.Execute(ctx, &application.ReserveInventoryCommand{
		OrderID: data.OrderID,
		Items:   items,
	})
	if err != nil {
		h.logger.Error("failed to reserve inventory", zap.String("order_id", data.OrderID.String()), zap.Error(err))
		return err
	}
	return nil
}

func (h *InventoryEventHandlers) HandleReleaseRequested(ctx context.Context, event *events.Event) error {
	var data events.InventoryReleaseRequestedData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "invalid release request")
	}

	_, err := h.releaseInventory.Execute(ctx, &application.ReleaseInventoryCommand{
		OrderID: data.OrderID,
		Reason:  data.Reason,
	})
	if err != nil {
		h.logger.Error("failed to release inventory", zap.String("order_id", data.OrderID.String()), zap.Error(err))
		return err
	}
	return nil
}
