package application

import (
	"context"

	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ReserveInventoryCommand represents a stock hold request for an order
type ReserveInventoryCommand struct {
	OrderID models.ID                `json:"order_id"`
	Items   []domain.ReservationItem `json:"items"`
}

type ReserveInventoryResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// ReserveInventory holds stock for every line of an order or for none, and
// answers with inventory.reserved or inventory.released. A redelivered
// request answers with the outcome already recorded.
type ReserveInventory struct {
	inventoryRepository domain.InventoryRepository
	eventPublisher      events.Publisher
	logger              *zap.Logger
}

func NewReserveInventory(inventoryRepository domain.InventoryRepository, eventPublisher events.Publisher, logger *zap.Logger) *ReserveInventory {
	return &ReserveInventory{
		inventoryRepository: inventoryRepository,
		eventPublisher:      eventPublisher,
		logger:              logger,
	}
}

func (uc *ReserveInventory) Execute(ctx context.Context, cmd *ReserveInventoryCommand) (*ReserveInventoryResponse, error) {
	if cmd.OrderID.IsZero() {
		return nil, errors.New("order ID is required")
	}

	reservation, err := domain.NewReservation(cmd.OrderID, cmd.Items)
	if err != nil {
		// refuse instead of dropping so the saga does not wait for a timeout
		reservation = &domain.Reservation{
			OrderID: cmd.OrderID,
			Status:  domain.ReservationStatusRejected,
			Reason:  err.Error(),
		}
		return uc.reply(ctx, reservation)
	}

	stored, err := uc.inventoryRepository.Reserve(ctx, reservation)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve inventory")
	}
	return uc.reply(ctx, stored)
}

func (uc *ReserveInventory) reply(ctx context.Context, stored *domain.Reservation) (*ReserveInventoryResponse, error) {
	orderID := stored.OrderID

	var reply *events.Event
	if stored.Status == domain.ReservationStatusReserved {
		reply = events.NewEvent(orderID, events.InventoryReservedEvent, events.InventoryReservedData{
			OrderID: orderID,
		})
	} else {
		reason := stored.Reason
		if reason == "" {
			reason = "reservation " + string(stored.Status)
		}
		reply = events.NewEvent(orderID, events.InventoryReleasedEvent, events.InventoryReleasedData{
			OrderID: orderID,
			Reason:  reason,
		})
	}

	if err := uc.eventPublisher.Publish(ctx, reply); err != nil {
		return nil, errors.Wrapf(err, "failed to publish %s", reply.EventType)
	}

	uc.logger.Info("reservation processed",
		zap.String("order_id", orderID.String()),
		zap.String("status", string(stored.Status)),
		zap.String("reason", stored.Reason),
	)

	return &ReserveInventoryResponse{
		OrderID: orderID.String(),
		Status:  string(stored.Status),
		Reason:  stored.Reason,
	}, nil
}
