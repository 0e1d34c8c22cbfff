package application

import (
	"context"

	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/shared/events"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ReleaseInventoryCommand struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type ReleaseInventoryResponse struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Released bool   `json:"released"`
}

// ReleaseInventory rolls back the stock hold of an order. Releasing twice, or
// releasing a refused reservation, changes nothing.
type ReleaseInventory struct {
	inventoryRepository domain.InventoryRepository
	eventPublisher      events.Publisher
	logger              *zap.Logger
}

func NewReleaseInventory(inventoryRepository domain.InventoryRepository, eventPublisher events.Publisher, logger *zap.Logger) *ReleaseInventory {
	return &ReleaseInventory{
		inventoryRepository: inventoryRepository,
		eventPublisher:      eventPublisher,
		logger:              logger,
	}
}

func (uc *ReleaseInventory) Execute(ctx context.Context, cmd *ReleaseInventoryCommand) (*ReleaseInventoryResponse, error) {
	if cmd.OrderID.IsZero() {
		return nil, errors.New("order ID is required")
	}

	reservation, released, err := uc.inventoryRepository.Release(ctx, cmd.OrderID, cmd.Reason)
	if err != nil {
		return nil, errors.Wrap(err, "failed to release inventory")
	}

	logger := uc.logger.With(
		zap.String("order_id", cmd.OrderID.String()),
		zap.String("status", string(reservation.Status)),
	)

	if released {
		event := events.NewEvent(cmd.OrderID, events.InventoryReleasedEvent, events.InventoryReleasedData{
			OrderID: cmd.OrderID,
			Reason:  cmd.Reason,
		})
		if err := uc.eventPublisher.Publish(ctx, event); err != nil {
			// stock is already back; a lost notification is not retried
			logger.Error("inventory released but event not published", zap.Error(err))
		}
		logger.Info("inventory released")
	} else {
		logger.Info("nothing to release")
	}

	return &ReleaseInventoryResponse{
		OrderID:  cmd.OrderID.String(),
		Status:   string(reservation.Status),
		Released: released,
	}, nil
}
