package application

import (
	"context"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrInvalidCommand marks requests rejected before touching the aggregate
var ErrInvalidCommand = errors.New("invalid command")

// SagaStarter starts the fulfillment saga of a persisted order
type SagaStarter interface {
	Start(ctx context.Context, order *domain.Order) error
}

// OrderItemCommand is one requested line
type OrderItemCommand struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// CreateOrderCommand represents the command to place an order
type CreateOrderCommand struct {
	UserID          string             `json:"user_id"`
	Items           []OrderItemCommand `json:"items"`
	Currency        string             `json:"currency"`
	ShippingAddress string             `json:"shipping_address"`
}

// CreateOrderResponse represents the response of placing an order
type CreateOrderResponse struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"total_amount"`
	Currency    string `json:"currency"`
}

// CreateOrder persists a pending order and starts its saga
type CreateOrder struct {
	orderRepository domain.OrderRepository
	sagaStarter     SagaStarter
	logger          *zap.Logger
}

// NewCreateOrder creates a new CreateOrder use case
func NewCreateOrder(orderRepository domain.OrderRepository, sagaStarter SagaStarter, logger *zap.Logger) *CreateOrder {
	return &CreateOrder{
		orderRepository: orderRepository,
		sagaStarter:     sagaStarter,
		logger:          logger,
	}
}

// Execute returns once the order is stored. The saga outcome is observed
// through the order status.
func (uc *CreateOrder) Execute(ctx context.Context, cmd *CreateOrderCommand) (*CreateOrderResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, err
	}

	userID, err := models.NewID(cmd.UserID)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}

	currency := cmd.Currency
	if currency == "" {
		currency = "USD"
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		productID, err := models.NewID(item.ProductID)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidCommand, "item %d: %v", i, err)
		}
		items = append(items, domain.OrderItem{
			ProductID: productID,
			Quantity:  item.Quantity,
			UnitPrice: models.NewMoney(item.UnitPrice, currency),
		})
	}

	order, err := domain.CreateOrder(userID, items, cmd.ShippingAddress)
	if err != nil {
		return nil, err
	}

	if err := uc.orderRepository.Create(ctx, order); err != nil {
		return nil, errors.Wrap(err, "failed to save order")
	}

	if err := uc.sagaStarter.Start(ctx, order); err != nil {
		uc.logger.Error("saga not started, cancelling order",
			zap.String("order_id", order.ID.String()),
			zap.Error(err),
		)
		uc.abandon(ctx, order)
		return nil, errors.Wrap(err, "failed to start order saga")
	}

	uc.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", order.UserID.String()),
		zap.Int64("total_amount", order.TotalAmount.Amount),
	)

	return &CreateOrderResponse{
		OrderID:     order.ID.String(),
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount.Amount,
		Currency:    order.TotalAmount.Currency,
	}, nil
}

// abandon terminates an order whose saga never ran
func (uc *CreateOrder) abandon(ctx context.Context, order *domain.Order) {
	if err := uc.orderRepository.SetPaymentStatus(ctx, order.ID, domain.PaymentStatusFailed); err != nil {
		uc.logger.Error("failed to fail payment status", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	if err := uc.orderRepository.SetStatus(ctx, order.ID, domain.OrderStatusCancelled); err != nil {
		uc.logger.Error("failed to cancel order", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
}

func (uc *CreateOrder) validateCommand(cmd *CreateOrderCommand) error {
	if cmd.UserID == "" {
		return errors.Wrap(ErrInvalidCommand, "user ID is required")
	}
	if len(cmd.Items) == 0 {
		return errors.Wrap(ErrInvalidCommand, "at least one item is required")
	}
	if cmd.ShippingAddress == "" {
		return errors.Wrap(ErrInvalidCommand, "shipping address is required")
	}
	for i, item := range cmd.Items {
		if item.ProductID == "" {
			return errors.Wrapf(ErrInvalidCommand, "item %d: product ID is required", i)
		}
		if item.Quantity <= 0 {
			return errors.Wrapf(ErrInvalidCommand, "item %d: quantity must be positive", i)
		}
		if item.UnitPrice <= 0 {
			return errors.Wrapf(ErrInvalidCommand, "item %d: unit price must be positive", i)
		}
	}
	return nil
}
