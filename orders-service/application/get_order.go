package application

import (
	"context"
	"time"

	"github.com/draftea/order-system/orders-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

// GetOrderQuery represents the query to get an order
type GetOrderQuery struct {
	OrderID string `json:"order_id"`
}

type OrderItemResponse struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// GetOrderResponse represents the response for getting an order
type GetOrderResponse struct {
	OrderID         string              `json:"order_id"`
	UserID          string              `json:"user_id"`
	Items           []OrderItemResponse `json:"items"`
	TotalAmount     int64               `json:"total_amount"`
	Currency        string              `json:"currency"`
	ShippingAddress string              `json:"shipping_address"`
	Status          string              `json:"status"`
	PaymentStatus   string              `json:"payment_status"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
}

// GetOrder use case
type GetOrder struct {
	orderRepository domain.OrderRepository
}

func NewGetOrder(orderRepository domain.OrderRepository) *GetOrder {
	return &GetOrder{
		orderRepository: orderRepository,
	}
}

func (uc *GetOrder) Execute(ctx context.Context, query *GetOrderQuery) (*GetOrderResponse, error) {
	if query.OrderID == "" {
		return nil, errors.Wrap(ErrInvalidCommand, "order ID is required")
	}

	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}

	order, err := uc.orderRepository.FindByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}

	items := make([]OrderItemResponse, len(order.Items))
	for i, item := range order.Items {
		items[i] = OrderItemResponse{
			ProductID: item.ProductID.String(),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.Amount,
		}
	}

	return &GetOrderResponse{
		OrderID:         order.ID.String(),
		UserID:          order.UserID.String(),
		Items:           items,
		TotalAmount:     order.TotalAmount.Amount,
		Currency:        order.TotalAmount.Currency,
		ShippingAddress: order.ShippingAddress,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		CreatedAt:       order.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       order.Timestamps.UpdatedAt.Format(time.RFC3339),
	}, nil
}
