package events

import "github.com/draftea/order-system/shared/models"

type orderRef struct {
	OrderID models.ID `json:"order_id"`
}

// OrderItemData is a line item as carried on the wire
type OrderItemData struct {
	ProductID models.ID    `json:"product_id"`
	Quantity  int          `json:"quantity"`
	UnitPrice models.Money `json:"unit_price"`
}

type OrderCreatedData struct {
	OrderID         models.ID       `json:"order_id"`
	UserID          models.ID       `json:"user_id"`
	Items           []OrderItemData `json:"items"`
	TotalAmount     models.Money    `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
}

type OrderConfirmedData struct {
	OrderID   models.ID `json:"order_id"`
	UserID    models.ID `json:"user_id"`
	PaymentID models.ID `json:"payment_id"`
}

type OrderCancelledData struct {
	OrderID models.ID `json:"order_id"`
	UserID  models.ID `json:"user_id"`
	Reason  string    `json:"reason"`
}

type InventoryReserveRequestedData struct {
	OrderID models.ID       `json:"order_id"`
	Items   []OrderItemData `json:"items"`
}

type InventoryReservedData struct {
	OrderID models.ID `json:"order_id"`
}

type InventoryReleaseRequestedData struct {
	OrderID models.ID       `json:"order_id"`
	Items   []OrderItemData `json:"items"`
	Reason  string          `json:"reason"`
}

// InventoryReleasedData is emitted both when a reservation is refused and
// when a reservation is rolled back.
type InventoryReleasedData struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type PaymentRequestedData struct {
	OrderID models.ID    `json:"order_id"`
	UserID  models.ID    `json:"user_id"`
	Amount  models.Money `json:"amount"`
}

type PaymentCompletedData struct {
	OrderID       models.ID    `json:"order_id"`
	PaymentID     models.ID    `json:"payment_id"`
	Amount        models.Money `json:"amount"`
	TransactionID string       `json:"transaction_id"`
}

type PaymentFailedData struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type PaymentRefundRequestedData struct {
	OrderID   models.ID    `json:"order_id"`
	PaymentID models.ID    `json:"payment_id"`
	Amount    models.Money `json:"amount"`
	Reason    string       `json:"reason"`
}

type PaymentRefundedData struct {
	OrderID   models.ID `json:"order_id"`
	PaymentID models.ID `json:"payment_id"`
}
