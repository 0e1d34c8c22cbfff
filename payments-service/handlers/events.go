package handlers

import (
	"context"

	"github.com/draftea/order-system/payments-service/application"
	"github.com/draftea/order-system/shared/events"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PaymentEventTypes are the requests the payments service consumes
var PaymentEventTypes = []string{
	events.PaymentRequestedEvent,
	events.PaymentRefundRequestedEvent,
}

// PaymentEventHandlers handles payment requests issued by the order saga
type PaymentEventHandlers struct {
	processPayment *application.ProcessPayment
	refundPayment  *application.RefundPayment
	logger         *zap.Logger
}

// NewPaymentEventHandlers creates new payment event handlers
func NewPaymentEventHandlers(
	processPayment *application.ProcessPayment,
	refundPayment *application.RefundPayment,
	logger *zap.Logger,
) *PaymentEventHandlers {
	return &PaymentEventHandlers{
		processPayment: processPayment,
		refundPayment:  refundPayment,
		logger:         logger,
	}
}

func (h *PaymentEventHandlers) Subscribe(ctx context.Context, subscriber events.Subscriber) error {
	for _, eventType := range PaymentEventTypes {
		if err := subscriber.Subscribe(ctx, eventType, h); err != nil {
			return errors.Wrapf(err, "failed to subscribe to %s", eventType)
		}
	}
	return nil
}

// Handle implements the events.EventHandler interface
func (h *PaymentEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return errors.Wrapf(err, "rejecting %s %s", event.EventType, event.ID)
	}

	switch event.EventType {
	case events.PaymentRequestedEvent:
		return h.HandlePaymentRequested(ctx, event)
	case events.PaymentRefundRequestedEvent:
		return h.HandleRefundRequested(ctx, event)
	default:
		return nil
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *PaymentEventHandlers) HandlerID() string {
	return "payments-service-event-handler"
}

// HandlePaymentRequested charges the order
func (h *PaymentEventHandlers) HandlePaymentRequested(ctx context.Context, event *events.Event) error {
	var data events.PaymentRequestedData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse payment requested data")
	}

	_, err := h.processPayment.Execute(ctx, &application.ProcessPaymentCommand{
		OrderID: data.OrderID,
		UserID:  data.UserID,
		Amount:  data.Amount,
	})
	if err != nil {
		h.logger.Error("failed to process payment", zap.String("order_id", data.OrderID.String()), zap.Error(err))
		return err
	}
	return nil
}

// HandleRefundRequested reverses the order's charge
func (h *PaymentEventHandlers) HandleRefundRequested(ctx context.Context, event *events.Event) error {
	var data events.PaymentRefundRequestedData
	if err := event.UnmarshalPayload(&data); err != nil {
		return errors.Wrap(err, "failed to parse refund requested data")
	}

	_, err := h.refundPayment.Execute(ctx, &application.RefundPaymentCommand{
		OrderID:   data.OrderID,
		PaymentID: data.PaymentID,
		Amount:    data.Amount,
		Reason:    data.Reason,
	})
	if err != nil {
		h.logger.Error("failed to refund payment", zap.String("order_id", data.OrderID.String()), zap.Error(err))
		return err
	}
	return nil
}
