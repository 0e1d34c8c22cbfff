package domain

import (
	"context"

	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

// ErrPaymentDeclined is a definitive refusal; other gateway errors are
// transient and may be retried.
var ErrPaymentDeclined = errors.New("payment declined")

// ChargeRequest is keyed by IdempotencyKey so a retried charge is applied once
type ChargeRequest struct {
	IdempotencyKey string
	UserID         models.ID
	Amount         models.Money
}

// PaymentGateway is the card processor
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (transactionID string, err error)
	Refund(ctx context.Context, transactionID string, amount models.Money) (refundTransactionID string, err error)
}
