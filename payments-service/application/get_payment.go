package application

import (
	"context"
	"time"

	"github.com/draftea/order-system/payments-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

var ErrInvalidQuery = errors.New("invalid query")

// GetPaymentQuery looks a payment up by its ID or by its order
type GetPaymentQuery struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
}

// GetPaymentResponse represents the response for getting a payment
type GetPaymentResponse struct {
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// GetPayment use case
type GetPayment struct {
	paymentRepository domain.PaymentRepository
}

// NewGetPayment creates a new GetPayment use case
func NewGetPayment(paymentRepository domain.PaymentRepository) *GetPayment {
	return &GetPayment{
		paymentRepository: paymentRepository,
	}
}

// Execute executes the get payment use case
func (uc *GetPayment) Execute(ctx context.Context, query *GetPaymentQuery) (*GetPaymentResponse, error) {
	var (
		payment *domain.Payment
		err     error
	)

	switch {
	case query.PaymentID != "":
		paymentID, perr := models.NewID(query.PaymentID)
		if perr != nil {
			return nil, errors.Wrap(ErrInvalidQuery, perr.Error())
		}
		payment, err = uc.paymentRepository.FindByID(ctx, paymentID)
	case query.OrderID != "":
		orderID, perr := models.NewID(query.OrderID)
		if perr != nil {
			return nil, errors.Wrap(ErrInvalidQuery, perr.Error())
		}
		payment, err = uc.paymentRepository.FindByOrderID(ctx, orderID)
	default:
		return nil, errors.Wrap(ErrInvalidQuery, "payment ID or order ID is required")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find payment")
	}

	return &GetPaymentResponse{
		PaymentID:     payment.ID.String(),
		OrderID:       payment.OrderID.String(),
		UserID:        payment.UserID.String(),
		Amount:        payment.Amount.Amount,
		Currency:      payment.Amount.Currency,
		Status:        string(payment.Status),
		TransactionID: payment.TransactionID,
		FailureReason: payment.FailureReason,
		CreatedAt:     payment.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     payment.Timestamps.UpdatedAt.Format(time.RFC3339),
	}, nil
}
