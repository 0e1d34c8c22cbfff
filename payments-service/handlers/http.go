package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/draftea/order-system/payments-service/application"
	"github.com/draftea/order-system/payments-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// PaymentHandlers contains payment HTTP handlers
type PaymentHandlers struct {
	getPayment *application.GetPayment
}

// NewPaymentHandlers creates new payment handlers
func NewPaymentHandlers(getPayment *application.GetPayment) *PaymentHandlers {
	return &PaymentHandlers{
		getPayment: getPayment,
	}
}

// GetPayment handles payment retrieval requests
func (h *PaymentHandlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	h.find(w, r, &application.GetPaymentQuery{PaymentID: chi.URLParam(r, "id")})
}

// GetOrderPayment returns the payment of an order
func (h *PaymentHandlers) GetOrderPayment(w http.ResponseWriter, r *http.Request) {
	h.find(w, r, &application.GetPaymentQuery{OrderID: chi.URLParam(r, "orderID")})
}

func (h *PaymentHandlers) find(w http.ResponseWriter, r *http.Request, query *application.GetPaymentQuery) {
	response, err := h.getPayment.Execute(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RegisterRoutes registers payment routes
func (h *PaymentHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Get("/{id}", h.GetPayment)
		r.Get("/order/{orderID}", h.GetOrderPayment)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, application.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPaymentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
