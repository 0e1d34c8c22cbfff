package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/draftea/order-system/orders-service/application"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// OrderHandlers contains order HTTP handlers
type OrderHandlers struct {
	createOrder   *application.CreateOrder
	getOrder      *application.GetOrder
	getSagaStatus *application.GetSagaStatus
	getSagaEvents *application.GetSagaEvents
	listSagas     *application.ListSagas
	logger        *zap.Logger
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	createOrder *application.CreateOrder,
	getOrder *application.GetOrder,
	getSagaStatus *application.GetSagaStatus,
	getSagaEvents *application.GetSagaEvents,
	listSagas *application.ListSagas,
	logger *zap.Logger,
) *OrderHandlers {
	return &OrderHandlers{
		createOrder:   createOrder,
		getOrder:      getOrder,
		getSagaStatus: getSagaStatus,
		getSagaEvents: getSagaEvents,
		listSagas:     listSagas,
		logger:        logger,
	}
}

// CreateOrder handles order placement. It answers 202 once the order is
// stored; the saga runs afterwards.
func (h *OrderHandlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.CreateOrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.createOrder.Execute(r.Context(), &cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, response)
}

// GetOrder handles order retrieval requests
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	query := &application.GetOrderQuery{
		OrderID: chi.URLParam(r, "id"),
	}

	response, err := h.getOrder.Execute(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *OrderHandlers) GetSagaStatus(w http.ResponseWriter, r *http.Request) {
	query := &application.GetSagaStatusQuery{
		OrderID: chi.URLParam(r, "id"),
	}

	response, err := h.getSagaStatus.Execute(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *OrderHandlers) GetSagaEvents(w http.ResponseWriter, r *http.Request) {
	query := &application.GetSagaEventsQuery{
		OrderID: chi.URLParam(r, "id"),
	}

	response, err := h.getSagaEvents.Execute(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *OrderHandlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.listSagas.Execute(r.Context()))
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/{id}", h.GetOrder)
		r.Get("/{id}/saga", h.GetSagaStatus)
		r.Get("/{id}/events", h.GetSagaEvents)
	})
	r.Get("/sagas", h.ListSagas)
}

func (h *OrderHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
