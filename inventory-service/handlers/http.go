package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/draftea/order-system/inventory-service/application"
	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// InventoryHandlers contains inventory HTTP handlers
type InventoryHandlers struct {
	upsertProduct *application.UpsertProduct
	getProduct    *application.GetProduct
}

func NewInventoryHandlers(upsertProduct *application.UpsertProduct, getProduct *application.GetProduct) *InventoryHandlers {
	return &InventoryHandlers{
		upsertProduct: upsertProduct,
		getProduct:    getProduct,
	}
}

// UpsertProduct handles stock updates
func (h *InventoryHandlers) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var cmd application.UpsertProductCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.upsertProduct.Execute(r.Context(), &cmd)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetProduct handles product retrieval requests
func (h *InventoryHandlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	query := &application.GetProductQuery{
		ProductID: chi.URLParam(r, "id"),
	}

	response, err := h.getProduct.Execute(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RegisterRoutes registers inventory routes
func (h *InventoryHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/products", func(r chi.Router) {
		r.Post("/", h.UpsertProduct)
		r.Get("/{id}", h.GetProduct)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidProduct):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
