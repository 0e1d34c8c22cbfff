package application

import (
	"context"
	"time"

	"github.com/draftea/order-system/inventory-service/domain"
	"github.com/draftea/order-system/shared/models"
	"github.com/pkg/errors"
)

// UpsertProductCommand sets the available stock of a product
type UpsertProductCommand struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Available int    `json:"available"`
}

type ProductResponse struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	UpdatedAt string `json:"updated_at"`
}

// UpsertProduct creates a product or replaces its available stock
type UpsertProduct struct {
	inventoryRepository domain.InventoryRepository
}

func NewUpsertProduct(inventoryRepository domain.InventoryRepository) *UpsertProduct {
	return &UpsertProduct{inventoryRepository: inventoryRepository}
}

func (uc *UpsertProduct) Execute(ctx context.Context, cmd *UpsertProductCommand) (*ProductResponse, error) {
	var (
		productID models.ID
		err       error
	)
	if cmd.ProductID == "" {
		productID = models.GenerateUUID()
	} else if productID, err = models.NewID(cmd.ProductID); err != nil {
		return nil, errors.Wrap(domain.ErrInvalidProduct, err.Error())
	}

	product, err := uc.inventoryRepository.FindProduct(ctx, productID)
	switch {
	case err == nil:
		if err := product.Restock(cmd.Name, cmd.Available); err != nil {
			return nil, err
		}
	case errors.Is(err, domain.ErrProductNotFound):
		product, err = domain.NewProduct(productID, cmd.Name, cmd.Available)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrap(err, "failed to find product")
	}

	if err := uc.inventoryRepository.SaveProduct(ctx, product); err != nil {
		return nil, errors.Wrap(err, "failed to save product")
	}
	return toProductResponse(product), nil
}

type GetProductQuery struct {
	ProductID string `json:"product_id"`
}

// GetProduct use case
type GetProduct struct {
	inventoryRepository domain.InventoryRepository
}

func NewGetProduct(inventoryRepository domain.InventoryRepository) *GetProduct {
	return &GetProduct{inventoryRepository: inventoryRepository}
}

func (uc *GetProduct) Execute(ctx context.Context, query *GetProductQuery) (*ProductResponse, error) {
	productID, err := models.NewID(query.ProductID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrInvalidProduct, err.Error())
	}

	product, err := uc.inventoryRepository.FindProduct(ctx, productID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find product")
	}
	return toProductResponse(product), nil
}

func toProductResponse(product *domain.Product) *ProductResponse {
	return &ProductResponse{
		ProductID: product.ID.String(),
		Name:      product.Name,
		Available: product.Available,
		Reserved:  product.Reserved,
		UpdatedAt: product.Timestamps.UpdatedAt.Format(time.RFC3339),
	}
}
