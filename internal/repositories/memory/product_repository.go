package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

// ProductRepository is an in-memory catalogue used for local runs and tests.
type ProductRepository struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository seeds the catalogue with the provided products.
func NewProductRepository(products ...domain.Product) *ProductRepository {
	repo := &ProductRepository{products: make(map[string]domain.Product, len(products))}
	for _, product := range products {
		repo.products[product.ID] = product
	}
	return repo
}

func (r *ProductRepository) FindByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := r.products[strings.TrimSpace(id)]; ok {
			out[product.ID] = product
		}
	}
	return out, nil
}

func (r *ProductRepository) Upsert(_ context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return repositories.NewConflict("products.upsert", errors.New("product id is required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[product.ID] = product
	return nil
}
