package memory

import (
	"context"
	"time"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

// Registry bundles the in-memory stores behind repositories.Registry.
type Registry struct {
	orders   *OrderRepository
	products *ProductRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires fresh in-memory stores seeded with the given catalogue.
func NewRegistry(products ...domain.Product) *Registry {
	return &Registry{
		orders:   NewOrderRepository(),
		products: NewProductRepository(products...),
	}
}

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Products() repositories.ProductRepository { return r.products }

func (r *Registry) Health() repositories.HealthRepository {
	repo, _ := repositories.NewProbeHealthRepository([]repositories.DependencyCheck{{
		Name:    "memory",
		Timeout: time.Second,
		Check:   func(context.Context) error { return nil },
	}})
	return repo
}

// RunInTx runs fn directly. Atomicity comes from CompareAndSwap holding the store lock.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *Registry) Close(context.Context) error { return nil }
