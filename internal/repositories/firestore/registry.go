package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/pvhao2002/Pharmacy/internal/platform/firestore"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

// Registry serves every repository from one Firestore provider.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	products *ProductRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires the Firestore stores. extraChecks are added to the readiness probe, e.g.
// the event broker.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	checks := append([]repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 2 * time.Second,
		Check:   provider.Ping,
	}}, extraChecks...)
	health, err := repositories.NewProbeHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, orders: orders, products: products, health: health}, nil
}

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn)
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
