package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	ppostgres "github.com/pvhao2002/Pharmacy/internal/platform/postgres"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

// Registry serves every repository from one connection pool.
type Registry struct {
	pool     *pgxpool.Pool
	db       *ppostgres.TxRunner
	orders   *OrderRepository
	products *ProductRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry takes ownership of pool; Close releases it. The schema is applied before the
// registry is returned.
func NewRegistry(ctx context.Context, pool *pgxpool.Pool, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("postgres registry requires pool")
	}
	db := ppostgres.NewTxRunner(pool)
	if err := Migrate(ctx, db.Querier(ctx)); err != nil {
		return nil, err
	}
	checks := append([]repositories.DependencyCheck{{
		Name:    "postgres",
		Timeout: 2 * time.Second,
		Check:   db.Ping,
	}}, extraChecks...)
	health, err := repositories.NewProbeHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return &Registry{
		pool:     pool,
		db:       db,
		orders:   NewOrderRepository(db),
		products: NewProductRepository(db),
		health:   health,
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Products() repositories.ProductRepository { return r.products }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }

func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.RunInTx(ctx, fn)
}

func (r *Registry) Close(context.Context) error {
	r.pool.Close()
	return nil
}
