package repositories

import (
	"context"
	"time"

	"github.com/pvhao2002/Pharmacy/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
	Health() HealthRepository

	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders together with their immutable line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByTransactionRef resolves a gateway reference, current or replaced, to exactly one
	// order. Zero matches is a not-found error; more than one is a conflict.
	FindByTransactionRef(ctx context.Context, txnRef string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.PageResult[domain.Order], error)
	// CompareAndSwap writes the mutable fields of next only when the stored state still equals
	// expected. A mismatch returns a RepositoryError with IsConflict.
	CompareAndSwap(ctx context.Context, expected domain.OrderState, next domain.Order) (domain.Order, error)
	Aggregate(ctx context.Context) (domain.OrderAggregates, error)
}

// OrderListFilter narrows order listings. Zero values mean no constraint.
type OrderListFilter struct {
	UserID        string
	Status        []domain.OrderStatus
	PaymentStatus []domain.PaymentStatus
	PaymentMethod domain.PaymentMethod
	DateRange     domain.RangeQuery[time.Time]
	UpdatedBefore *time.Time
	Page          domain.Page
}

// ProductRepository is the catalogue price source used at order creation.
type ProductRepository interface {
	// FindByIDs returns the products that exist, keyed by id. Missing ids are simply absent.
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) error
}

// HealthRepository collects dependency status for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
