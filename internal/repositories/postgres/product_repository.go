package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	ppostgres "github.com/pvhao2002/Pharmacy/internal/platform/postgres"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

// ProductRepository reads catalogue prices from the products table.
type ProductRepository struct {
	db *ppostgres.TxRunner
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

func NewProductRepository(db *ppostgres.TxRunner) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Querier(ctx).Query(ctx,
		`SELECT id, name, price, currency, available, updated_at FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, ppostgres.WrapError("products.getAll", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.Available, &p.UpdatedAt); err != nil {
			return nil, ppostgres.WrapError("products.getAll", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("products.getAll", err)
	}
	return out, nil
}

func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return repositories.NewConflict("products.upsert", errors.New("product id is required"))
	}
	_, err := r.db.Querier(ctx).Exec(ctx, `INSERT INTO products (id, name, price, currency, available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			currency = EXCLUDED.currency, available = EXCLUDED.available, updated_at = EXCLUDED.updated_at`,
		product.ID, product.Name, product.Price, product.Currency, product.Available, product.UpdatedAt.UTC())
	return ppostgres.WrapError("products.upsert", err)
}
