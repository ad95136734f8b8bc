package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/pvhao2002/Pharmacy/internal/domain"
	pfirestore "github.com/pvhao2002/Pharmacy/internal/platform/firestore"
	"github.com/pvhao2002/Pharmacy/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads the catalogue collection maintained by the storefront admin.
type ProductRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{provider: provider}, nil
}

// FindByIDs fetches all ids in one batched read. Documents that do not exist are skipped.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("products.get", err)
	}
	seen := make(map[string]struct{}, len(productIDs))
	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, client.Collection(productsCollection).Doc(id))
	}
	out := make(map[string]domain.Product, len(refs))
	if len(refs) == 0 {
		return out, nil
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.get", err)
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("products.decode", err)
		}
		product, err := doc.toDomain(snap.Ref.ID)
		if err != nil {
			return nil, err
		}
		out[product.ID] = product
	}
	return out, nil
}

func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return repositories.NewConflict("products.upsert", errors.New("product id is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError("products.upsert", err)
	}
	_, err = client.Collection(productsCollection).Doc(id).Set(ctx, productDocument{
		Name:      product.Name,
		Price:     product.Price.String(),
		Currency:  product.Currency,
		Available: product.Available,
		UpdatedAt: product.UpdatedAt.UTC(),
	})
	return pfirestore.WrapError("products.upsert", err)
}
