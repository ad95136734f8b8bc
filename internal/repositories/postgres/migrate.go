package postgres

import (
	"context"
	_ "embed"

	ppostgres "github.com/pvhao2002/Pharmacy/internal/platform/postgres"
)

//go:embed schema.sql
var schema string

// Migrate applies the idempotent schema. It is safe to run on every start.
func Migrate(ctx context.Context, q ppostgres.Querier) error {
	_, err := q.Exec(ctx, schema)
	return ppostgres.WrapError("migrate", err)
}
