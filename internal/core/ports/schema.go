package ports

import (
	"context"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

type EntitySchemaRepository interface {
	Upsert(ctx context.Context, schema domain.EntitySchema) (domain.EntitySchema, error)
	Get(ctx context.Context, entityName string) (domain.EntitySchema, error)
	Delete(ctx context.Context, entityName string) (bool, error)
}
