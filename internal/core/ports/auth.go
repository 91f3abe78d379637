package ports

import (
	"context"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

// APIKeyRepository stores keys by token hash. FindByTokenHash and Deactivate
// return domain.ErrNotFound for unknown hashes.
type APIKeyRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error)
	Upsert(ctx context.Context, key domain.APIKey) error
	Deactivate(ctx context.Context, tokenHash string) error
	ListByUser(ctx context.Context, userID string) ([]domain.APIKey, error)
}
