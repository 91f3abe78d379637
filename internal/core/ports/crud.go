package ports

import (
	"context"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

// CrudService is the plain live-row CRUD contract the historical service
// wraps. GetByID, Update and Delete return domain.ErrNotFound for a missing
// row.
type CrudService[T domain.Entity] interface {
	GetAll(ctx context.Context) ([]T, error)
	GetByID(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, id string, entity T) (T, error)
	Delete(ctx context.Context, id string) (T, error)
}

// EntityLookup fetches the current live state of an entity by type and id.
type EntityLookup interface {
	Snapshot(ctx context.Context, entityName, id string) (domain.Snapshot, error)
}

type UserProvider interface {
	CurrentUser(ctx context.Context) string
}

type UserProviderFunc func(ctx context.Context) string

func (f UserProviderFunc) CurrentUser(ctx context.Context) string { return f(ctx) }

// ViewTracker resolves when a user last viewed an entity. LastViewed returns
// domain.ErrNotFound when nothing is tracked.
type ViewTracker interface {
	LastViewed(ctx context.Context, entityName, entityID, userID string) (domain.View, error)
	RecordView(ctx context.Context, view domain.View) error
}
