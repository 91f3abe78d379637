package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

type SnapshotFunc func(ctx context.Context, id string) (domain.Snapshot, error)

// LookupRegistry dispatches live-entity lookups by entity name.
type LookupRegistry struct {
	mu      sync.RWMutex
	lookups map[string]SnapshotFunc
}

func NewLookupRegistry() *LookupRegistry {
	return &LookupRegistry{lookups: map[string]SnapshotFunc{}}
}

func (r *LookupRegistry) Register(entityName string, fn SnapshotFunc) error {
	if err := domain.ValidateEntityName(entityName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.lookups[entityName]; exists {
		return fmt.Errorf("lookup for %q already registered", entityName)
	}
	r.lookups[entityName] = fn
	return nil
}

func (r *LookupRegistry) Snapshot(ctx context.Context, entityName, id string) (domain.Snapshot, error) {
	r.mu.RLock()
	fn, ok := r.lookups[entityName]
	r.mu.RUnlock()
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownSchema, entityName)
	}
	return fn(ctx, id)
}
