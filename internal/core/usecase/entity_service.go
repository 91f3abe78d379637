package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
)

// PayloadValidator checks an entity's JSON form before it is written.
type PayloadValidator interface {
	Validate(ctx context.Context, entityName string, data json.RawMessage) error
}

// EntityService is the plain CRUD service over the live store. It knows
// nothing about the ledger.
type EntityService[T domain.Entity] struct {
	name      string
	repo      ports.CrudService[T]
	validator PayloadValidator
}

// NewEntityService builds the service; validator may be nil.
func NewEntityService[T domain.Entity](name string, repo ports.CrudService[T], validator PayloadValidator) *EntityService[T] {
	return &EntityService[T]{name: name, repo: repo, validator: validator}
}

func (s *EntityService[T]) GetAll(ctx context.Context) ([]T, error) {
	return s.repo.GetAll(ctx)
}

func (s *EntityService[T]) GetByID(ctx context.Context, id string) (T, error) {
	if err := domain.ValidateID(id); err != nil {
		var zero T
		return zero, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *EntityService[T]) Create(ctx context.Context, entity T) (T, error) {
	if err := s.validate(ctx, entity); err != nil {
		var zero T
		return zero, err
	}
	return s.repo.Create(ctx, entity)
}

func (s *EntityService[T]) Update(ctx context.Context, id string, entity T) (T, error) {
	var zero T
	if err := domain.ValidateID(id); err != nil {
		return zero, err
	}
	if err := s.validate(ctx, entity); err != nil {
		return zero, err
	}
	return s.repo.Update(ctx, id, entity)
}

func (s *EntityService[T]) Delete(ctx context.Context, id string) (T, error) {
	if err := domain.ValidateID(id); err != nil {
		var zero T
		return zero, err
	}
	return s.repo.Delete(ctx, id)
}

func (s *EntityService[T]) validate(ctx context.Context, entity T) error {
	if s.validator == nil {
		return nil
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.name, err)
	}
	return s.validator.Validate(ctx, s.name, data)
}
