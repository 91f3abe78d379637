package usecase

import (
	"context"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
)

// LedgerService lists raw ledger events across entities, oldest first.
type LedgerService struct {
	repo ports.LedgerRepository
}

func NewLedgerService(repo ports.LedgerRepository) *LedgerService {
	return &LedgerService{repo: repo}
}

func (s *LedgerService) List(ctx context.Context, filter domain.LedgerFilter) ([]domain.Event, error) {
	if filter.EntityName != "" {
		if err := domain.ValidateEntityName(filter.EntityName); err != nil {
			return nil, err
		}
	}
	if filter.EntityID != "" {
		if err := domain.ValidateID(filter.EntityID); err != nil {
			return nil, err
		}
	}
	if filter.Action != "" {
		if _, err := domain.ParseAction(string(filter.Action)); err != nil {
			return nil, err
		}
	}
	if filter.AfterID < 0 {
		filter.AfterID = 0
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	return s.repo.List(ctx, filter)
}
