package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

type entityViewModel struct {
	EntityName string    `gorm:"column:entity_name;primaryKey"`
	EntityID   string    `gorm:"column:entity_id;primaryKey"`
	UserID     string    `gorm:"column:user_id;primaryKey"`
	LastViewed time.Time `gorm:"column:last_viewed;not null"`
}

func (entityViewModel) TableName() string {
	return "entity_views"
}

// ViewRepository tracks when each user last read each entity.
type ViewRepository struct {
	db *gormsqlite.DB
}

func NewViewRepository(db *gormsqlite.DB) *ViewRepository {
	return &ViewRepository{db: db}
}

func (r *ViewRepository) LastViewed(ctx context.Context, entityName, entityID, userID string) (domain.View, error) {
	var model entityViewModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("entity_name = ? AND entity_id = ? AND user_id = ?", entityName, entityID, userID).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.View{}, domain.ErrNotFound
		}
		return domain.View{}, fmt.Errorf("get view: %w", err)
	}
	return domain.View{
		EntityName: model.EntityName,
		EntityID:   model.EntityID,
		UserID:     model.UserID,
		LastViewed: model.LastViewed.UTC(),
	}, nil
}

func (r *ViewRepository) RecordView(ctx context.Context, view domain.View) error {
	if view.LastViewed.IsZero() {
		view.LastViewed = time.Now()
	}
	model := entityViewModel{
		EntityName: view.EntityName,
		EntityID:   view.EntityID,
		UserID:     view.UserID,
		LastViewed: view.LastViewed.UTC(),
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_name"}, {Name: "entity_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_viewed"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("record view: %w", err)
	}
	return nil
}
