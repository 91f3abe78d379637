package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

type entityModel struct {
	EntityName string    `gorm:"column:entity_name;primaryKey"`
	ID         string    `gorm:"column:id;primaryKey"`
	Body       string    `gorm:"column:body;not null"`
	Version    int64     `gorm:"column:version;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

func (entityModel) TableName() string {
	return "entities"
}

// EntityRepository is the live store for one entity type. Rows hold the
// entity's JSON form; identity and version live in their own columns and are
// stamped back onto the entity on read.
type EntityRepository[T domain.Stored[T]] struct {
	db   *gormsqlite.DB
	name string
}

func NewEntityRepository[T domain.Stored[T]](db *gormsqlite.DB, entityName string) *EntityRepository[T] {
	return &EntityRepository[T]{db: db, name: entityName}
}

func (r *EntityRepository[T]) GetAll(ctx context.Context) ([]T, error) {
	var rows []entityModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("entity_name = ?", r.name).Order("created_at ASC, id ASC").Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.name, err)
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		entity, err := r.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

func (r *EntityRepository[T]) GetByID(ctx context.Context, id string) (T, error) {
	var row entityModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return r.find(tx.DB, id, &row)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return r.decode(row)
}

// Create stores entity under its own id, or a fresh uuid when it has none.
func (r *EntityRepository[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	id := entity.EntityID()
	if id == "" {
		id = uuid.NewString()
	} else if err := domain.ValidateID(id); err != nil {
		return zero, err
	}
	entity = entity.WithIdentity(id, 1)
	body, err := json.Marshal(entity)
	if err != nil {
		return zero, fmt.Errorf("marshal %s: %w", r.name, err)
	}

	now := time.Now().UTC()
	row := entityModel{EntityName: r.name, ID: id, Body: string(body), Version: 1, CreatedAt: now, UpdatedAt: now}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var count int64
		if err := tx.Model(&entityModel{}).Where("entity_name = ? AND id = ?", r.name, id).Count(&count).Error; err != nil {
			return fmt.Errorf("check %s %s: %w", r.name, id, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s %s already exists", domain.ErrConflict, r.name, id)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert %s: %w", r.name, err)
		}
		return nil
	})
	if err != nil {
		return zero, err
	}
	return entity, nil
}

// Update replaces the row. An entity carrying a non-zero version must match
// the stored one, otherwise domain.ErrConflict is returned.
func (r *EntityRepository[T]) Update(ctx context.Context, id string, entity T) (T, error) {
	var zero, out T
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var current entityModel
		if err := r.find(tx.DB, id, &current); err != nil {
			return err
		}
		if v, ok := any(entity).(domain.Versioned); ok && v.EntityVersion() != 0 && v.EntityVersion() != current.Version {
			return fmt.Errorf("%w: %s %s is at version %d, got %d", domain.ErrConflict, r.name, id, current.Version, v.EntityVersion())
		}

		out = entity.WithIdentity(id, current.Version+1)
		body, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", r.name, err)
		}
		res := tx.Model(&entityModel{}).
			Where("entity_name = ? AND id = ? AND version = ?", r.name, id, current.Version).
			Updates(map[string]any{"body": string(body), "version": current.Version + 1, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("update %s: %w", r.name, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s %s changed concurrently", domain.ErrConflict, r.name, id)
		}
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (r *EntityRepository[T]) Delete(ctx context.Context, id string) (T, error) {
	var zero, out T
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var current entityModel
		if err := r.find(tx.DB, id, &current); err != nil {
			return err
		}
		decoded, err := r.decode(current)
		if err != nil {
			return err
		}
		if err := tx.Where("entity_name = ? AND id = ?", r.name, id).Delete(&entityModel{}).Error; err != nil {
			return fmt.Errorf("delete %s: %w", r.name, err)
		}
		out = decoded
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (r *EntityRepository[T]) find(tx *gorm.DB, id string, row *entityModel) error {
	err := tx.Where("entity_name = ? AND id = ?", r.name, id).First(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, r.name, id)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", r.name, err)
	}
	return nil
}

func (r *EntityRepository[T]) decode(row entityModel) (T, error) {
	var entity T
	if err := json.Unmarshal([]byte(row.Body), &entity); err != nil {
		return entity, fmt.Errorf("decode %s %s: %w", r.name, row.ID, err)
	}
	return entity.WithIdentity(row.ID, row.Version), nil
}
