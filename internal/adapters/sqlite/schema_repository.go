package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
)

type entitySchemaModel struct {
	EntityName string    `gorm:"column:entity_name;primaryKey"`
	SchemaJSON string    `gorm:"column:schema_json;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

func (entitySchemaModel) TableName() string {
	return "entity_schemas"
}

type SchemaRepository struct {
	db *gormsqlite.DB
}

func NewSchemaRepository(db *gormsqlite.DB) *SchemaRepository {
	return &SchemaRepository{db: db}
}

// Upsert keeps the original created_at when a schema is replaced.
func (r *SchemaRepository) Upsert(ctx context.Context, schema domain.EntitySchema) (domain.EntitySchema, error) {
	now := time.Now().UTC()
	model := entitySchemaModel{
		EntityName: schema.EntityName,
		SchemaJSON: string(schema.Schema),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var out domain.EntitySchema
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"schema_json", "updated_at"}),
		}).Create(&model).Error
		if err != nil {
			return fmt.Errorf("upsert schema: %w", err)
		}

		var saved entitySchemaModel
		if err := tx.Where("entity_name = ?", schema.EntityName).First(&saved).Error; err != nil {
			return fmt.Errorf("load upserted schema: %w", err)
		}
		out = toSchemaDomain(saved)
		return nil
	})
	if err != nil {
		return domain.EntitySchema{}, err
	}
	return out, nil
}

func (r *SchemaRepository) Get(ctx context.Context, entityName string) (domain.EntitySchema, error) {
	var model entitySchemaModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("entity_name = ?", entityName).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.EntitySchema{}, domain.ErrNotFound
		}
		return domain.EntitySchema{}, fmt.Errorf("get schema: %w", err)
	}
	return toSchemaDomain(model), nil
}

func (r *SchemaRepository) Delete(ctx context.Context, entityName string) (bool, error) {
	var affected int64
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Where("entity_name = ?", entityName).Delete(&entitySchemaModel{})
		if res.Error != nil {
			return fmt.Errorf("delete schema: %w", res.Error)
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func toSchemaDomain(model entitySchemaModel) domain.EntitySchema {
	return domain.EntitySchema{
		EntityName: model.EntityName,
		Schema:     json.RawMessage(model.SchemaJSON),
		CreatedAt:  model.CreatedAt,
		UpdatedAt:  model.UpdatedAt,
	}
}
