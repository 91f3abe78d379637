package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/deltaledger/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// apiKeyModel maps a token hash to the user its ledger writes are attributed
// to. Raw tokens are never persisted.
type apiKeyModel struct {
	TokenHash string    `gorm:"column:token_hash;primaryKey"`
	UserID    string    `gorm:"column:user_id;not null"`
	Name      string    `gorm:"column:name;not null"`
	Active    bool      `gorm:"column:active;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (apiKeyModel) TableName() string {
	return "api_keys"
}

func (m apiKeyModel) toDomain() domain.APIKey {
	return domain.APIKey{
		TokenHash: m.TokenHash,
		UserID:    m.UserID,
		Name:      m.Name,
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
	}
}

type APIKeyRepository struct {
	db *gormsqlite.DB
}

func NewAPIKeyRepository(db *gormsqlite.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error) {
	var model apiKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("token_hash = ?", tokenHash).First(&model).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.APIKey{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("find api key: %w", err)
	}
	return model.toDomain(), nil
}

// ListByUser returns the user's keys, newest first, revoked ones included.
func (r *APIKeyRepository) ListByUser(ctx context.Context, userID string) ([]domain.APIKey, error) {
	var models []apiKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("user_id = ?", userID).Order("created_at DESC, name ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list api keys of %s: %w", userID, err)
	}
	keys := make([]domain.APIKey, 0, len(models))
	for _, m := range models {
		keys = append(keys, m.toDomain())
	}
	return keys, nil
}

// Upsert keeps the original created_at when a token is re-registered.
func (r *APIKeyRepository) Upsert(ctx context.Context, key domain.APIKey) error {
	model := apiKeyModel{
		TokenHash: key.TokenHash,
		UserID:    key.UserID,
		Name:      key.Name,
		Active:    key.Active,
		CreatedAt: key.CreatedAt,
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "name", "active"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("upsert api key for %s: %w", key.UserID, err)
	}
	return nil
}

func (r *APIKeyRepository) Deactivate(ctx context.Context, tokenHash string) error {
	return r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Model(&apiKeyModel{}).Where("token_hash = ?", tokenHash).Update("active", false)
		if res.Error != nil {
			return fmt.Errorf("deactivate api key: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: api key", domain.ErrNotFound)
		}
		return nil
	})
}
