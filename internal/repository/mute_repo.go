package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/models"
)

// MuteRepository persists category-scoped mutes.
type MuteRepository interface {
	Create(ctx context.Context, mute *models.Mute, now time.Time) error
	FindActive(ctx context.Context, userID string, categoryID int64, now time.Time) (models.Mute, error)
	Lift(ctx context.Context, userID string, categoryID int64, now time.Time) error
}

type muteRepository struct {
	db  *gorm.DB
	ids idgen.Generator
}

// NewMuteRepository constructs a mute repository backed by GORM.
func NewMuteRepository(db *gorm.DB, ids idgen.Generator) MuteRepository {
	return &muteRepository{db: db, ids: ids}
}

// Create fails with ErrDuplicate when an unexpired mute already exists.
func (r *muteRepository) Create(ctx context.Context, mute *models.Mute, now time.Time) error {
	if mute.ID == 0 {
		mute.ID = r.ids.Next()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.Mute{}).
			Where("user_id = ? AND category_id = ? AND till > ?", mute.UserID, mute.CategoryID, now).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: user %s is already muted", ErrDuplicate, mute.UserID)
		}
		return translate(tx.Omit("Category").Create(mute).Error)
	})
}

func (r *muteRepository) FindActive(ctx context.Context, userID string, categoryID int64, now time.Time) (models.Mute, error) {
	var mute models.Mute
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND category_id = ? AND till > ?", userID, categoryID, now).
		Order("till DESC").
		First(&mute).Error
	return mute, translate(err)
}

// Lift expires every active mute by moving its deadline to now.
func (r *muteRepository) Lift(ctx context.Context, userID string, categoryID int64, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Mute{}).
		Where("user_id = ? AND category_id = ? AND till > ?", userID, categoryID, now).
		Update("till", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
