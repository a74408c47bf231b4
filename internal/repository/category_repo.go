package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/models"
)

// CategoryRepository persists routing categories.
type CategoryRepository interface {
	Create(ctx context.Context, category *models.Category) error
	GetByID(ctx context.Context, id int64) (models.Category, error)
	GetActiveByGuild(ctx context.Context, guildID string) (models.Category, error)
	GetActiveByEmoji(ctx context.Context, emoji string) (models.Category, error)
	GetActiveByName(ctx context.Context, name string) (models.Category, error)
	List(ctx context.Context, activeOnly bool) ([]models.Category, error)
	Deactivate(ctx context.Context, id int64) error
	Reactivate(ctx context.Context, id int64, channelID string) error
	SetName(ctx context.Context, id int64, name string) error
	SetEmoji(ctx context.Context, id int64, emoji string) error
	SetPrivate(ctx context.Context, id int64, private bool) error
	SetDescription(ctx context.Context, id int64, description string) error
}

type categoryRepository struct {
	db  *gorm.DB
	ids idgen.Generator
}

// NewCategoryRepository constructs a category repository backed by GORM.
func NewCategoryRepository(db *gorm.DB, ids idgen.Generator) CategoryRepository {
	return &categoryRepository{db: db, ids: ids}
}

func (r *categoryRepository) Create(ctx context.Context, category *models.Category) error {
	if category.ID == 0 {
		category.ID = r.ids.Next()
	}
	category.IsActive = true

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkActiveConflicts(tx, *category); err != nil {
			return err
		}
		return translate(tx.Create(category).Error)
	})
}

func (r *categoryRepository) GetByID(ctx context.Context, id int64) (models.Category, error) {
	var category models.Category
	err := r.db.WithContext(ctx).First(&category, "id = ?", id).Error
	return category, translate(err)
}

func (r *categoryRepository) GetActiveByGuild(ctx context.Context, guildID string) (models.Category, error) {
	return r.firstActive(ctx, "guild_id = ?", guildID)
}

func (r *categoryRepository) GetActiveByEmoji(ctx context.Context, emoji string) (models.Category, error) {
	return r.firstActive(ctx, "emoji = ?", emoji)
}

func (r *categoryRepository) GetActiveByName(ctx context.Context, name string) (models.Category, error) {
	return r.firstActive(ctx, "LOWER(name) = LOWER(?)", name)
}

func (r *categoryRepository) firstActive(ctx context.Context, query string, arg interface{}) (models.Category, error) {
	var category models.Category
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Where(query, arg).First(&category).Error
	return category, translate(err)
}

func (r *categoryRepository) List(ctx context.Context, activeOnly bool) ([]models.Category, error) {
	query := r.db.WithContext(ctx).Model(&models.Category{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}

	var categories []models.Category
	if err := query.Order("name ASC").Find(&categories).Error; err != nil {
		return nil, err
	}
	return categories, nil
}

// Deactivate keeps the row so historical threads still resolve a name.
func (r *categoryRepository) Deactivate(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]interface{}{"is_active": false, "channel_id": nil})
}

func (r *categoryRepository) Reactivate(ctx context.Context, id int64, channelID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var category models.Category
		if err := tx.First(&category, "id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := checkActiveConflicts(tx, category); err != nil {
			return err
		}
		return translate(tx.Model(&models.Category{}).Where("id = ?", id).
			Updates(map[string]interface{}{"is_active": true, "channel_id": channelID}).Error)
	})
}

func (r *categoryRepository) SetName(ctx context.Context, id int64, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var clash int64
		if err := tx.Model(&models.Category{}).
			Where("is_active = ? AND id <> ? AND LOWER(name) = LOWER(?)", true, id, name).
			Count(&clash).Error; err != nil {
			return err
		}
		if clash > 0 {
			return fmt.Errorf("%w: name %q is taken", ErrDuplicate, name)
		}
		return r.updateTx(tx, id, map[string]interface{}{"name": name})
	})
}

func (r *categoryRepository) SetEmoji(ctx context.Context, id int64, emoji string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var clash int64
		if err := tx.Model(&models.Category{}).
			Where("is_active = ? AND id <> ? AND emoji = ?", true, id, emoji).
			Count(&clash).Error; err != nil {
			return err
		}
		if clash > 0 {
			return fmt.Errorf("%w: emoji %q is taken", ErrDuplicate, emoji)
		}
		return r.updateTx(tx, id, map[string]interface{}{"emoji": emoji})
	})
}

func (r *categoryRepository) SetPrivate(ctx context.Context, id int64, private bool) error {
	return r.update(ctx, id, map[string]interface{}{"is_private": private})
}

func (r *categoryRepository) SetDescription(ctx context.Context, id int64, description string) error {
	return r.update(ctx, id, map[string]interface{}{"description": description})
}

func (r *categoryRepository) update(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.updateTx(r.db.WithContext(ctx), id, fields)
}

func (r *categoryRepository) updateTx(tx *gorm.DB, id int64, fields map[string]interface{}) error {
	result := tx.Model(&models.Category{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// checkActiveConflicts enforces one active category per guild and unique
// name and emoji among active categories.
func checkActiveConflicts(tx *gorm.DB, category models.Category) error {
	var existing []models.Category
	err := tx.Where("is_active = ? AND id <> ?", true, category.ID).
		Where("guild_id = ? OR LOWER(name) = LOWER(?) OR emoji = ?", category.GuildID, category.Name, category.Emoji).
		Find(&existing).Error
	if err != nil {
		return err
	}

	for _, other := range existing {
		switch {
		case other.GuildID == category.GuildID:
			return fmt.Errorf("%w: guild %s already has an active category", ErrDuplicate, category.GuildID)
		case other.Emoji == category.Emoji:
			return fmt.Errorf("%w: emoji %q is taken", ErrDuplicate, category.Emoji)
		default:
			return fmt.Errorf("%w: name %q is taken", ErrDuplicate, category.Name)
		}
	}
	return nil
}
