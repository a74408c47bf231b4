package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/models"
)

// ThreadFilter narrows thread listings for the read-only API.
type ThreadFilter struct {
	CategoryID       int64
	IncludeAdminOnly bool
	OpenOnly         bool
	Page             int
	PageSize         int
}

// ThreadRepository persists thread lifecycle state.
type ThreadRepository interface {
	Create(ctx context.Context, thread *models.Thread) error
	GetByID(ctx context.Context, id int64) (models.Thread, error)
	FindOpenByAuthor(ctx context.Context, authorID string) (models.Thread, error)
	FindOpenByChannel(ctx context.Context, channelID string) (models.Thread, error)
	ListByCategory(ctx context.Context, filter ThreadFilter) ([]models.Thread, int64, error)
	CountByAuthor(ctx context.Context, authorID string) (int64, error)
	Close(ctx context.Context, id int64, closedAt time.Time) error
	UpdatePointers(ctx context.Context, id, categoryID int64, channelID string, adminOnly bool) error
}

type threadRepository struct {
	db  *gorm.DB
	ids idgen.Generator
}

// NewThreadRepository constructs a thread repository backed by GORM.
func NewThreadRepository(db *gorm.DB, ids idgen.Generator) ThreadRepository {
	return &threadRepository{db: db, ids: ids}
}

// Create opens a thread. It fails with ErrDuplicate when the author already
// has an open thread or the channel is bound to another open thread.
func (r *threadRepository) Create(ctx context.Context, thread *models.Thread) error {
	if thread.ID == 0 {
		thread.ID = r.ids.Next()
	}
	thread.IsOpen = true
	thread.ClosedAt = nil

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&models.Thread{}).
			Where("is_open = ? AND (author_id = ? OR channel_id = ?)", true, thread.AuthorID, thread.ChannelID).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: user %s already has an open thread", ErrDuplicate, thread.AuthorID)
		}
		return translate(tx.Omit("Author", "Category").Create(thread).Error)
	})
}

func (r *threadRepository) GetByID(ctx context.Context, id int64) (models.Thread, error) {
	var thread models.Thread
	err := r.db.WithContext(ctx).First(&thread, "id = ?", id).Error
	return thread, translate(err)
}

func (r *threadRepository) FindOpenByAuthor(ctx context.Context, authorID string) (models.Thread, error) {
	var thread models.Thread
	err := r.db.WithContext(ctx).Where("is_open = ? AND author_id = ?", true, authorID).First(&thread).Error
	return thread, translate(err)
}

func (r *threadRepository) FindOpenByChannel(ctx context.Context, channelID string) (models.Thread, error) {
	var thread models.Thread
	err := r.db.WithContext(ctx).Where("is_open = ? AND channel_id = ?", true, channelID).First(&thread).Error
	return thread, translate(err)
}

func (r *threadRepository) ListByCategory(ctx context.Context, filter ThreadFilter) ([]models.Thread, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Thread{}).Where("category_id = ?", filter.CategoryID)
	if !filter.IncludeAdminOnly {
		query = query.Where("is_admin_only = ?", false)
	}
	if filter.OpenOnly {
		query = query.Where("is_open = ?", true)
	}

	countQuery := query.Session(&gorm.Session{})
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := normalizeLimit(filter.PageSize, 20, 100)

	var threads []models.Thread
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&threads).Error; err != nil {
		return nil, 0, err
	}

	return threads, total, nil
}

func (r *threadRepository) CountByAuthor(ctx context.Context, authorID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Thread{}).Where("author_id = ?", authorID).Count(&count).Error
	return count, err
}

// Close is terminal; closing an already closed thread reports ErrNotFound.
func (r *threadRepository) Close(ctx context.Context, id int64, closedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ? AND is_open = ?", id, true).
		Updates(map[string]interface{}{"is_open": false, "closed_at": closedAt})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePointers moves an open thread to another category and channel in a
// single statement. Message history and timestamps are untouched.
func (r *threadRepository) UpdatePointers(ctx context.Context, id, categoryID int64, channelID string, adminOnly bool) error {
	result := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ? AND is_open = ?", id, true).
		Updates(map[string]interface{}{"category_id": categoryID, "channel_id": channelID, "is_admin_only": adminOnly})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
