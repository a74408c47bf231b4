package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/models"
)

// MessageRepository persists relayed messages.
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id int64) (models.Message, error)
	FindByPlatformID(ctx context.Context, platformID string) (models.Message, error)
	LastFrom(ctx context.Context, threadID int64, senderID string) (models.Message, error)
	ListByThread(ctx context.Context, threadID int64, after int64, limit int) ([]models.Message, error)
	ListAll(ctx context.Context, threadID int64) ([]models.Message, error)
	CountByThread(ctx context.Context, threadID int64) (int64, error)
	MarkDeleted(ctx context.Context, id int64) error
}

type messageRepository struct {
	db  *gorm.DB
	ids idgen.Generator
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB, ids idgen.Generator) MessageRepository {
	return &messageRepository{db: db, ids: ids}
}

// Create assigns an identifier and, unless set, uses it as the sequence position.
func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	if message.ID == 0 {
		message.ID = r.ids.Next()
	}
	if message.Position == 0 {
		message.Position = message.ID
	}
	return translate(r.db.WithContext(ctx).Omit("Thread").Create(message).Error)
}

func (r *messageRepository) GetByID(ctx context.Context, id int64) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).First(&message, "id = ?", id).Error
	return message, translate(err)
}

// FindByPlatformID resolves a message by either its origin or mirror identifier.
func (r *messageRepository) FindByPlatformID(ctx context.Context, platformID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("origin_id = ? OR mirror_id = ?", platformID, platformID).
		Order("id DESC").
		First(&message).Error
	return message, translate(err)
}

func (r *messageRepository) LastFrom(ctx context.Context, threadID int64, senderID string) (models.Message, error) {
	var message models.Message
	err := r.db.WithContext(ctx).
		Where("thread_id = ? AND sender_id = ? AND is_deleted = ?", threadID, senderID, false).
		Order("position DESC, id DESC").
		First(&message).Error
	return message, translate(err)
}

// ListByThread pages through a thread ordered by sequence position, starting after the given position.
func (r *messageRepository) ListByThread(ctx context.Context, threadID int64, after int64, limit int) ([]models.Message, error) {
	query := r.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if after > 0 {
		query = query.Where("position > ?", after)
	}

	var messages []models.Message
	err := query.Order("position ASC, id ASC").Limit(normalizeLimit(limit, 50, 200)).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) ListAll(ctx context.Context, threadID int64) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("position ASC, id ASC").Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) CountByThread(ctx context.Context, threadID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).Where("thread_id = ?", threadID).Count(&count).Error
	return count, err
}

// MarkDeleted flags the message; rows are never removed.
func (r *messageRepository) MarkDeleted(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Update("is_deleted", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
