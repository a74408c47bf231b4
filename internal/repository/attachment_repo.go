package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/models"
)

// AttachmentRepository persists files bound to relayed messages.
type AttachmentRepository interface {
	Create(ctx context.Context, attachment *models.Attachment) error
	ListByMessages(ctx context.Context, messageIDs []int64) ([]models.Attachment, error)
	GetByMirrorID(ctx context.Context, mirrorID string) (models.Attachment, error)
}

type attachmentRepository struct {
	db  *gorm.DB
	ids idgen.Generator
}

// NewAttachmentRepository constructs an attachment repository backed by GORM.
func NewAttachmentRepository(db *gorm.DB, ids idgen.Generator) AttachmentRepository {
	return &attachmentRepository{db: db, ids: ids}
}

func (r *attachmentRepository) Create(ctx context.Context, attachment *models.Attachment) error {
	if attachment.ID == 0 {
		attachment.ID = r.ids.Next()
	}
	return translate(r.db.WithContext(ctx).Omit("Message").Create(attachment).Error)
}

func (r *attachmentRepository) ListByMessages(ctx context.Context, messageIDs []int64) ([]models.Attachment, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var attachments []models.Attachment
	err := r.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Order("id ASC").Find(&attachments).Error
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

func (r *attachmentRepository) GetByMirrorID(ctx context.Context, mirrorID string) (models.Attachment, error) {
	var attachment models.Attachment
	err := r.db.WithContext(ctx).Where("mirror_id = ?", mirrorID).First(&attachment).Error
	return attachment, translate(err)
}
