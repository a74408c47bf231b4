package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/models"
)

// EditRepository appends to the immutable edit log of messages.
type EditRepository interface {
	Append(ctx context.Context, edit *models.Edit) error
	ListByMessages(ctx context.Context, messageIDs []int64) ([]models.Edit, error)
}

type editRepository struct {
	db  *gorm.DB
	ids idgen.Generator
}

// NewEditRepository constructs an edit repository backed by GORM.
func NewEditRepository(db *gorm.DB, ids idgen.Generator) EditRepository {
	return &editRepository{db: db, ids: ids}
}

func (r *editRepository) Append(ctx context.Context, edit *models.Edit) error {
	if edit.ID == 0 {
		edit.ID = r.ids.Next()
	}
	return translate(r.db.WithContext(ctx).Omit("Message").Create(edit).Error)
}

// ListByMessages returns the edits of all given messages in one query, oldest first.
func (r *editRepository) ListByMessages(ctx context.Context, messageIDs []int64) ([]models.Edit, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var edits []models.Edit
	err := r.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Order("edited_at ASC, id ASC").Find(&edits).Error
	if err != nil {
		return nil, err
	}
	return edits, nil
}
