package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/newcircuit/modmail/internal/idgen"
	"github.com/newcircuit/modmail/internal/models"
)

// StandardReplyRepository persists canned staff replies.
type StandardReplyRepository interface {
	Create(ctx context.Context, reply *models.StandardReply) error
	GetByName(ctx context.Context, name string) (models.StandardReply, error)
	List(ctx context.Context) ([]models.StandardReply, error)
}

type standardReplyRepository struct {
	db  *gorm.DB
	ids idgen.Generator
}

// NewStandardReplyRepository constructs a standard reply repository backed by GORM.
func NewStandardReplyRepository(db *gorm.DB, ids idgen.Generator) StandardReplyRepository {
	return &standardReplyRepository{db: db, ids: ids}
}

// Create fails with ErrDuplicate when the name is taken.
func (r *standardReplyRepository) Create(ctx context.Context, reply *models.StandardReply) error {
	if reply.ID == 0 {
		reply.ID = r.ids.Next()
	}
	return translate(r.db.WithContext(ctx).Create(reply).Error)
}

func (r *standardReplyRepository) GetByName(ctx context.Context, name string) (models.StandardReply, error) {
	var reply models.StandardReply
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&reply).Error
	return reply, translate(err)
}

func (r *standardReplyRepository) List(ctx context.Context) ([]models.StandardReply, error) {
	var replies []models.StandardReply
	err := r.db.WithContext(ctx).Order("name ASC").Find(&replies).Error
	return replies, translate(err)
}
