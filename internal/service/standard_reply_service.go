package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/repository"
)

// StandardReplyService manages canned replies. Names are case-insensitive.
type StandardReplyService interface {
	Create(ctx context.Context, req dto.StandardReplyCreateRequest) (models.StandardReply, error)
	Resolve(ctx context.Context, name string) (models.StandardReply, error)
	List(ctx context.Context) ([]models.StandardReply, error)
}

var errStandardReplyName = errors.New("standard reply names are a single word")

type standardReplyService struct {
	replies   repository.StandardReplyRepository
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewStandardReplyService constructs the canned reply store.
func NewStandardReplyService(replies repository.StandardReplyRepository, validate *validator.Validate, logger zerolog.Logger) StandardReplyService {
	return &standardReplyService{
		replies:   replies,
		validator: validate,
		logger:    logger.With().Str("component", "standard_reply_service").Logger(),
	}
}

func (s *standardReplyService) Create(ctx context.Context, req dto.StandardReplyCreateRequest) (models.StandardReply, error) {
	req.Name = strings.ToLower(strings.TrimSpace(req.Name))
	req.Content = strings.TrimSpace(req.Content)
	if err := s.validator.Struct(req); err != nil {
		return models.StandardReply{}, err
	}
	if strings.ContainsAny(req.Name, " \t\r\n") {
		return models.StandardReply{}, errStandardReplyName
	}

	reply := models.StandardReply{Name: req.Name, Content: req.Content}
	if err := s.replies.Create(ctx, &reply); err != nil {
		return models.StandardReply{}, storageError("create standard reply", err)
	}

	s.logger.Info().Int64("standard_reply_id", reply.ID).Str("name", reply.Name).Msg("standard reply created")
	return reply, nil
}

func (s *standardReplyService) Resolve(ctx context.Context, name string) (models.StandardReply, error) {
	reply, err := s.replies.GetByName(ctx, strings.ToLower(strings.TrimSpace(name)))
	return reply, storageError("standard reply "+name, err)
}

func (s *standardReplyService) List(ctx context.Context) ([]models.StandardReply, error) {
	replies, err := s.replies.List(ctx)
	return replies, storageError("list standard replies", err)
}
