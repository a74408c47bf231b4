package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/repository"
)

// CategoryService resolves routing categories and enforces category-scoped mutes.
type CategoryService interface {
	Create(ctx context.Context, req dto.CategoryCreateRequest) (models.Category, error)
	ResolveForGuild(ctx context.Context, guildID string) (models.Category, error)
	ResolveByEmoji(ctx context.Context, emoji string) (models.Category, error)
	ResolveByName(ctx context.Context, name string) (models.Category, error)
	ResolveByID(ctx context.Context, id int64) (models.Category, error)
	List(ctx context.Context, activeOnly bool) ([]models.Category, error)
	Deactivate(ctx context.Context, id int64) error
	Reactivate(ctx context.Context, id int64, channelID string) error
	SetPrivate(ctx context.Context, id int64, private bool) error
	Rename(ctx context.Context, id int64, name string) error
	SetEmoji(ctx context.Context, id int64, emoji string) error
	SetDescription(ctx context.Context, id int64, description string) error
	Mute(ctx context.Context, req dto.MuteRequest) (models.Mute, error)
	Unmute(ctx context.Context, userID string, categoryID int64) error
	IsMuted(ctx context.Context, userID string, categoryID int64) (bool, error)
}

type categoryService struct {
	categories repository.CategoryRepository
	mutes      repository.MuteRepository
	validator  *validator.Validate
	logger     zerolog.Logger
	now        func() time.Time
}

// NewCategoryService constructs the category router.
func NewCategoryService(categories repository.CategoryRepository, mutes repository.MuteRepository, validate *validator.Validate, logger zerolog.Logger) CategoryService {
	return &categoryService{
		categories: categories,
		mutes:      mutes,
		validator:  validate,
		logger:     logger.With().Str("component", "category_service").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *categoryService) Create(ctx context.Context, req dto.CategoryCreateRequest) (models.Category, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Emoji = strings.TrimSpace(req.Emoji)
	if err := s.validator.Struct(req); err != nil {
		return models.Category{}, err
	}

	channelID := req.ChannelID
	category := models.Category{
		Name:        req.Name,
		Emoji:       req.Emoji,
		ChannelID:   &channelID,
		GuildID:     req.GuildID,
		IsPrivate:   req.Private,
		Description: strings.TrimSpace(req.Description),
	}
	if err := s.categories.Create(ctx, &category); err != nil {
		return models.Category{}, storageError("create category", err)
	}

	s.logger.Info().Int64("category_id", category.ID).Str("guild_id", category.GuildID).Str("name", category.Name).Msg("category created")
	return category, nil
}

func (s *categoryService) ResolveForGuild(ctx context.Context, guildID string) (models.Category, error) {
	category, err := s.categories.GetActiveByGuild(ctx, guildID)
	return category, storageError("category for guild "+guildID, err)
}

func (s *categoryService) ResolveByEmoji(ctx context.Context, emoji string) (models.Category, error) {
	category, err := s.categories.GetActiveByEmoji(ctx, strings.TrimSpace(emoji))
	return category, storageError("category with emoji "+emoji, err)
}

func (s *categoryService) ResolveByName(ctx context.Context, name string) (models.Category, error) {
	category, err := s.categories.GetActiveByName(ctx, strings.TrimSpace(name))
	return category, storageError("category named "+name, err)
}

// ResolveByID returns the category whether or not it is active, so closed
// history can still display its name.
func (s *categoryService) ResolveByID(ctx context.Context, id int64) (models.Category, error) {
	category, err := s.categories.GetByID(ctx, id)
	return category, storageError(fmt.Sprintf("category %d", id), err)
}

func (s *categoryService) List(ctx context.Context, activeOnly bool) ([]models.Category, error) {
	categories, err := s.categories.List(ctx, activeOnly)
	if err != nil {
		return nil, storageError("list categories", err)
	}
	return categories, nil
}

// Deactivate clears the channel pointer but keeps the row. Open threads under
// the category stay resolvable by channel.
func (s *categoryService) Deactivate(ctx context.Context, id int64) error {
	if err := s.categories.Deactivate(ctx, id); err != nil {
		return storageError(fmt.Sprintf("deactivate category %d", id), err)
	}
	s.logger.Info().Int64("category_id", id).Msg("category deactivated")
	return nil
}

func (s *categoryService) Reactivate(ctx context.Context, id int64, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return fmt.Errorf("reactivate category %d: channel id is required", id)
	}
	if err := s.categories.Reactivate(ctx, id, channelID); err != nil {
		return storageError(fmt.Sprintf("reactivate category %d", id), err)
	}
	s.logger.Info().Int64("category_id", id).Str("channel_id", channelID).Msg("category reactivated")
	return nil
}

func (s *categoryService) SetPrivate(ctx context.Context, id int64, private bool) error {
	return storageError(fmt.Sprintf("category %d", id), s.categories.SetPrivate(ctx, id, private))
}

func (s *categoryService) Rename(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return fmt.Errorf("rename category %d: name must be 1-100 characters", id)
	}
	return storageError(fmt.Sprintf("rename category %d", id), s.categories.SetName(ctx, id, name))
}

func (s *categoryService) SetEmoji(ctx context.Context, id int64, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("set emoji on category %d: emoji is required", id)
	}
	return storageError(fmt.Sprintf("set emoji on category %d", id), s.categories.SetEmoji(ctx, id, emoji))
}

func (s *categoryService) SetDescription(ctx context.Context, id int64, description string) error {
	return storageError(fmt.Sprintf("category %d", id), s.categories.SetDescription(ctx, id, strings.TrimSpace(description)))
}

// Mute stores an absolute expiry so repeated checks agree regardless of when they run.
func (s *categoryService) Mute(ctx context.Context, req dto.MuteRequest) (models.Mute, error) {
	if err := s.validator.Struct(req); err != nil {
		return models.Mute{}, err
	}

	now := s.now()
	till := req.Till.UTC()
	if !till.After(now) {
		return models.Mute{}, fmt.Errorf("mute %s: expiry must be in the future", req.UserID)
	}
	if _, err := s.categories.GetByID(ctx, req.CategoryID); err != nil {
		return models.Mute{}, storageError(fmt.Sprintf("category %d", req.CategoryID), err)
	}

	mute := models.Mute{
		UserID:     req.UserID,
		CategoryID: req.CategoryID,
		Till:       till,
		Reason:     strings.TrimSpace(req.Reason),
	}
	if err := s.mutes.Create(ctx, &mute, now); err != nil {
		return models.Mute{}, storageError("mute "+req.UserID, err)
	}

	s.logger.Info().Str("user_id", mute.UserID).Int64("category_id", mute.CategoryID).Time("till", mute.Till).Msg("user muted")
	return mute, nil
}

func (s *categoryService) Unmute(ctx context.Context, userID string, categoryID int64) error {
	if err := s.mutes.Lift(ctx, userID, categoryID, s.now()); err != nil {
		return storageError("unmute "+userID, err)
	}
	s.logger.Info().Str("user_id", userID).Int64("category_id", categoryID).Msg("user unmuted")
	return nil
}

func (s *categoryService) IsMuted(ctx context.Context, userID string, categoryID int64) (bool, error) {
	_, err := s.mutes.FindActive(ctx, userID, categoryID, s.now())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	default:
		return false, storageError("mute lookup", err)
	}
}
