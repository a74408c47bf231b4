package service

import (
	"context"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/repository"
)

// QueryService serves read-only projections of relay state to the dashboard.
type QueryService interface {
	ListCategories(ctx context.Context) ([]dto.CategoryResponse, error)
	ListThreads(ctx context.Context, categoryID int64, role models.RoleLevel, query dto.ThreadListQuery) (dto.ThreadListResponse, error)
	GetThread(ctx context.Context, threadID int64, role models.RoleLevel) (dto.ThreadResponse, error)
	ThreadByChannel(ctx context.Context, channelID string, role models.RoleLevel) (dto.ThreadResponse, error)
	ListMessages(ctx context.Context, threadID int64, role models.RoleLevel, query dto.MessageListQuery) (dto.MessagePage, error)
}

// QueryStores groups the repositories the projections read.
type QueryStores struct {
	Categories  repository.CategoryRepository
	Threads     repository.ThreadRepository
	Messages    repository.MessageRepository
	Edits       repository.EditRepository
	Attachments repository.AttachmentRepository
}

type queryService struct {
	stores    QueryStores
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewQueryService constructs the projection service.
func NewQueryService(stores QueryStores, validate *validator.Validate, logger zerolog.Logger) QueryService {
	return &queryService{
		stores:    stores,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "query_service").Logger(),
	}
}

func (s *queryService) ListCategories(ctx context.Context) ([]dto.CategoryResponse, error) {
	categories, err := s.stores.Categories.List(ctx, true)
	if err != nil {
		return nil, storageError("list categories", err)
	}
	return dto.NewCategoryResponseSlice(categories), nil
}

func (s *queryService) ListThreads(ctx context.Context, categoryID int64, role models.RoleLevel, query dto.ThreadListQuery) (dto.ThreadListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.ThreadListResponse{}, err
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = 20
	}

	threads, total, err := s.stores.Threads.ListByCategory(ctx, repository.ThreadFilter{
		CategoryID:       categoryID,
		IncludeAdminOnly: role == models.RoleAdmin,
		OpenOnly:         query.OpenOnly,
		Page:             query.Page,
		PageSize:         query.PageSize,
	})
	if err != nil {
		return dto.ThreadListResponse{}, storageError("list threads", err)
	}

	items := make([]dto.ThreadResponse, 0, len(threads))
	for _, thread := range threads {
		items = append(items, dto.NewThreadResponse(thread))
	}

	return dto.ThreadListResponse{
		Items: items,
		Pagination: dto.PaginationMeta{
			Page:       query.Page,
			PageSize:   query.PageSize,
			TotalItems: total,
			TotalPages: int(math.Ceil(float64(total) / float64(query.PageSize))),
		},
	}, nil
}

func (s *queryService) GetThread(ctx context.Context, threadID int64, role models.RoleLevel) (dto.ThreadResponse, error) {
	thread, err := s.visibleThread(ctx, threadID, role)
	if err != nil {
		return dto.ThreadResponse{}, err
	}
	return dto.NewThreadResponse(thread), nil
}

func (s *queryService) ThreadByChannel(ctx context.Context, channelID string, role models.RoleLevel) (dto.ThreadResponse, error) {
	thread, err := s.stores.Threads.FindOpenByChannel(ctx, channelID)
	if err != nil {
		return dto.ThreadResponse{}, storageError("thread in channel "+channelID, err)
	}
	if thread.IsAdminOnly && role != models.RoleAdmin {
		return dto.ThreadResponse{}, ErrForbidden
	}
	return dto.NewThreadResponse(thread), nil
}

// ListMessages pages a thread by sequence position, attaching each message's
// edit chain and files from two batched lookups.
func (s *queryService) ListMessages(ctx context.Context, threadID int64, role models.RoleLevel, query dto.MessageListQuery) (dto.MessagePage, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.MessagePage{}, err
	}
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if _, err := s.visibleThread(ctx, threadID, role); err != nil {
		return dto.MessagePage{}, err
	}

	messages, err := s.stores.Messages.ListByThread(ctx, threadID, query.After, query.Limit)
	if err != nil {
		return dto.MessagePage{}, storageError("list messages", err)
	}
	ids := make([]int64, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}

	var (
		edits       []models.Edit
		attachments []models.Attachment
		total       int64
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		edits, err = s.stores.Edits.ListByMessages(groupCtx, ids)
		return storageError("edits", err)
	})
	group.Go(func() error {
		var err error
		attachments, err = s.stores.Attachments.ListByMessages(groupCtx, ids)
		return storageError("attachments", err)
	})
	group.Go(func() error {
		var err error
		total, err = s.stores.Messages.CountByThread(groupCtx, threadID)
		return storageError("message count", err)
	})
	if err := group.Wait(); err != nil {
		return dto.MessagePage{}, err
	}

	editsBy := make(map[int64][]dto.EditResponse)
	for _, edit := range edits {
		editsBy[edit.MessageID] = append(editsBy[edit.MessageID], dto.EditResponse{
			Before:   s.sanitizer.Sanitize(edit.Before),
			After:    s.sanitizer.Sanitize(edit.After),
			EditedAt: edit.EditedAt,
		})
	}
	filesBy := make(map[int64][]dto.AttachmentResponse)
	for _, att := range attachments {
		filesBy[att.MessageID] = append(filesBy[att.MessageID], dto.AttachmentResponse{
			ID:        att.ID,
			Kind:      string(att.Kind),
			Name:      s.sanitizer.Sanitize(att.Name),
			SourceURL: att.SourceURL,
		})
	}

	page := dto.MessagePage{Items: make([]dto.MessageResponse, 0, len(messages)), Total: total}
	for _, message := range messages {
		item := dto.MessageResponse{
			ID:          message.ID,
			Position:    message.Position,
			SenderID:    message.SenderID,
			Content:     s.sanitizer.Sanitize(message.Content),
			IsInternal:  message.IsInternal,
			IsAnonymous: message.IsAnonymous,
			IsDeleted:   message.IsDeleted,
			CreatedAt:   message.CreatedAt,
			Edits:       editsBy[message.ID],
			Attachments: filesBy[message.ID],
		}
		if message.SenderRole != nil {
			item.SenderRole = string(*message.SenderRole)
		}
		if item.Edits == nil {
			item.Edits = []dto.EditResponse{}
		}
		if item.Attachments == nil {
			item.Attachments = []dto.AttachmentResponse{}
		}
		page.Items = append(page.Items, item)
	}
	if len(messages) == query.Limit {
		page.NextAfter = messages[len(messages)-1].Position
	}

	return page, nil
}

func (s *queryService) visibleThread(ctx context.Context, threadID int64, role models.RoleLevel) (models.Thread, error) {
	thread, err := s.stores.Threads.GetByID(ctx, threadID)
	if err != nil {
		return models.Thread{}, storageError(fmt.Sprintf("thread %d", threadID), err)
	}
	if thread.IsAdminOnly && role != models.RoleAdmin {
		return models.Thread{}, ErrForbidden
	}
	return thread, nil
}
