package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/observability"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/repository"
)

// ThreadService owns the lifecycle of user-to-channel mappings.
type ThreadService interface {
	FindOpenByUser(ctx context.Context, userID string) (models.Thread, error)
	FindOpenByChannel(ctx context.Context, channelID string) (models.Thread, error)
	Get(ctx context.Context, id int64) (models.Thread, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	Open(ctx context.Context, user render.Person, category models.Category) (models.Thread, error)
	OpenOrGet(ctx context.Context, user render.Person, categoryID int64) (models.Thread, bool, error)
	Close(ctx context.Context, threadID int64, closedBy string) error
	Forward(ctx context.Context, threadID, categoryID int64, channelID string, adminOnly bool) error
	Shutdown(ctx context.Context) error
}

// ThreadConfig tunes thread lifecycle behaviour.
type ThreadConfig struct {
	// CloseDelay is how long a closed thread's channel stays up so the close notice renders.
	CloseDelay time.Duration
}

type threadService struct {
	threads    repository.ThreadRepository
	users      repository.UserRepository
	categories CategoryService
	platform   platform.Platform
	locker     ThreadLocker
	events     EventPublisher
	config     ThreadConfig
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	teardowns sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewThreadService constructs the thread registry.
func NewThreadService(
	threads repository.ThreadRepository,
	users repository.UserRepository,
	categories CategoryService,
	p platform.Platform,
	locker ThreadLocker,
	events EventPublisher,
	cfg ThreadConfig,
	logger zerolog.Logger,
) ThreadService {
	if locker == nil {
		locker = NewMemoryThreadLocker()
	}
	if events == nil {
		events = NopEventPublisher()
	}
	return &threadService{
		threads:    threads,
		users:      users,
		categories: categories,
		platform:   p,
		locker:     locker,
		events:     events,
		config:     cfg,
		logger:     logger.With().Str("component", "thread_service").Logger(),
		tracer:     otel.Tracer("github.com/newcircuit/modmail/internal/service/thread"),
		now:        func() time.Time { return time.Now().UTC() },
		stop:       make(chan struct{}),
	}
}

func (s *threadService) FindOpenByUser(ctx context.Context, userID string) (models.Thread, error) {
	thread, err := s.threads.FindOpenByAuthor(ctx, userID)
	return thread, storageError("open thread for user "+userID, err)
}

func (s *threadService) FindOpenByChannel(ctx context.Context, channelID string) (models.Thread, error) {
	thread, err := s.threads.FindOpenByChannel(ctx, channelID)
	return thread, storageError("open thread in channel "+channelID, err)
}

func (s *threadService) Get(ctx context.Context, id int64) (models.Thread, error) {
	thread, err := s.threads.GetByID(ctx, id)
	return thread, storageError(fmt.Sprintf("thread %d", id), err)
}

func (s *threadService) CountByUser(ctx context.Context, userID string) (int64, error) {
	count, err := s.threads.CountByAuthor(ctx, userID)
	if err != nil {
		return 0, storageError("thread count", err)
	}
	return count, nil
}

// OpenOrGet returns the user's open thread, opening one in the category when
// none exists. Mutes only block opening; an existing thread is always returned.
func (s *threadService) OpenOrGet(ctx context.Context, user render.Person, categoryID int64) (models.Thread, bool, error) {
	existing, err := s.FindOpenByUser(ctx, user.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Thread{}, false, err
	}

	category, err := s.categories.ResolveByID(ctx, categoryID)
	if err != nil {
		return models.Thread{}, false, err
	}

	muted, err := s.categories.IsMuted(ctx, user.ID, category.ID)
	if err != nil {
		return models.Thread{}, false, err
	}
	if muted {
		return models.Thread{}, false, fmt.Errorf("%w: %s", ErrUserMuted, category.Name)
	}

	thread, err := s.Open(ctx, user, category)
	if err != nil {
		return models.Thread{}, false, err
	}
	return thread, true, nil
}

// Open creates the staff channel and records the thread. The channel is
// removed again when the record cannot be written.
func (s *threadService) Open(ctx context.Context, user render.Person, category models.Category) (models.Thread, error) {
	ctx, span := s.tracer.Start(ctx, "threads.open", trace.WithAttributes(
		attribute.String("user.id", user.ID),
		attribute.Int64("category.id", category.ID),
	))
	defer span.End()

	if !category.IsActive || category.ChannelID == nil {
		span.SetStatus(codes.Error, "category inactive")
		return models.Thread{}, fmt.Errorf("%w: %s", ErrCategoryInactive, category.Name)
	}

	if _, err := s.threads.FindOpenByAuthor(ctx, user.ID); err == nil {
		span.SetStatus(codes.Error, "thread already open")
		return models.Thread{}, fmt.Errorf("%w: user %s already has an open thread", ErrConflict, user.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		return models.Thread{}, storageError("open thread lookup", err)
	}

	if err := s.users.Ensure(ctx, user.ID); err != nil {
		span.RecordError(err)
		return models.Thread{}, storageError("ensure user", err)
	}
	previous, err := s.threads.CountByAuthor(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		return models.Thread{}, storageError("thread count", err)
	}

	channel, err := s.platform.CreateChannel(ctx, platform.ChannelSpec{
		GuildID:   category.GuildID,
		ParentID:  *category.ChannelID,
		Name:      ChannelName(user),
		Topic:     fmt.Sprintf("Modmail thread for %s", user.ID),
		AdminOnly: category.IsPrivate,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "channel creation failed")
		return models.Thread{}, fmt.Errorf("create thread channel: %w", err)
	}

	thread := models.Thread{
		AuthorID:    user.ID,
		CategoryID:  category.ID,
		ChannelID:   channel.ID,
		IsAdminOnly: category.IsPrivate,
		IsOpen:      true,
		CreatedAt:   s.now(),
	}
	if err := s.threads.Create(ctx, &thread); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		if delErr := s.platform.DeleteChannel(context.WithoutCancel(ctx), channel.ID, "Thread could not be recorded"); delErr != nil {
			s.logger.Warn().Err(delErr).Str("channel_id", channel.ID).Msg("failed to remove orphaned thread channel")
		}
		return models.Thread{}, storageError("create thread", err)
	}

	if _, err := s.platform.SendToChannel(ctx, channel.ID, render.ThreadHeader(user, category.Name, previous, nil)); err != nil {
		s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("failed to post thread header")
	}
	if _, err := s.platform.SendDirect(ctx, user.ID, render.ThreadOpenedClient(category.Name)); err != nil {
		s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("failed to notify user of new thread")
	}

	observability.Threads().WithLabelValues("opened").Inc()
	s.events.Publish(ctx, Event{
		Type:       EventThreadOpened,
		ThreadID:   thread.ID,
		CategoryID: thread.CategoryID,
		UserID:     thread.AuthorID,
		ChannelID:  thread.ChannelID,
		AdminOnly:  thread.IsAdminOnly,
	})
	s.logger.Info().Int64("thread_id", thread.ID).Str("user_id", user.ID).Int64("category_id", category.ID).Msg("thread opened")
	span.SetStatus(codes.Ok, "opened")

	return thread, nil
}

// Close notifies the user, records the close and schedules the channel for
// deletion. A failed teardown leaves the close in place.
func (s *threadService) Close(ctx context.Context, threadID int64, closedBy string) error {
	ctx, span := s.tracer.Start(ctx, "threads.close", trace.WithAttributes(attribute.Int64("thread.id", threadID)))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("lock thread %d: %w", threadID, err)
	}
	defer unlock()

	thread, err := s.threads.GetByID(ctx, threadID)
	if err != nil {
		return storageError(fmt.Sprintf("thread %d", threadID), err)
	}
	if !thread.IsOpen {
		return fmt.Errorf("thread %d is closed: %w", threadID, ErrNotFound)
	}

	if _, err := s.platform.SendDirect(ctx, thread.AuthorID, render.CloseThreadClient()); err != nil {
		s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("failed to notify user of close")
	}

	if err := s.threads.Close(ctx, thread.ID, s.now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return storageError(fmt.Sprintf("close thread %d", threadID), err)
	}

	if _, err := s.platform.SendToChannel(ctx, thread.ChannelID, render.CloseThread()); err != nil {
		s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("failed to post close notice")
	}

	s.scheduleTeardown(thread.ID, thread.ChannelID)

	observability.Threads().WithLabelValues("closed").Inc()
	s.events.Publish(ctx, Event{
		Type:       EventThreadClosed,
		ThreadID:   thread.ID,
		CategoryID: thread.CategoryID,
		UserID:     thread.AuthorID,
		ChannelID:  thread.ChannelID,
		AdminOnly:  thread.IsAdminOnly,
	})
	s.logger.Info().Int64("thread_id", thread.ID).Str("closed_by", closedBy).Msg("thread closed")
	span.SetStatus(codes.Ok, "closed")
	return nil
}

func (s *threadService) scheduleTeardown(threadID int64, channelID string) {
	s.teardowns.Add(1)
	go func() {
		defer s.teardowns.Done()

		timer := time.NewTimer(s.config.CloseDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stop:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.platform.DeleteChannel(ctx, channelID, "Thread closed"); err != nil && !errors.Is(err, platform.ErrNotFound) {
			s.logger.Warn().Err(err).Int64("thread_id", threadID).Str("channel_id", channelID).Msg("thread channel teardown failed")
		}
	}()
}

// Forward moves an open thread to another category and channel in place.
func (s *threadService) Forward(ctx context.Context, threadID, categoryID int64, channelID string, adminOnly bool) error {
	err := s.threads.UpdatePointers(ctx, threadID, categoryID, channelID, adminOnly)
	return storageError(fmt.Sprintf("forward thread %d", threadID), err)
}

// Shutdown cuts pending close delays short and waits for channel teardown.
func (s *threadService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.teardowns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChannelName derives a platform-safe channel name from the user's display name.
func ChannelName(user render.Person) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(user.DisplayName()) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}

	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "thread"
	}
	if len(name) > 80 {
		name = name[:80]
	}

	suffix := user.ID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	if suffix == "" || strings.HasSuffix(name, suffix) {
		return name
	}
	return name + "-" + suffix
}
