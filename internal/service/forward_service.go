package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/observability"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/repository"
)

const (
	// senderFetchLimit bounds concurrent profile lookups while gathering history.
	senderFetchLimit = 8
	// replayTimeout caps history replay; messages not posted in time are
	// reported as failed and the forward still completes.
	replayTimeout = 90 * time.Second
	// commitTimeout bounds the pointer update and old channel removal, which
	// run detached from the caller's deadline once replay is over.
	commitTimeout = 15 * time.Second
)

// ForwardRequest moves an open thread to another category.
type ForwardRequest struct {
	ThreadID         int64
	TargetCategoryID int64
	Forwarder        render.Person
	AdminOnly        bool
}

// FailedReplay names a history message that did not render in the new channel.
type FailedReplay struct {
	MessageID int64  `json:"message_id,string"`
	Reason    string `json:"reason"`
}

// ForwardResult summarises a forward. The thread is moved even when some
// history failed to replay.
type ForwardResult struct {
	Thread   models.Thread  `json:"thread"`
	Replayed int            `json:"replayed"`
	Skipped  int            `json:"skipped"`
	Failed   []FailedReplay `json:"failed,omitempty"`
}

// ForwardService reassigns threads between categories.
type ForwardService interface {
	Forward(ctx context.Context, req ForwardRequest) (ForwardResult, error)
}

// ForwardStores groups the repositories read while replaying history.
type ForwardStores struct {
	Messages    repository.MessageRepository
	Edits       repository.EditRepository
	Attachments repository.AttachmentRepository
}

type forwardService struct {
	threads    ThreadService
	categories CategoryService
	stores     ForwardStores
	platform   platform.Platform
	locker     ThreadLocker
	events     EventPublisher
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewForwardService constructs the forwarding engine. locker must be shared
// with the relay so relays on a forwarding thread wait for it.
func NewForwardService(
	threads ThreadService,
	categories CategoryService,
	stores ForwardStores,
	p platform.Platform,
	locker ThreadLocker,
	events EventPublisher,
	logger zerolog.Logger,
) ForwardService {
	if locker == nil {
		locker = NewMemoryThreadLocker()
	}
	if events == nil {
		events = NopEventPublisher()
	}
	return &forwardService{
		threads:    threads,
		categories: categories,
		stores:     stores,
		platform:   p,
		locker:     locker,
		events:     events,
		logger:     logger.With().Str("component", "forward_service").Logger(),
		tracer:     otel.Tracer("github.com/newcircuit/modmail/internal/service/forward"),
	}
}

// history is a thread's messages joined with their edits and attachments.
type history struct {
	messages    []models.Message
	senders     map[string]render.Person
	edits       map[int64][]models.Edit
	attachments map[int64][]models.Attachment
}

func (s *forwardService) Forward(ctx context.Context, req ForwardRequest) (ForwardResult, error) {
	ctx, span := s.tracer.Start(ctx, "threads.forward", trace.WithAttributes(
		attribute.Int64("thread.id", req.ThreadID),
		attribute.Int64("category.id", req.TargetCategoryID),
	))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, req.ThreadID)
	if err != nil {
		span.RecordError(err)
		return ForwardResult{}, fmt.Errorf("lock thread %d: %w", req.ThreadID, err)
	}
	defer unlock()

	thread, err := s.threads.Get(ctx, req.ThreadID)
	if err != nil {
		return ForwardResult{}, err
	}
	if !thread.IsOpen {
		return ForwardResult{}, fmt.Errorf("thread %d is closed: %w", thread.ID, ErrNotFound)
	}

	target, err := s.categories.ResolveByID(ctx, req.TargetCategoryID)
	if err != nil {
		return ForwardResult{}, err
	}
	if !target.IsActive || target.ChannelID == nil {
		return ForwardResult{}, fmt.Errorf("%w: %s", ErrCategoryInactive, target.Name)
	}
	if target.ID == thread.CategoryID {
		return ForwardResult{}, fmt.Errorf("%w: thread is already in %s", ErrConflict, target.Name)
	}

	author := s.lookupPerson(ctx, thread.AuthorID)
	adminOnly := req.AdminOnly || target.IsPrivate

	channel, err := s.platform.CreateChannel(ctx, platform.ChannelSpec{
		GuildID:   target.GuildID,
		ParentID:  *target.ChannelID,
		Name:      ChannelName(author),
		Topic:     fmt.Sprintf("Modmail thread for %s", author.ID),
		AdminOnly: adminOnly,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "channel creation failed")
		observability.Forwards().WithLabelValues("failed").Inc()
		return ForwardResult{}, fmt.Errorf("create forward channel: %w", err)
	}

	previous, err := s.threads.CountByUser(ctx, thread.AuthorID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("thread count unavailable for forward header")
	}
	forwarder := req.Forwarder
	if _, err := s.platform.SendToChannel(ctx, channel.ID, render.ThreadHeader(author, target.Name, previous, &forwarder)); err != nil {
		s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("failed to post forward header")
	}

	result := ForwardResult{}
	past, err := s.loadHistory(ctx, thread)
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Int64("thread_id", thread.ID).Msg("history unavailable, forwarding without replay")
		result.Failed = append(result.Failed, FailedReplay{Reason: "history unavailable: " + err.Error()})
	} else {
		replayCtx, cancelReplay := context.WithTimeout(ctx, replayTimeout)
		s.replay(replayCtx, thread, channel.ID, past, &result)
		cancelReplay()
	}

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancelCommit()

	if err := s.threads.Forward(commitCtx, thread.ID, target.ID, channel.ID, adminOnly); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pointer update failed")
		observability.Forwards().WithLabelValues("failed").Inc()
		if delErr := s.platform.DeleteChannel(commitCtx, channel.ID, "Forward could not be recorded"); delErr != nil {
			s.logger.Warn().Err(delErr).Str("channel_id", channel.ID).Msg("failed to remove orphaned forward channel")
		}
		return ForwardResult{}, err
	}

	if err := s.platform.DeleteChannel(commitCtx, thread.ChannelID, "Thread forwarded"); err != nil && !errors.Is(err, platform.ErrNotFound) {
		s.logger.Warn().Err(err).Str("channel_id", thread.ChannelID).Msg("failed to remove previous thread channel")
	}

	thread.CategoryID = target.ID
	thread.ChannelID = channel.ID
	thread.IsAdminOnly = adminOnly
	result.Thread = thread

	outcome := "complete"
	if len(result.Failed) > 0 {
		outcome = "partial"
	}
	observability.Forwards().WithLabelValues(outcome).Inc()
	s.events.Publish(commitCtx, Event{
		Type:       EventThreadForwarded,
		ThreadID:   thread.ID,
		CategoryID: target.ID,
		UserID:     thread.AuthorID,
		ChannelID:  channel.ID,
		AdminOnly:  adminOnly,
	})
	s.logger.Info().
		Int64("thread_id", thread.ID).
		Int64("category_id", target.ID).
		Str("forwarded_by", req.Forwarder.ID).
		Int("replayed", result.Replayed).
		Int("failed", len(result.Failed)).
		Msg("thread forwarded")
	span.SetStatus(codes.Ok, outcome)

	return result, nil
}

// loadHistory fetches messages, then senders, edits and attachments as three
// independent batches joined by message id.
func (s *forwardService) loadHistory(ctx context.Context, thread models.Thread) (history, error) {
	messages, err := s.stores.Messages.ListAll(ctx, thread.ID)
	if err != nil {
		return history{}, storageError("message history", err)
	}

	ids := make([]int64, 0, len(messages))
	senderIDs := make([]string, 0)
	seen := map[string]bool{}
	for _, message := range messages {
		ids = append(ids, message.ID)
		if !seen[message.SenderID] {
			seen[message.SenderID] = true
			senderIDs = append(senderIDs, message.SenderID)
		}
	}

	past := history{messages: messages, senders: make(map[string]render.Person, len(senderIDs))}
	var edits []models.Edit
	var attachments []models.Attachment
	people := make([]render.Person, len(senderIDs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		edits, err = s.stores.Edits.ListByMessages(groupCtx, ids)
		return storageError("edit history", err)
	})
	group.Go(func() error {
		var err error
		attachments, err = s.stores.Attachments.ListByMessages(groupCtx, ids)
		return storageError("attachment history", err)
	})
	group.Go(func() error {
		fetch, fetchCtx := errgroup.WithContext(groupCtx)
		fetch.SetLimit(senderFetchLimit)
		for i, id := range senderIDs {
			fetch.Go(func() error {
				people[i] = s.lookupPerson(fetchCtx, id)
				return nil
			})
		}
		return fetch.Wait()
	})
	if err := group.Wait(); err != nil {
		return history{}, err
	}

	for _, person := range people {
		past.senders[person.ID] = person
	}
	past.edits = make(map[int64][]models.Edit)
	for _, edit := range edits {
		past.edits[edit.MessageID] = append(past.edits[edit.MessageID], edit)
	}
	past.attachments = make(map[int64][]models.Attachment)
	for _, att := range attachments {
		past.attachments[att.MessageID] = append(past.attachments[att.MessageID], att)
	}
	return past, nil
}

// replay posts history sequentially so the new channel keeps the original order.
func (s *forwardService) replay(ctx context.Context, thread models.Thread, channelID string, past history, result *ForwardResult) {
	for _, message := range past.messages {
		if message.IsDeleted {
			result.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, FailedReplay{MessageID: message.ID, Reason: "replay stopped: " + err.Error()})
			continue
		}

		sender := past.senders[message.SenderID]
		if sender.ID == "" {
			sender = render.Person{ID: message.SenderID}
		}
		if message.SenderRole != nil {
			sender.RoleName = RoleTitle(*message.SenderRole)
		}

		var failed error
		for _, card := range replayRenders(thread, message, sender, past.edits[message.ID], past.attachments[message.ID]) {
			if _, err := s.platform.SendToChannel(ctx, channelID, card); err != nil {
				failed = err
				break
			}
		}
		if failed != nil {
			observability.ReplayFailures().Inc()
			s.logger.Warn().Err(failed).Int64("message_id", message.ID).Msg("history message failed to replay")
			result.Failed = append(result.Failed, FailedReplay{MessageID: message.ID, Reason: failed.Error()})
			continue
		}
		result.Replayed++
	}
}

// replayRenders picks one rendering per message: edit chain, then
// attachments, then internal note, then the plain sent/received card.
// Direction is decided against the thread's author.
func replayRenders(thread models.Thread, message models.Message, sender render.Person, edits []models.Edit, attachments []models.Attachment) []render.Message {
	fromUser := message.SenderID == thread.AuthorID

	switch {
	case len(edits) > 0:
		if fromUser {
			return []render.Message{render.EditsReceived(sender, edits)}
		}
		return []render.Message{render.EditsSent(sender, edits)}

	case len(attachments) > 0:
		cards := make([]render.Message, 0, len(attachments))
		for i, att := range attachments {
			var card render.Message
			if fromUser {
				card = render.AttachmentReceived(att, sender)
			} else {
				card = render.AttachmentSent(att, sender, false)
			}
			if i == 0 {
				card.Content = message.Content
				card.Timestamp = message.CreatedAt
			}
			cards = append(cards, card)
		}
		return cards

	case message.IsInternal:
		return []render.Message{render.InternalNote(message.Content, sender, message.CreatedAt)}

	case fromUser:
		return []render.Message{render.MessageReceived(message.Content, sender, message.CreatedAt)}

	default:
		return []render.Message{render.MessageSent(message.Content, sender, false, message.CreatedAt)}
	}
}

func (s *forwardService) lookupPerson(ctx context.Context, userID string) render.Person {
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	person := render.Person{ID: userID}
	user, err := s.platform.FetchUser(lookupCtx, userID)
	if err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Msg("profile lookup failed, using id")
		return person
	}
	person.Name = user.Name
	person.AvatarURL = user.AvatarURL
	return person
}
