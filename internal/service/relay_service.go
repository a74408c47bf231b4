package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"mvdan.cc/xurls/v2"

	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/observability"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/repository"
)

// ReceiptEmoji acknowledges a user's message once it is on record.
const ReceiptEmoji = "✅"

// UserMessage is a direct message from the thread's author.
type UserMessage struct {
	ThreadID    int64
	Author      render.Person
	MessageID   string
	Content     string
	Attachments []AttachmentRef
}

// StaffMessage is a reply or note written by staff in the thread channel.
type StaffMessage struct {
	ThreadID         int64
	Staff            render.Person
	Role             models.RoleLevel
	Content          string
	Attachments      []AttachmentRef
	Anonymous        bool
	CommandChannelID string
	CommandMessageID string
}

// RelayResult is the persisted outcome of a relay. Failed lists attachments
// that could not be relayed; the message itself still went through.
type RelayResult struct {
	Message     models.Message
	Attachments []models.Attachment
	Failed      []AttachmentFailure
}

// RelayService moves messages between a user's direct messages and the staff channel.
type RelayService interface {
	RelayFromUser(ctx context.Context, msg UserMessage) (RelayResult, error)
	RelayFromStaff(ctx context.Context, msg StaffMessage) (RelayResult, error)
	RelayInternal(ctx context.Context, msg StaffMessage) (models.Message, error)
	PropagateEdit(ctx context.Context, platformMessageID, content string) (models.Edit, error)
	PropagateDelete(ctx context.Context, platformMessageID string) (models.Message, error)
	DeleteLast(ctx context.Context, threadID int64, senderID string) (models.Message, error)
	DeleteInThread(ctx context.Context, threadID int64, ref string) (models.Message, error)
}

// RelayStores groups the repositories the relay writes to.
type RelayStores struct {
	Threads     repository.ThreadRepository
	Messages    repository.MessageRepository
	Edits       repository.EditRepository
	Attachments repository.AttachmentRepository
	Users       repository.UserRepository
}

type relayService struct {
	stores   RelayStores
	platform platform.Platform
	files    attachmentPreparer
	locker   ThreadLocker
	events   EventPublisher
	links    *regexp.Regexp
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewRelayService constructs the message relay. storage may be nil, in which
// case attachments keep their platform URLs.
func NewRelayService(stores RelayStores, p platform.Platform, storage FileStorage, locker ThreadLocker, events EventPublisher, logger zerolog.Logger) RelayService {
	if locker == nil {
		locker = NewMemoryThreadLocker()
	}
	if events == nil {
		events = NopEventPublisher()
	}
	logger = logger.With().Str("component", "relay_service").Logger()
	return &relayService{
		stores:   stores,
		platform: p,
		files:    attachmentPreparer{platform: p, storage: storage, logger: logger},
		locker:   locker,
		events:   events,
		links:    xurls.Relaxed(),
		logger:   logger,
		tracer:   otel.Tracer("github.com/newcircuit/modmail/internal/service/relay"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// lockOpen takes the thread lock and reloads the thread under it, so a relay
// queued behind a forward sees the new channel.
func (s *relayService) lockOpen(ctx context.Context, threadID int64) (models.Thread, func(), error) {
	unlock, err := s.locker.Lock(ctx, threadID)
	if err != nil {
		return models.Thread{}, nil, fmt.Errorf("lock thread %d: %w", threadID, err)
	}

	thread, err := s.stores.Threads.GetByID(ctx, threadID)
	if err != nil {
		unlock()
		return models.Thread{}, nil, storageError(fmt.Sprintf("thread %d", threadID), err)
	}
	if !thread.IsOpen {
		unlock()
		return models.Thread{}, nil, fmt.Errorf("thread %d is closed: %w", threadID, ErrNotFound)
	}
	return thread, unlock, nil
}

func (s *relayService) RelayFromUser(ctx context.Context, in UserMessage) (RelayResult, error) {
	ctx, span := s.tracer.Start(ctx, "relay.from_user", trace.WithAttributes(
		attribute.Int64("thread.id", in.ThreadID),
		attribute.String("user.id", in.Author.ID),
	))
	defer span.End()

	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return RelayResult{}, ErrEmptyMessage
	}

	thread, unlock, err := s.lockOpen(ctx, in.ThreadID)
	if err != nil {
		span.RecordError(err)
		return RelayResult{}, err
	}
	defer unlock()

	now := s.now()
	mirrorID, err := s.platform.SendToChannel(ctx, thread.ChannelID, render.MessageReceived(in.Content, in.Author, now))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "staff channel unreachable")
		if errors.Is(err, platform.ErrNotFound) {
			return RelayResult{}, fmt.Errorf("thread channel %s is gone: %w", thread.ChannelID, ErrNotFound)
		}
		return RelayResult{}, fmt.Errorf("relay to thread channel: %w", err)
	}

	if links := s.links.FindAllString(in.Content, -1); len(links) > 0 {
		if _, err := s.platform.SendToChannel(ctx, thread.ChannelID, render.LinkWarning(links)); err != nil {
			s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("failed to post link warning")
		}
	}

	message := models.Message{
		ThreadID:  thread.ID,
		OriginID:  in.MessageID,
		MirrorID:  mirrorID,
		SenderID:  in.Author.ID,
		Content:   in.Content,
		CreatedAt: now,
	}
	if err := s.stores.Messages.Create(ctx, &message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return RelayResult{}, storageError("record message", err)
	}

	result := RelayResult{Message: message}
	for _, ref := range in.Attachments {
		att, err := s.relayAttachment(ctx, message, ref, func(att models.Attachment) (string, error) {
			return s.platform.SendToChannel(ctx, thread.ChannelID, render.AttachmentReceived(att, in.Author))
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("message_id", message.ID).Str("name", ref.Name).Msg("attachment relay failed")
			result.Failed = append(result.Failed, AttachmentFailure{Name: ref.Name, Reason: err.Error()})
			continue
		}
		result.Attachments = append(result.Attachments, att)
	}

	if in.MessageID != "" {
		if err := s.platform.ReactTo(ctx, platform.Direct(in.Author.ID), in.MessageID, ReceiptEmoji); err != nil {
			s.logger.Warn().Err(err).Int64("message_id", message.ID).Msg("failed to acknowledge user message")
		}
	}

	s.relayed(ctx, thread, message, "received", variantOf(message, len(result.Attachments)))
	span.SetStatus(codes.Ok, "relayed")
	return result, nil
}

// RelayFromStaff delivers a reply to the user and mirrors it into the thread
// channel. The staff command message is removed only after success.
func (s *relayService) RelayFromStaff(ctx context.Context, in StaffMessage) (RelayResult, error) {
	ctx, span := s.tracer.Start(ctx, "relay.from_staff", trace.WithAttributes(
		attribute.Int64("thread.id", in.ThreadID),
		attribute.Bool("relay.anonymous", in.Anonymous),
	))
	defer span.End()

	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return RelayResult{}, ErrEmptyMessage
	}

	thread, unlock, err := s.lockOpen(ctx, in.ThreadID)
	if err != nil {
		span.RecordError(err)
		return RelayResult{}, err
	}
	defer unlock()

	now := s.now()
	dmID, err := s.platform.SendDirect(ctx, thread.AuthorID, render.MessageSent(in.Content, in.Staff, in.Anonymous, now))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return RelayResult{}, s.deliveryError(thread.AuthorID, err)
	}

	channelRender := render.MessageSent(in.Content, in.Staff, false, now)
	if in.Anonymous {
		channelRender.Footer = render.AnonymousLabel + " (anonymous reply)"
	}
	channelID, err := s.platform.SendToChannel(ctx, thread.ChannelID, channelRender)
	if err != nil {
		s.logger.Warn().Err(err).Int64("thread_id", thread.ID).Msg("reply delivered but not mirrored into thread channel")
	}

	if err := s.stores.Users.Ensure(ctx, in.Staff.ID); err != nil {
		span.RecordError(err)
		return RelayResult{}, storageError("ensure staff user", err)
	}

	message := models.Message{
		ThreadID:    thread.ID,
		OriginID:    channelID,
		MirrorID:    dmID,
		SenderID:    in.Staff.ID,
		Content:     in.Content,
		IsAnonymous: in.Anonymous,
		CreatedAt:   now,
	}
	if in.Role != models.RoleNone {
		role := in.Role
		message.SenderRole = &role
	}
	if err := s.stores.Messages.Create(ctx, &message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return RelayResult{}, storageError("record message", err)
	}

	result := RelayResult{Message: message}
	for _, ref := range in.Attachments {
		att, err := s.relayAttachment(ctx, message, ref, func(att models.Attachment) (string, error) {
			id, err := s.platform.SendDirect(ctx, thread.AuthorID, render.AttachmentSent(att, in.Staff, in.Anonymous))
			if err != nil {
				return "", err
			}
			if _, err := s.platform.SendToChannel(ctx, thread.ChannelID, render.AttachmentSent(att, in.Staff, false)); err != nil {
				s.logger.Warn().Err(err).Str("name", att.Name).Msg("attachment delivered but not mirrored into thread channel")
			}
			return id, nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Int64("message_id", message.ID).Str("name", ref.Name).Msg("attachment relay failed")
			result.Failed = append(result.Failed, AttachmentFailure{Name: ref.Name, Reason: err.Error()})
			continue
		}
		result.Attachments = append(result.Attachments, att)
	}

	s.removeCommand(ctx, in)
	s.relayed(ctx, thread, message, "sent", variantOf(message, len(result.Attachments)))
	span.SetStatus(codes.Ok, "relayed")
	return result, nil
}

// RelayInternal posts a staff-only note. Nothing reaches the user.
func (s *relayService) RelayInternal(ctx context.Context, in StaffMessage) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "relay.internal", trace.WithAttributes(attribute.Int64("thread.id", in.ThreadID)))
	defer span.End()

	if strings.TrimSpace(in.Content) == "" {
		return models.Message{}, ErrEmptyMessage
	}

	thread, unlock, err := s.lockOpen(ctx, in.ThreadID)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}
	defer unlock()

	now := s.now()
	noteID, err := s.platform.SendToChannel(ctx, thread.ChannelID, render.InternalNote(in.Content, in.Staff, now))
	if err != nil {
		span.RecordError(err)
		return models.Message{}, fmt.Errorf("post internal note: %w", err)
	}

	if err := s.stores.Users.Ensure(ctx, in.Staff.ID); err != nil {
		return models.Message{}, storageError("ensure staff user", err)
	}
	message := models.Message{
		ThreadID:   thread.ID,
		OriginID:   noteID,
		SenderID:   in.Staff.ID,
		Content:    in.Content,
		IsInternal: true,
		CreatedAt:  now,
	}
	if in.Role != models.RoleNone {
		role := in.Role
		message.SenderRole = &role
	}
	if err := s.stores.Messages.Create(ctx, &message); err != nil {
		span.RecordError(err)
		return models.Message{}, storageError("record note", err)
	}

	s.removeCommand(ctx, in)
	s.relayed(ctx, thread, message, "internal", "plain")
	return message, nil
}

// PropagateEdit appends to the message's edit log and re-renders the copy on
// the other side. The message's original content is never rewritten.
func (s *relayService) PropagateEdit(ctx context.Context, platformMessageID, content string) (models.Edit, error) {
	ctx, span := s.tracer.Start(ctx, "relay.edit", trace.WithAttributes(attribute.String("platform.message_id", platformMessageID)))
	defer span.End()

	found, err := s.stores.Messages.FindByPlatformID(ctx, platformMessageID)
	if err != nil {
		return models.Edit{}, storageError("message "+platformMessageID, err)
	}

	unlock, err := s.locker.Lock(ctx, found.ThreadID)
	if err != nil {
		return models.Edit{}, fmt.Errorf("lock thread %d: %w", found.ThreadID, err)
	}
	defer unlock()

	message, err := s.stores.Messages.GetByID(ctx, found.ID)
	if err != nil {
		return models.Edit{}, storageError(fmt.Sprintf("message %d", found.ID), err)
	}
	if message.IsDeleted {
		return models.Edit{}, fmt.Errorf("message %d was deleted: %w", message.ID, ErrNotFound)
	}
	thread, err := s.stores.Threads.GetByID(ctx, message.ThreadID)
	if err != nil {
		return models.Edit{}, storageError(fmt.Sprintf("thread %d", message.ThreadID), err)
	}

	history, err := s.stores.Edits.ListByMessages(ctx, []int64{message.ID})
	if err != nil {
		return models.Edit{}, storageError("edit history", err)
	}
	current := message.Content
	if len(history) > 0 {
		current = history[len(history)-1].After
	}
	if current == content {
		return models.Edit{}, ErrUnchanged
	}

	now := s.now()
	edit := models.Edit{MessageID: message.ID, Before: current, After: content, EditedAt: now}
	if err := s.stores.Edits.Append(ctx, &edit); err != nil {
		span.RecordError(err)
		return models.Edit{}, storageError("record edit", err)
	}

	if dest, id, ok := s.otherSide(thread, message, platformMessageID); ok {
		sender := s.person(ctx, message)
		var base render.Message
		if message.SenderID == thread.AuthorID {
			base = render.MessageReceived(content, sender, now)
		} else {
			base = render.MessageSent(content, sender, message.IsAnonymous && dest.IsDirect(), now)
		}
		if err := s.platform.EditMessage(ctx, dest, id, render.Edited(base, content, now)); err != nil {
			s.logger.Warn().Err(err).Int64("message_id", message.ID).Msg("failed to re-render edited mirror")
		}
	}

	s.events.Publish(ctx, Event{Type: EventMessageEdited, ThreadID: thread.ID, MessageID: message.ID, ChannelID: thread.ChannelID, AdminOnly: thread.IsAdminOnly})
	s.logger.Debug().Int64("message_id", message.ID).Msg("edit propagated")
	return edit, nil
}

// otherSide locates the bot-owned copy opposite the edited one. User-owned
// originals cannot be touched and yield false.
func (s *relayService) otherSide(thread models.Thread, message models.Message, editedID string) (platform.Destination, string, bool) {
	if message.IsInternal {
		return platform.Destination{}, "", false
	}
	fromUser := message.SenderID == thread.AuthorID

	if editedID == message.OriginID {
		if message.MirrorID == "" {
			return platform.Destination{}, "", false
		}
		if fromUser {
			return platform.InChannel(thread.ChannelID), message.MirrorID, true
		}
		return platform.Direct(thread.AuthorID), message.MirrorID, true
	}

	if fromUser || message.OriginID == "" {
		return platform.Destination{}, "", false
	}
	return platform.InChannel(thread.ChannelID), message.OriginID, true
}

// PropagateDelete mirrors the deletion of a relayed message.
func (s *relayService) PropagateDelete(ctx context.Context, platformMessageID string) (models.Message, error) {
	message, err := s.stores.Messages.FindByPlatformID(ctx, platformMessageID)
	if err != nil {
		return models.Message{}, storageError("message "+platformMessageID, err)
	}
	return s.deleteMessage(ctx, message.ID, platformMessageID)
}

// DeleteLast removes the most recent live message the sender wrote in the thread.
func (s *relayService) DeleteLast(ctx context.Context, threadID int64, senderID string) (models.Message, error) {
	message, err := s.stores.Messages.LastFrom(ctx, threadID, senderID)
	if err != nil {
		return models.Message{}, storageError("last message from "+senderID, err)
	}
	return s.deleteMessage(ctx, message.ID, "")
}

// DeleteInThread removes a message of the thread named by either copy's
// platform id or, failing that, by its stored id. Messages of other threads
// are reported as not found.
func (s *relayService) DeleteInThread(ctx context.Context, threadID int64, ref string) (models.Message, error) {
	ref = strings.TrimSpace(ref)
	message, err := s.stores.Messages.FindByPlatformID(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		if id, parseErr := strconv.ParseInt(ref, 10, 64); parseErr == nil {
			message, err = s.stores.Messages.GetByID(ctx, id)
		}
	}
	if err != nil {
		return models.Message{}, storageError("message "+ref, err)
	}
	if message.ThreadID != threadID {
		return models.Message{}, fmt.Errorf("message %s is not in thread %d: %w", ref, threadID, ErrNotFound)
	}
	return s.deleteMessage(ctx, message.ID, "")
}

// deleteMessage removes every bot-owned copy of the message and flags the row.
// gone names a copy already removed on the platform.
func (s *relayService) deleteMessage(ctx context.Context, messageID int64, gone string) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "relay.delete", trace.WithAttributes(attribute.Int64("message.id", messageID)))
	defer span.End()

	peek, err := s.stores.Messages.GetByID(ctx, messageID)
	if err != nil {
		return models.Message{}, storageError(fmt.Sprintf("message %d", messageID), err)
	}

	unlock, err := s.locker.Lock(ctx, peek.ThreadID)
	if err != nil {
		return models.Message{}, fmt.Errorf("lock thread %d: %w", peek.ThreadID, err)
	}
	defer unlock()

	message, err := s.stores.Messages.GetByID(ctx, messageID)
	if err != nil {
		return models.Message{}, storageError(fmt.Sprintf("message %d", messageID), err)
	}
	if message.IsDeleted {
		return message, nil
	}
	thread, err := s.stores.Threads.GetByID(ctx, message.ThreadID)
	if err != nil {
		return models.Message{}, storageError(fmt.Sprintf("thread %d", message.ThreadID), err)
	}

	attachments, err := s.stores.Attachments.ListByMessages(ctx, []int64{message.ID})
	if err != nil {
		return models.Message{}, storageError("attachments", err)
	}

	fromUser := message.SenderID == thread.AuthorID
	type copyRef struct {
		dest platform.Destination
		id   string
	}
	var copies []copyRef
	switch {
	case message.IsInternal:
		copies = append(copies, copyRef{platform.InChannel(thread.ChannelID), message.OriginID})
	case fromUser:
		copies = append(copies, copyRef{platform.InChannel(thread.ChannelID), message.MirrorID})
		for _, att := range attachments {
			copies = append(copies, copyRef{platform.InChannel(thread.ChannelID), att.MirrorID})
		}
	default:
		copies = append(copies,
			copyRef{platform.Direct(thread.AuthorID), message.MirrorID},
			copyRef{platform.InChannel(thread.ChannelID), message.OriginID},
		)
		for _, att := range attachments {
			copies = append(copies, copyRef{platform.Direct(thread.AuthorID), att.MirrorID})
		}
	}

	for _, c := range copies {
		if c.id == "" || c.id == gone {
			continue
		}
		if err := s.platform.DeleteMessage(ctx, c.dest, c.id); err != nil && !errors.Is(err, platform.ErrNotFound) {
			span.RecordError(err)
			return models.Message{}, fmt.Errorf("delete mirrored message %s: %w", c.id, err)
		}
	}

	if err := s.stores.Messages.MarkDeleted(ctx, message.ID); err != nil {
		return models.Message{}, storageError("flag message deleted", err)
	}
	message.IsDeleted = true

	s.events.Publish(ctx, Event{Type: EventMessageDeleted, ThreadID: thread.ID, MessageID: message.ID, ChannelID: thread.ChannelID, AdminOnly: thread.IsAdminOnly})
	s.logger.Info().Int64("message_id", message.ID).Int64("thread_id", thread.ID).Msg("message deleted")
	return message, nil
}

func (s *relayService) relayAttachment(ctx context.Context, message models.Message, ref AttachmentRef, deliver func(models.Attachment) (string, error)) (models.Attachment, error) {
	att, err := s.files.prepare(ctx, ref)
	if err != nil {
		return models.Attachment{}, err
	}
	att.MessageID = message.ID

	mirrorID, err := deliver(att)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("deliver %s: %w", att.Name, err)
	}
	att.MirrorID = mirrorID

	if err := s.stores.Attachments.Create(ctx, &att); err != nil {
		return models.Attachment{}, storageError("record attachment", err)
	}
	return att, nil
}

func (s *relayService) deliveryError(userID string, err error) error {
	observability.DeliveryFailures().Inc()
	if errors.Is(err, platform.ErrDirectMessagesDisabled) {
		return &DeliveryError{UserID: userID, Reason: "This user closed their DMs.", Err: err}
	}
	if errors.Is(err, platform.ErrNotFound) {
		return &DeliveryError{UserID: userID, Reason: "This user could not be found.", Err: err}
	}
	return fmt.Errorf("send reply: %w", err)
}

func (s *relayService) removeCommand(ctx context.Context, in StaffMessage) {
	if in.CommandChannelID == "" || in.CommandMessageID == "" {
		return
	}
	if err := s.platform.DeleteMessage(ctx, platform.InChannel(in.CommandChannelID), in.CommandMessageID); err != nil {
		s.logger.Warn().Err(err).Str("message_id", in.CommandMessageID).Msg("failed to remove staff command message")
	}
}

func (s *relayService) person(ctx context.Context, message models.Message) render.Person {
	person := render.Person{ID: message.SenderID}
	if user, err := s.platform.FetchUser(ctx, message.SenderID); err == nil {
		person.Name = user.Name
		person.AvatarURL = user.AvatarURL
	}
	if message.SenderRole != nil {
		person.RoleName = RoleTitle(*message.SenderRole)
	}
	return person
}

func (s *relayService) relayed(ctx context.Context, thread models.Thread, message models.Message, direction, variant string) {
	observability.MessagesRelayed().WithLabelValues(direction, variant).Inc()
	s.events.Publish(ctx, Event{
		Type:       EventMessageRelayed,
		ThreadID:   thread.ID,
		CategoryID: thread.CategoryID,
		MessageID:  message.ID,
		UserID:     thread.AuthorID,
		ChannelID:  thread.ChannelID,
		Direction:  direction,
		AdminOnly:  thread.IsAdminOnly,
	})
	s.logger.Debug().Int64("thread_id", thread.ID).Int64("message_id", message.ID).Str("direction", direction).Msg("message relayed")
}

func variantOf(message models.Message, attachments int) string {
	switch {
	case message.IsInternal:
		return "internal"
	case message.IsAnonymous:
		return "anonymous"
	case attachments > 0:
		return "attachment"
	default:
		return "plain"
	}
}

// RoleTitle is the footer label for a stored role level.
func RoleTitle(role models.RoleLevel) string {
	switch role {
	case models.RoleAdmin:
		return "Admin"
	case models.RoleMod:
		return "Moderator"
	default:
		return ""
	}
}
