package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/command"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/service"
)

// selectionTTL bounds how long a first message waits for a category choice.
const selectionTTL = 10 * time.Minute

type pendingSelection struct {
	event    GatewayEvent
	selector string
	at       time.Time
}

// Handler routes gateway events to the relay core and staff commands.
type Handler struct {
	categories service.CategoryService
	threads    service.ThreadService
	relay      service.RelayService
	commands   *command.Registry
	platform   platform.Platform
	owners     map[string]struct{}
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]pendingSelection
}

// NewHandler constructs the gateway event handler. Owners bypass every command guard.
func NewHandler(
	categories service.CategoryService,
	threads service.ThreadService,
	relay service.RelayService,
	commands *command.Registry,
	p platform.Platform,
	owners []string,
	logger zerolog.Logger,
) *Handler {
	ownerSet := make(map[string]struct{}, len(owners))
	for _, id := range owners {
		ownerSet[id] = struct{}{}
	}
	return &Handler{
		categories: categories,
		threads:    threads,
		relay:      relay,
		commands:   commands,
		platform:   p,
		owners:     ownerSet,
		logger:     logger.With().Str("component", "gateway_handler").Logger(),
		now:        time.Now,
		pending:    make(map[string]pendingSelection),
	}
}

// Handle processes one event. Events authored by bots, including the relay's
// own renders, are ignored.
func (h *Handler) Handle(ctx context.Context, event GatewayEvent) error {
	if event.Author != nil && event.Author.Bot {
		return nil
	}

	switch event.Type {
	case EventMessageCreate:
		if event.IsDirect() {
			return h.directMessage(ctx, event)
		}
		return h.guildMessage(ctx, event)
	case EventMessageUpdate:
		return h.messageUpdate(ctx, event)
	case EventMessageDelete:
		return h.messageDelete(ctx, event)
	case EventReactionAdd:
		if event.IsDirect() {
			return h.selectionReaction(ctx, event)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidEvent, event.Type)
	}
}

func (h *Handler) directMessage(ctx context.Context, event GatewayEvent) error {
	thread, err := h.threads.FindOpenByUser(ctx, event.Author.ID)
	if err == nil {
		return h.relayUser(ctx, thread, event)
	}
	if !errors.Is(err, service.ErrNotFound) {
		return err
	}

	category, ok, err := h.chooseCategory(ctx, event)
	if err != nil || !ok {
		return err
	}
	return h.openAndRelay(ctx, category, event)
}

// chooseCategory picks the category for a user without an open thread. With
// several active categories the message waits until the user picks one.
func (h *Handler) chooseCategory(ctx context.Context, event GatewayEvent) (models.Category, bool, error) {
	categories, err := h.categories.List(ctx, true)
	if err != nil {
		return models.Category{}, false, err
	}

	switch len(categories) {
	case 0:
		return models.Category{}, false, h.notify(ctx, event.Author.ID, "Unavailable", "No team is accepting messages right now. Please try again later.")
	case 1:
		return categories[0], true, nil
	}

	if first, _, _ := strings.Cut(strings.TrimSpace(event.Content), " "); first != "" {
		for _, category := range categories {
			if category.Emoji == first {
				return category, true, nil
			}
		}
	}

	selectorID, err := h.platform.SendDirect(ctx, event.Author.ID, render.CategorySelector(categories))
	if err != nil {
		return models.Category{}, false, fmt.Errorf("send category selector: %w", err)
	}
	now := h.now()
	h.mu.Lock()
	for userID, stale := range h.pending {
		if now.Sub(stale.at) > selectionTTL {
			delete(h.pending, userID)
		}
	}
	h.pending[event.Author.ID] = pendingSelection{event: event, selector: selectorID, at: now}
	h.mu.Unlock()
	return models.Category{}, false, nil
}

func (h *Handler) selectionReaction(ctx context.Context, event GatewayEvent) error {
	h.mu.Lock()
	selection, ok := h.pending[event.Author.ID]
	if ok && selection.selector == event.MessageID {
		delete(h.pending, event.Author.ID)
	}
	h.mu.Unlock()

	if !ok || selection.selector != event.MessageID {
		return nil
	}
	if h.now().Sub(selection.at) > selectionTTL {
		return h.notify(ctx, event.Author.ID, "Selection expired", "Please send your message again.")
	}

	category, err := h.categories.ResolveByEmoji(ctx, event.Emoji)
	if errors.Is(err, service.ErrNotFound) {
		h.mu.Lock()
		h.pending[event.Author.ID] = selection
		h.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	return h.openAndRelay(ctx, category, selection.event)
}

func (h *Handler) openAndRelay(ctx context.Context, category models.Category, event GatewayEvent) error {
	thread, _, err := h.threads.OpenOrGet(ctx, event.Person(), category.ID)
	switch {
	case errors.Is(err, service.ErrUserMuted):
		return h.notify(ctx, event.Author.ID, "Muted", fmt.Sprintf("You can't open a thread in %s right now.", category.Name))
	case errors.Is(err, service.ErrCategoryInactive):
		return h.notify(ctx, event.Author.ID, "Unavailable", fmt.Sprintf("%s isn't accepting messages right now.", category.Name))
	case err != nil:
		return err
	}
	return h.relayUser(ctx, thread, event)
}

func (h *Handler) relayUser(ctx context.Context, thread models.Thread, event GatewayEvent) error {
	result, err := h.relay.RelayFromUser(ctx, service.UserMessage{
		ThreadID:    thread.ID,
		Author:      event.Person(),
		MessageID:   event.MessageID,
		Content:     event.Content,
		Attachments: event.AttachmentRefs(),
	})
	if errors.Is(err, service.ErrEmptyMessage) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, failed := range result.Failed {
		h.logger.Warn().
			Int64("thread_id", thread.ID).
			Str("user_id", event.Author.ID).
			Str("file", failed.Name).
			Str("reason", failed.Reason).
			Msg("attachment not relayed")
	}
	return nil
}

func (h *Handler) guildMessage(ctx context.Context, event GatewayEvent) error {
	inv := command.Invocation{
		Actor:       h.actor(event),
		GuildID:     event.GuildID,
		ChannelID:   event.ChannelID,
		MessageID:   event.MessageID,
		Attachments: event.AttachmentRefs(),
	}

	reply, err := h.commands.Dispatch(ctx, inv, event.Content)
	if errors.Is(err, command.ErrUnknownCommand) {
		return nil
	}

	text := reply.Text
	if err != nil {
		text = command.ReplyFor(err)
	}
	if text == "" {
		return nil
	}
	channelID := reply.ChannelID
	if channelID == "" || err != nil {
		channelID = event.ChannelID
	}
	if _, sendErr := h.platform.SendToChannel(ctx, channelID, render.Message{Content: text}); sendErr != nil {
		h.logger.Warn().Err(sendErr).Str("channel_id", channelID).Msg("failed to post command reply")
	}
	return nil
}

func (h *Handler) actor(event GatewayEvent) command.Actor {
	actor := command.Actor{Person: event.Person()}
	if event.Member != nil {
		actor.Role = event.Member.Role
	}
	if event.Author != nil {
		_, actor.Owner = h.owners[event.Author.ID]
	}
	return actor
}

func (h *Handler) messageUpdate(ctx context.Context, event GatewayEvent) error {
	_, err := h.relay.PropagateEdit(ctx, event.MessageID, event.Content)
	if errors.Is(err, service.ErrNotFound) || errors.Is(err, service.ErrUnchanged) {
		return nil
	}
	return err
}

func (h *Handler) messageDelete(ctx context.Context, event GatewayEvent) error {
	_, err := h.relay.PropagateDelete(ctx, event.MessageID)
	if errors.Is(err, service.ErrNotFound) {
		return nil
	}
	return err
}

func (h *Handler) notify(ctx context.Context, userID, title, description string) error {
	if _, err := h.platform.SendDirect(ctx, userID, render.Notice(title, description)); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to notify user")
	}
	return nil
}
