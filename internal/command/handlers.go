package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/platform"
	"github.com/newcircuit/modmail/internal/service"
)

type replyArgs struct {
	Content string `validate:"max=4000"`
}

type forwardArgs struct {
	Emoji     string `validate:"required,max=64"`
	AdminOnly bool
}

// messageRefArgs names a message by either copy's platform id or its stored id.
type messageRefArgs struct {
	Ref string `validate:"required,max=32"`
}

type emojiArgs struct {
	Emoji string `validate:"required,max=64"`
}

type addCategoryArgs struct {
	Emoji string `validate:"required,max=64"`
	Name  string `validate:"required,min=1,max=100"`
}

type nameArgs struct {
	Name string `validate:"required,min=1,max=100"`
}

type descriptionArgs struct {
	Description string `validate:"max=1000"`
}

type muteArgs struct {
	UserID   string        `validate:"required,numeric,max=32"`
	Duration time.Duration `validate:"required,gt=0"`
	Reason   string        `validate:"max=512"`
}

type userArgs struct {
	UserID string `validate:"required,numeric,max=32"`
}

type standardReplyArgs struct {
	Name string `validate:"required,max=64"`
}

type standardReplyCreateArgs struct {
	Name    string `validate:"required,max=64"`
	Content string `validate:"required,max=2000"`
}

type noArgs struct{}

// Handlers implements the core staff commands on top of the relay services.
type Handlers struct {
	categories service.CategoryService
	threads    service.ThreadService
	relay      service.RelayService
	forward    service.ForwardService
	replies    service.StandardReplyService
	platform   platform.Platform
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHandlers constructs the command handlers.
func NewHandlers(categories service.CategoryService, threads service.ThreadService, relay service.RelayService, forward service.ForwardService, replies service.StandardReplyService, p platform.Platform, logger zerolog.Logger) *Handlers {
	return &Handlers{
		categories: categories,
		threads:    threads,
		relay:      relay,
		forward:    forward,
		replies:    replies,
		platform:   p,
		logger:     logger.With().Str("component", "command_handlers").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Descriptors lists every command the handlers serve.
func (h *Handlers) Descriptors() []Descriptor {
	return []Descriptor{
		Define("reply", models.RoleMod, "reply <message>", parseReply, h.reply(false), "r"),
		Define("areply", models.RoleMod, "areply <message>", parseReply, h.reply(true), "ar"),
		Define("sreply", models.RoleMod, "sreply <name>", parseStandardReply, h.standardReply(false), "sr"),
		Define("sreplya", models.RoleMod, "sreplya <name>", parseStandardReply, h.standardReply(true), "sra", "sar"),
		Define("srcreate", models.RoleAdmin, "srcreate <name> <reply>", parseStandardReplyCreate, h.createStandardReply, "sradd"),
		Define("srlist", models.RoleMod, "srlist", parseNone, h.listStandardReplies, "srl"),
		Define("note", models.RoleMod, "note <message>", parseReply, h.note),
		Define("close", models.RoleMod, "close", parseNone, h.close),
		Define("forward", models.RoleMod, "forward <emoji> [admin]", parseForward, h.forwardThread, "fw"),
		Define("delete", models.RoleMod, "delete", parseNone, h.deleteLast),
		Define("deleteid", models.RoleMod, "deleteid <message id>", parseMessageRef, h.deleteByRef),
		Define("addcat", models.RoleAdmin, "addcat <emoji> <name>", parseAddCategory, h.addCategory, "ac"),
		Define("remcat", models.RoleAdmin, "remcat <emoji>", parseEmoji, h.removeCategory, "rc", "rm"),
		Define("reactivate", models.RoleAdmin, "reactivate <emoji>", parseEmoji, h.reactivateCategory),
		Define("private", models.RoleAdmin, "private", parseNone, h.setPrivate(true)),
		Define("unprivate", models.RoleAdmin, "unprivate", parseNone, h.setPrivate(false)),
		Define("rename", models.RoleAdmin, "rename <name>", parseName, h.rename),
		Define("setemoji", models.RoleAdmin, "setemoji <emoji>", parseEmoji, h.setEmoji),
		Define("setdesc", models.RoleAdmin, "setdesc [description]", parseDescription, h.setDescription, "desc"),
		Define("mute", models.RoleMod, "mute <user> <duration: 5d | 5hr | 5m | 5s> [reason]", parseMute, h.mute),
		Define("unmute", models.RoleMod, "unmute <user>", parseUser, h.unmute),
	}
}

func parseNone(Invocation) (noArgs, error) {
	return noArgs{}, nil
}

func parseReply(inv Invocation) (replyArgs, error) {
	if inv.Raw == "" && len(inv.Attachments) == 0 {
		return replyArgs{}, errMissingArgs
	}
	return replyArgs{Content: inv.Raw}, nil
}

func parseStandardReply(inv Invocation) (standardReplyArgs, error) {
	if len(inv.Args) != 1 {
		return standardReplyArgs{}, errMissingArgs
	}
	return standardReplyArgs{Name: inv.Args[0]}, nil
}

// parseStandardReplyCreate keeps the reply body as typed, line breaks included.
func parseStandardReplyCreate(inv Invocation) (standardReplyCreateArgs, error) {
	if len(inv.Args) < 2 {
		return standardReplyCreateArgs{}, errMissingArgs
	}
	body := strings.TrimPrefix(strings.TrimSpace(inv.Raw), inv.Args[0])
	return standardReplyCreateArgs{Name: inv.Args[0], Content: strings.TrimSpace(body)}, nil
}

func parseForward(inv Invocation) (forwardArgs, error) {
	switch len(inv.Args) {
	case 1:
		return forwardArgs{Emoji: inv.Args[0]}, nil
	case 2:
		if !strings.EqualFold(inv.Args[1], "admin") {
			return forwardArgs{}, fmt.Errorf("unexpected argument %q", inv.Args[1])
		}
		return forwardArgs{Emoji: inv.Args[0], AdminOnly: true}, nil
	default:
		return forwardArgs{}, errMissingArgs
	}
}

func parseMessageRef(inv Invocation) (messageRefArgs, error) {
	if len(inv.Args) != 1 {
		return messageRefArgs{}, errMissingArgs
	}
	return messageRefArgs{Ref: inv.Args[0]}, nil
}

func parseEmoji(inv Invocation) (emojiArgs, error) {
	if len(inv.Args) != 1 {
		return emojiArgs{}, errMissingArgs
	}
	return emojiArgs{Emoji: inv.Args[0]}, nil
}

func parseAddCategory(inv Invocation) (addCategoryArgs, error) {
	if len(inv.Args) < 2 {
		return addCategoryArgs{}, errMissingArgs
	}
	return addCategoryArgs{Emoji: inv.Args[0], Name: strings.Join(inv.Args[1:], " ")}, nil
}

func parseName(inv Invocation) (nameArgs, error) {
	return nameArgs{Name: inv.Raw}, nil
}

func parseDescription(inv Invocation) (descriptionArgs, error) {
	return descriptionArgs{Description: inv.Raw}, nil
}

// parseMute accepts the user and the duration in either order.
func parseMute(inv Invocation) (muteArgs, error) {
	if len(inv.Args) < 2 {
		return muteArgs{}, errMissingArgs
	}
	who, howLong := inv.Args[0], inv.Args[1]
	if !isUserRef(who) {
		who, howLong = howLong, who
	}
	d, err := ParseDuration(howLong)
	if err != nil {
		return muteArgs{}, err
	}
	return muteArgs{
		UserID:   userID(who),
		Duration: d,
		Reason:   strings.Join(inv.Args[2:], " "),
	}, nil
}

func parseUser(inv Invocation) (userArgs, error) {
	if len(inv.Args) != 1 {
		return userArgs{}, errMissingArgs
	}
	return userArgs{UserID: userID(inv.Args[0])}, nil
}

// threadHere resolves the open thread bound to the invoking channel.
func (h *Handlers) threadHere(ctx context.Context, inv Invocation) (models.Thread, error) {
	thread, err := h.threads.FindOpenByChannel(ctx, inv.ChannelID)
	if errors.Is(err, service.ErrNotFound) {
		return models.Thread{}, fail("This channel isn't an open thread.", err)
	}
	if err != nil {
		return models.Thread{}, err
	}
	if thread.IsAdminOnly && !inv.Actor.Owner && inv.Actor.Role.Rank() < models.RoleAdmin.Rank() {
		return models.Thread{}, fmt.Errorf("thread %d is admin only: %w", thread.ID, ErrForbidden)
	}
	return thread, nil
}

// categoryHere resolves the active category of the invoking guild.
func (h *Handlers) categoryHere(ctx context.Context, inv Invocation) (models.Category, error) {
	category, err := h.categories.ResolveForGuild(ctx, inv.GuildID)
	if errors.Is(err, service.ErrNotFound) {
		return models.Category{}, fail("Please run this command in a guild with an active category.", err)
	}
	return category, err
}

func (h *Handlers) reply(anonymous bool) func(context.Context, Invocation, replyArgs) (Reply, error) {
	return func(ctx context.Context, inv Invocation, args replyArgs) (Reply, error) {
		thread, err := h.threadHere(ctx, inv)
		if err != nil {
			return Reply{}, err
		}
		result, err := h.relay.RelayFromStaff(ctx, service.StaffMessage{
			ThreadID:         thread.ID,
			Staff:            inv.Actor.Person,
			Role:             inv.Actor.Role,
			Content:          args.Content,
			Attachments:      inv.Attachments,
			Anonymous:        anonymous,
			CommandChannelID: inv.ChannelID,
			CommandMessageID: inv.MessageID,
		})
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: describeAttachmentFailures(result.Failed)}, nil
	}
}

func (h *Handlers) standardReply(anonymous bool) func(context.Context, Invocation, standardReplyArgs) (Reply, error) {
	return func(ctx context.Context, inv Invocation, args standardReplyArgs) (Reply, error) {
		thread, err := h.threadHere(ctx, inv)
		if err != nil {
			return Reply{}, err
		}
		canned, err := h.replies.Resolve(ctx, args.Name)
		if errors.Is(err, service.ErrNotFound) {
			return Reply{}, fail(fmt.Sprintf("Couldn't find standard reply %q.", args.Name), err)
		}
		if err != nil {
			return Reply{}, err
		}
		// The command message is removed by the relay once the user has it.
		result, err := h.relay.RelayFromStaff(ctx, service.StaffMessage{
			ThreadID:         thread.ID,
			Staff:            inv.Actor.Person,
			Role:             inv.Actor.Role,
			Content:          canned.Content,
			Anonymous:        anonymous,
			CommandChannelID: inv.ChannelID,
			CommandMessageID: inv.MessageID,
		})
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: describeAttachmentFailures(result.Failed)}, nil
	}
}

func (h *Handlers) createStandardReply(ctx context.Context, _ Invocation, args standardReplyCreateArgs) (Reply, error) {
	created, err := h.replies.Create(ctx, dto.StandardReplyCreateRequest{Name: args.Name, Content: args.Content})
	if errors.Is(err, service.ErrConflict) {
		return Reply{}, fail("That standard reply name is already taken.", err)
	}
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Created standard reply %q.", created.Name)}, nil
}

func (h *Handlers) listStandardReplies(ctx context.Context, _ Invocation, _ noArgs) (Reply, error) {
	replies, err := h.replies.List(ctx)
	if err != nil {
		return Reply{}, err
	}
	if len(replies) == 0 {
		return Reply{Text: "There are no standard replies yet."}, nil
	}
	names := make([]string, 0, len(replies))
	for _, r := range replies {
		names = append(names, r.Name)
	}
	return Reply{Text: "Standard replies: " + strings.Join(names, ", ")}, nil
}

func (h *Handlers) note(ctx context.Context, inv Invocation, args replyArgs) (Reply, error) {
	thread, err := h.threadHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	_, err = h.relay.RelayInternal(ctx, service.StaffMessage{
		ThreadID:         thread.ID,
		Staff:            inv.Actor.Person,
		Role:             inv.Actor.Role,
		Content:          args.Content,
		CommandChannelID: inv.ChannelID,
		CommandMessageID: inv.MessageID,
	})
	return Reply{}, err
}

func (h *Handlers) close(ctx context.Context, inv Invocation, _ noArgs) (Reply, error) {
	thread, err := h.threadHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	return Reply{}, h.threads.Close(ctx, thread.ID, inv.Actor.ID)
}

func (h *Handlers) forwardThread(ctx context.Context, inv Invocation, args forwardArgs) (Reply, error) {
	thread, err := h.threadHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	target, err := h.categories.ResolveByEmoji(ctx, args.Emoji)
	if errors.Is(err, service.ErrNotFound) {
		return Reply{}, fail(fmt.Sprintf("Couldn't find category %q.", args.Emoji), err)
	}
	if err != nil {
		return Reply{}, err
	}
	if target.ID == thread.CategoryID {
		return Reply{}, fail("This thread is already in that category.", service.ErrConflict)
	}

	result, err := h.forward.Forward(ctx, service.ForwardRequest{
		ThreadID:         thread.ID,
		TargetCategoryID: target.ID,
		Forwarder:        inv.Actor.Person,
		AdminOnly:        args.AdminOnly,
	})
	if err != nil {
		return Reply{}, err
	}
	if len(result.Failed) == 0 {
		return Reply{}, nil
	}

	lines := make([]string, 0, len(result.Failed)+1)
	lines = append(lines, fmt.Sprintf("Replayed %d messages; %d could not be replayed:", result.Replayed, len(result.Failed)))
	for _, failed := range result.Failed {
		lines = append(lines, fmt.Sprintf("- %d: %s", failed.MessageID, failed.Reason))
	}
	return Reply{ChannelID: result.Thread.ChannelID, Text: strings.Join(lines, "\n")}, nil
}

func (h *Handlers) deleteLast(ctx context.Context, inv Invocation, _ noArgs) (Reply, error) {
	thread, err := h.threadHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	if _, err := h.relay.DeleteLast(ctx, thread.ID, inv.Actor.ID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return Reply{}, fail("You haven't sent anything in this thread.", err)
		}
		return Reply{}, err
	}
	return Reply{Text: "Deleted your last message."}, nil
}

func (h *Handlers) deleteByRef(ctx context.Context, inv Invocation, args messageRefArgs) (Reply, error) {
	thread, err := h.threadHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	if _, err := h.relay.DeleteInThread(ctx, thread.ID, args.Ref); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return Reply{}, fail(fmt.Sprintf("Couldn't find message %s in this thread.", args.Ref), err)
		}
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Deleted message %s.", args.Ref)}, nil
}

// addCategory creates the channel group that will hold the category's threads.
func (h *Handlers) addCategory(ctx context.Context, inv Invocation, args addCategoryArgs) (Reply, error) {
	channel, err := h.platform.CreateChannel(ctx, platform.ChannelSpec{GuildID: inv.GuildID, Name: args.Name})
	if err != nil {
		return Reply{}, fmt.Errorf("create category channel: %w", err)
	}

	category, err := h.categories.Create(ctx, dto.CategoryCreateRequest{
		GuildID:   inv.GuildID,
		Name:      args.Name,
		Emoji:     args.Emoji,
		ChannelID: channel.ID,
	})
	if err != nil {
		if delErr := h.platform.DeleteChannel(context.WithoutCancel(ctx), channel.ID, "Category could not be recorded"); delErr != nil {
			h.logger.Warn().Err(delErr).Str("channel_id", channel.ID).Msg("failed to remove orphaned category channel")
		}
		if errors.Is(err, service.ErrConflict) {
			return Reply{}, fail("A category with that name or emoji already exists.", err)
		}
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Created category %s %s.", category.Emoji, category.Name)}, nil
}

func (h *Handlers) removeCategory(ctx context.Context, inv Invocation, args emojiArgs) (Reply, error) {
	category, err := h.categories.ResolveByEmoji(ctx, args.Emoji)
	if errors.Is(err, service.ErrNotFound) {
		return Reply{}, fail(fmt.Sprintf("Couldn't find category %q.", args.Emoji), err)
	}
	if err != nil {
		return Reply{}, err
	}
	if err := h.categories.Deactivate(ctx, category.ID); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Disabled category."}, nil
}

func (h *Handlers) reactivateCategory(ctx context.Context, inv Invocation, args emojiArgs) (Reply, error) {
	all, err := h.categories.List(ctx, false)
	if err != nil {
		return Reply{}, err
	}
	var category *models.Category
	for i := range all {
		if !all[i].IsActive && all[i].Emoji == args.Emoji && all[i].GuildID == inv.GuildID {
			category = &all[i]
			break
		}
	}
	if category == nil {
		return Reply{}, fail(fmt.Sprintf("Couldn't find a disabled category %q.", args.Emoji), service.ErrNotFound)
	}

	channel, err := h.platform.CreateChannel(ctx, platform.ChannelSpec{GuildID: inv.GuildID, Name: category.Name})
	if err != nil {
		return Reply{}, fmt.Errorf("create category channel: %w", err)
	}
	if err := h.categories.Reactivate(ctx, category.ID, channel.ID); err != nil {
		if delErr := h.platform.DeleteChannel(context.WithoutCancel(ctx), channel.ID, "Category could not be reactivated"); delErr != nil {
			h.logger.Warn().Err(delErr).Str("channel_id", channel.ID).Msg("failed to remove orphaned category channel")
		}
		if errors.Is(err, service.ErrConflict) {
			return Reply{}, fail("An active category already uses that name or emoji.", err)
		}
		return Reply{}, err
	}
	return Reply{Text: "Reactivated category."}, nil
}

func (h *Handlers) setPrivate(private bool) func(context.Context, Invocation, noArgs) (Reply, error) {
	return func(ctx context.Context, inv Invocation, _ noArgs) (Reply, error) {
		category, err := h.categoryHere(ctx, inv)
		if err != nil {
			return Reply{}, err
		}
		if err := h.categories.SetPrivate(ctx, category.ID, private); err != nil {
			return Reply{}, err
		}
		if private {
			return Reply{Text: "Made this category private."}, nil
		}
		return Reply{Text: "Made this category not private."}, nil
	}
}

func (h *Handlers) rename(ctx context.Context, inv Invocation, args nameArgs) (Reply, error) {
	category, err := h.categoryHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	if err := h.categories.Rename(ctx, category.ID, args.Name); err != nil {
		if errors.Is(err, service.ErrConflict) {
			return Reply{}, fail("Another category already uses that name.", err)
		}
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Renamed category to %s.", args.Name)}, nil
}

func (h *Handlers) setDescription(ctx context.Context, inv Invocation, args descriptionArgs) (Reply, error) {
	category, err := h.categoryHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	if err := h.categories.SetDescription(ctx, category.ID, args.Description); err != nil {
		return Reply{}, err
	}
	if args.Description == "" {
		return Reply{Text: "Cleared the category description."}, nil
	}
	return Reply{Text: "Updated the category description."}, nil
}

func (h *Handlers) setEmoji(ctx context.Context, inv Invocation, args emojiArgs) (Reply, error) {
	category, err := h.categoryHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	if err := h.categories.SetEmoji(ctx, category.ID, args.Emoji); err != nil {
		if errors.Is(err, service.ErrConflict) {
			return Reply{}, fail("Another category already uses that emoji.", err)
		}
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Set the category emoji to %s.", args.Emoji)}, nil
}

func (h *Handlers) mute(ctx context.Context, inv Invocation, args muteArgs) (Reply, error) {
	category, err := h.categoryHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	_, err = h.categories.Mute(ctx, dto.MuteRequest{
		UserID:     args.UserID,
		CategoryID: category.ID,
		Till:       h.now().Add(args.Duration),
		Reason:     args.Reason,
	})
	if errors.Is(err, service.ErrConflict) {
		return Reply{Text: "Already muted."}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: "This user is muted. They can still talk in open threads, but they can't open new ones in this category."}, nil
}

func (h *Handlers) unmute(ctx context.Context, inv Invocation, args userArgs) (Reply, error) {
	category, err := h.categoryHere(ctx, inv)
	if err != nil {
		return Reply{}, err
	}
	if err := h.categories.Unmute(ctx, args.UserID, category.ID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return Reply{Text: "This user isn't muted."}, nil
		}
		return Reply{}, err
	}
	return Reply{Text: "Unmuted."}, nil
}

func describeAttachmentFailures(failed []service.AttachmentFailure) string {
	if len(failed) == 0 {
		return ""
	}
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Name, f.Reason))
	}
	return "Couldn't relay: " + strings.Join(parts, ", ")
}
