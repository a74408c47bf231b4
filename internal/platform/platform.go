// Package platform describes the chat-platform capabilities consumed by the
// relay core. Gateway connections, rate limits and HTTP retries live behind
// this boundary.
package platform

import (
	"context"
	"errors"
	"io"

	"github.com/newcircuit/modmail/internal/render"
)

var (
	// ErrNotFound indicates the channel, user or message no longer exists.
	ErrNotFound = errors.New("platform resource not found")
	// ErrDirectMessagesDisabled indicates the user does not accept direct messages.
	ErrDirectMessagesDisabled = errors.New("cannot send messages to this user")
)

// Channel is a text destination inside a guild.
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
}

// ChannelSpec describes a staff channel to create.
type ChannelSpec struct {
	GuildID   string `json:"guild_id"`
	ParentID  string `json:"parent_id"`
	Name      string `json:"name"`
	Topic     string `json:"topic,omitempty"`
	AdminOnly bool   `json:"admin_only"`
}

// User is the public profile of a platform user.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Destination addresses either a guild channel or a user's direct messages.
type Destination struct {
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// InChannel addresses a guild channel.
func InChannel(channelID string) Destination {
	return Destination{ChannelID: channelID}
}

// Direct addresses a user's direct messages.
func Direct(userID string) Destination {
	return Destination{UserID: userID}
}

// IsDirect reports whether the destination is a direct-message conversation.
func (d Destination) IsDirect() bool {
	return d.UserID != ""
}

// Platform is the message send/fetch capability of the chat platform.
type Platform interface {
	SendToChannel(ctx context.Context, channelID string, msg render.Message) (string, error)
	SendDirect(ctx context.Context, userID string, msg render.Message) (string, error)
	EditMessage(ctx context.Context, dest Destination, messageID string, msg render.Message) error
	DeleteMessage(ctx context.Context, dest Destination, messageID string) error
	ReactTo(ctx context.Context, dest Destination, messageID, emoji string) error
	FetchChannel(ctx context.Context, channelID string) (Channel, error)
	CreateChannel(ctx context.Context, spec ChannelSpec) (Channel, error)
	DeleteChannel(ctx context.Context, channelID, reason string) error
	FetchUser(ctx context.Context, userID string) (User, error)
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Send posts msg to dest.
func Send(ctx context.Context, p Platform, dest Destination, msg render.Message) (string, error) {
	if dest.IsDirect() {
		return p.SendDirect(ctx, dest.UserID, msg)
	}
	return p.SendToChannel(ctx, dest.ChannelID, msg)
}
