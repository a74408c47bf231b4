package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/render"
)

const (
	opSendChannel   = "send_channel"
	opSendDirect    = "send_direct"
	opEditMessage   = "edit_message"
	opDeleteMessage = "delete_message"
	opReact         = "react"
	opFetchChannel  = "fetch_channel"
	opCreateChannel = "create_channel"
	opDeleteChannel = "delete_channel"
	opFetchUser     = "fetch_user"
)

// Reply error codes understood by the relay.
const (
	CodeNotFound   = "not_found"
	CodeDMDisabled = "dm_disabled"
)

// NATSPlatform talks to the gateway binding with JSON request/reply over NATS.
// Each capability maps to the subject "<prefix>.platform.<op>".
type NATSPlatform struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	http    *http.Client
	logger  zerolog.Logger
}

// NewNATSPlatform constructs the NATS-backed platform binding.
func NewNATSPlatform(conn *nats.Conn, prefix string, timeout time.Duration, logger zerolog.Logger) *NATSPlatform {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSPlatform{
		conn:    conn,
		prefix:  prefix,
		timeout: timeout,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With().Str("component", "nats_platform").Logger(),
	}
}

// Reply is the envelope returned by the gateway binding.
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ReplyError     `json:"error,omitempty"`
}

// ReplyError carries a machine readable failure code.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type messageRequest struct {
	Destination
	MessageID string          `json:"message_id,omitempty"`
	Message   *render.Message `json:"message,omitempty"`
	Emoji     string          `json:"emoji,omitempty"`
}

type messageReply struct {
	MessageID string `json:"message_id"`
}

type channelRequest struct {
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason,omitempty"`
}

type userRequest struct {
	UserID string `json:"user_id"`
}

func (p *NATSPlatform) SendToChannel(ctx context.Context, channelID string, msg render.Message) (string, error) {
	var out messageReply
	err := p.call(ctx, opSendChannel, messageRequest{Destination: InChannel(channelID), Message: &msg}, &out)
	return out.MessageID, err
}

func (p *NATSPlatform) SendDirect(ctx context.Context, userID string, msg render.Message) (string, error) {
	var out messageReply
	err := p.call(ctx, opSendDirect, messageRequest{Destination: Direct(userID), Message: &msg}, &out)
	return out.MessageID, err
}

func (p *NATSPlatform) EditMessage(ctx context.Context, dest Destination, messageID string, msg render.Message) error {
	return p.call(ctx, opEditMessage, messageRequest{Destination: dest, MessageID: messageID, Message: &msg}, nil)
}

func (p *NATSPlatform) DeleteMessage(ctx context.Context, dest Destination, messageID string) error {
	return p.call(ctx, opDeleteMessage, messageRequest{Destination: dest, MessageID: messageID}, nil)
}

func (p *NATSPlatform) ReactTo(ctx context.Context, dest Destination, messageID, emoji string) error {
	return p.call(ctx, opReact, messageRequest{Destination: dest, MessageID: messageID, Emoji: emoji}, nil)
}

func (p *NATSPlatform) FetchChannel(ctx context.Context, channelID string) (Channel, error) {
	var out Channel
	err := p.call(ctx, opFetchChannel, channelRequest{ChannelID: channelID}, &out)
	return out, err
}

func (p *NATSPlatform) CreateChannel(ctx context.Context, spec ChannelSpec) (Channel, error) {
	var out Channel
	err := p.call(ctx, opCreateChannel, spec, &out)
	return out, err
}

func (p *NATSPlatform) DeleteChannel(ctx context.Context, channelID, reason string) error {
	return p.call(ctx, opDeleteChannel, channelRequest{ChannelID: channelID, Reason: reason}, nil)
}

func (p *NATSPlatform) FetchUser(ctx context.Context, userID string) (User, error) {
	var out User
	err := p.call(ctx, opFetchUser, userRequest{UserID: userID}, &out)
	return out, err
}

// Download fetches an attachment straight from the platform CDN.
func (p *NATSPlatform) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: %w", url, ErrNotFound)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// Subject returns the request subject for an operation.
func (p *NATSPlatform) Subject(op string) string {
	return p.prefix + ".platform." + op
}

func (p *NATSPlatform) call(ctx context.Context, op string, request, out interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("platform %s: encode request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.conn.RequestWithContext(ctx, p.Subject(op), payload)
	if err != nil {
		p.logger.Warn().Err(err).Str("op", op).Msg("platform request failed")
		return fmt.Errorf("platform %s: %w", op, err)
	}

	return DecodeReply(op, msg.Data, out)
}

// DecodeReply unpacks a reply envelope into out, translating error codes into
// the package sentinels.
func DecodeReply(op string, data []byte, out interface{}) error {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("platform %s: decode reply: %w", op, err)
	}

	if reply.Error != nil {
		switch reply.Error.Code {
		case CodeNotFound:
			return fmt.Errorf("platform %s: %w", op, ErrNotFound)
		case CodeDMDisabled:
			return fmt.Errorf("platform %s: %w", op, ErrDirectMessagesDisabled)
		default:
			return fmt.Errorf("platform %s failed: %s (%s)", op, reply.Error.Message, reply.Error.Code)
		}
	}

	if out == nil || len(reply.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return fmt.Errorf("platform %s: decode data: %w", op, err)
	}
	return nil
}
