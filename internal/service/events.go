package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event types published after state changes.
const (
	EventThreadOpened    = "thread.opened"
	EventThreadClosed    = "thread.closed"
	EventThreadForwarded = "thread.forwarded"
	EventMessageRelayed  = "message.relayed"
	EventMessageEdited   = "message.edited"
	EventMessageDeleted  = "message.deleted"
)

// Event describes a relay state change for dashboards and other nodes.
type Event struct {
	Source     string    `json:"source"`
	Type       string    `json:"type"`
	ThreadID   int64     `json:"thread_id,string"`
	CategoryID int64     `json:"category_id,string,omitempty"`
	MessageID  int64     `json:"message_id,string,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	AdminOnly  bool      `json:"admin_only,omitempty"`
	At         time.Time `json:"at"`
}

// EventPublisher fans relay events out to subscribers. Publishing never fails
// the operation that triggered it.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}

type eventPublisher struct {
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	nodeID      string
	logger      zerolog.Logger
}

// NewEventPublisher constructs a publisher writing to redis pubsub and NATS
// when either is configured.
func NewEventPublisher(redisClient *redis.Client, natsConn *nats.Conn, prefix string, logger zerolog.Logger) EventPublisher {
	if prefix == "" {
		prefix = "modmail"
	}
	return &eventPublisher{
		redis:       redisClient,
		redisStream: prefix + ":events",
		nats:        natsConn,
		natsSubject: prefix + ".events",
		nodeID:      uuid.NewString(),
		logger:      logger.With().Str("component", "event_publisher").Logger(),
	}
}

func (p *eventPublisher) Publish(ctx context.Context, event Event) {
	event.Source = p.nodeID
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to encode event")
		return
	}

	if p.redis != nil {
		if err := p.redis.Publish(ctx, p.redisStream, payload).Err(); err != nil {
			p.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to publish event to redis")
		}
	}

	if p.nats != nil {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			p.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to publish event to nats")
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) {}

// NopEventPublisher discards every event.
func NopEventPublisher() EventPublisher {
	return noopPublisher{}
}

// ErrEventFeedUnavailable indicates neither redis nor NATS is configured.
var ErrEventFeedUnavailable = errors.New("event feed unavailable")

// EventFeed streams the relay events published by every node.
type EventFeed interface {
	// Subscribe yields events until ctx ends, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

type eventFeed struct {
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	logger      zerolog.Logger
}

// NewEventFeed reads the channels NewEventPublisher writes to, preferring
// redis when both are configured.
func NewEventFeed(redisClient *redis.Client, natsConn *nats.Conn, prefix string, logger zerolog.Logger) EventFeed {
	if prefix == "" {
		prefix = "modmail"
	}
	return &eventFeed{
		redis:       redisClient,
		redisStream: prefix + ":events",
		nats:        natsConn,
		natsSubject: prefix + ".events",
		logger:      logger.With().Str("component", "event_feed").Logger(),
	}
}

func (f *eventFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	switch {
	case f.redis != nil:
		return f.subscribeRedis(ctx)
	case f.nats != nil:
		return f.subscribeNATS(ctx)
	default:
		return nil, ErrEventFeedUnavailable
	}
}

func (f *eventFeed) subscribeRedis(ctx context.Context) (<-chan Event, error) {
	pubsub := f.redis.Subscribe(ctx, f.redisStream)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", f.redisStream, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				f.forward(ctx, out, []byte(msg.Payload))
			}
		}
	}()
	return out, nil
}

func (f *eventFeed) subscribeNATS(ctx context.Context) (<-chan Event, error) {
	messages := make(chan *nats.Msg, 64)
	sub, err := f.nats.ChanSubscribe(f.natsSubject, messages)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", f.natsSubject, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-messages:
				f.forward(ctx, out, msg.Data)
			}
		}
	}()
	return out, nil
}

func (f *eventFeed) forward(ctx context.Context, out chan<- Event, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		f.logger.Warn().Err(err).Msg("dropping undecodable event")
		return
	}
	select {
	case out <- event:
	case <-ctx.Done():
	}
}
