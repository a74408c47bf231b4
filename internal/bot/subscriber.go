package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/observability"
)

// QueueGroup is shared by every relay node so each gateway event is handled once.
const QueueGroup = "modmail-gateway"

// drainer is the part of *nats.Subscription used for shutdown.
type drainer interface {
	Drain() error
	IsValid() bool
}

// Subscriber receives gateway events from NATS and hands them to the dispatcher.
type Subscriber struct {
	conn       *nats.Conn
	subject    string
	decoder    *Decoder
	dispatcher *Dispatcher
	logger     zerolog.Logger

	sub       drainer
	drainPoll time.Duration
}

// NewSubscriber listens on "<prefix>.gateway.events".
func NewSubscriber(conn *nats.Conn, prefix string, decoder *Decoder, dispatcher *Dispatcher, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		conn:       conn,
		subject:    prefix + ".gateway.events",
		decoder:    decoder,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "gateway_subscriber").Logger(),
		drainPoll:  10 * time.Millisecond,
	}
}

// Subject returns the subject the subscriber listens on.
func (s *Subscriber) Subject() string {
	return s.subject
}

// Start subscribes to gateway events. Call Stop before shutting the
// dispatcher down.
func (s *Subscriber) Start() error {
	sub, err := s.conn.QueueSubscribe(s.subject, QueueGroup, func(msg *nats.Msg) {
		_ = s.Deliver(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub

	s.logger.Info().Str("subject", s.subject).Msg("listening for gateway events")
	return nil
}

// Stop drains the subscription and waits until every buffered event has been
// handed to the dispatcher, or ctx ends.
func (s *Subscriber) Stop(ctx context.Context) error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Drain(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("drain gateway subscription: %w", err)
	}

	ticker := time.NewTicker(s.drainPoll)
	defer ticker.Stop()
	for s.sub.IsValid() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain gateway subscription: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	s.logger.Info().Msg("gateway subscription drained")
	return nil
}

// Deliver decodes one payload and queues it.
func (s *Subscriber) Deliver(data []byte) error {
	event, err := s.decoder.Decode(data)
	if err != nil {
		observability.GatewayEvents().WithLabelValues("unknown", "invalid").Inc()
		s.logger.Warn().Err(err).Msg("dropping gateway event")
		return err
	}
	if err := s.dispatcher.Submit(event); err != nil {
		s.logger.Warn().Err(err).Str("type", event.Type).Msg("gateway event not queued")
		return err
	}
	return nil
}
