package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/middleware"
	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/service"
)

const localStreamRole = "stream_role"

// EventStreamHandler pushes relay events to dashboards over a websocket.
// The stream is read-only; events of admin-only threads reach admins only.
type EventStreamHandler struct {
	feed   service.EventFeed
	logger zerolog.Logger
}

// NewEventStreamHandler creates an event stream handler.
func NewEventStreamHandler(feed service.EventFeed, logger zerolog.Logger) *EventStreamHandler {
	return &EventStreamHandler{
		feed:   feed,
		logger: logger.With().Str("component", "event_stream_handler").Logger(),
	}
}

// Register binds the stream under the provided router group.
func (h *EventStreamHandler) Register(router fiber.Router) {
	router.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals(localStreamRole, middleware.RoleFromContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/events", websocket.New(h.stream))
}

func (h *EventStreamHandler) stream(conn *websocket.Conn) {
	role, _ := conn.Locals(localStreamRole).(models.RoleLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.feed.Subscribe(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("event stream unavailable")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "event stream unavailable"))
		return
	}

	// Inbound frames are ignored; reading only notices the client leaving.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug().Str("role", string(role)).Msg("event stream connected")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.AdminOnly && role != models.RoleAdmin {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug().Err(err).Msg("event stream closed")
				return
			}
		}
	}
}
