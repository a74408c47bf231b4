package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/middleware"
	"github.com/newcircuit/modmail/internal/service"
	"github.com/newcircuit/modmail/internal/utils"
)

// ModmailHandler exposes read-only thread history to the staff dashboard.
type ModmailHandler struct {
	query  service.QueryService
	logger zerolog.Logger
}

// NewModmailHandler constructs the dashboard handler.
func NewModmailHandler(query service.QueryService, logger zerolog.Logger) *ModmailHandler {
	return &ModmailHandler{
		query:  query,
		logger: logger.With().Str("component", "modmail_handler").Logger(),
	}
}

// Register mounts the read-only routes.
func (h *ModmailHandler) Register(router fiber.Router) {
	router.Get("/categories", h.listCategories)
	router.Get("/categories/:categoryID/threads", h.listThreads)
	router.Get("/threads/:threadID", h.getThread)
	router.Get("/threads/:threadID/messages", h.listMessages)
	router.Get("/channels/:channelID/thread", h.threadByChannel)
}

func (h *ModmailHandler) listCategories(c *fiber.Ctx) error {
	categories, err := h.query.ListCategories(c.UserContext())
	if err != nil {
		return h.fail(c, err, "failed to load categories")
	}
	return utils.SendSuccess(c, "categories retrieved", categories)
}

func (h *ModmailHandler) listThreads(c *fiber.Ctx) error {
	categoryID, err := parseIDParam(c, "categoryID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid category identifier")
	}

	var query dto.ThreadListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	result, err := h.query.ListThreads(c.UserContext(), categoryID, middleware.RoleFromContext(c), query)
	if err != nil {
		return h.fail(c, err, "failed to load threads")
	}
	return utils.OK(c, result.Items, "threads retrieved", result.Pagination)
}

func (h *ModmailHandler) getThread(c *fiber.Ctx) error {
	threadID, err := parseIDParam(c, "threadID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid thread identifier")
	}

	thread, err := h.query.GetThread(c.UserContext(), threadID, middleware.RoleFromContext(c))
	if err != nil {
		return h.fail(c, err, "failed to load thread")
	}
	return utils.SendSuccess(c, "thread retrieved", thread)
}

func (h *ModmailHandler) listMessages(c *fiber.Ctx) error {
	threadID, err := parseIDParam(c, "threadID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid thread identifier")
	}

	var query dto.MessageListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	page, err := h.query.ListMessages(c.UserContext(), threadID, middleware.RoleFromContext(c), query)
	if err != nil {
		return h.fail(c, err, "failed to load messages")
	}
	meta := fiber.Map{"total": page.Total}
	if page.NextAfter > 0 {
		meta["next_after"] = page.NextAfter
	}
	return utils.OK(c, page.Items, "messages retrieved", meta)
}

func (h *ModmailHandler) threadByChannel(c *fiber.Ctx) error {
	channelID := strings.TrimSpace(c.Params("channelID"))
	if channelID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid channel identifier")
	}

	thread, err := h.query.ThreadByChannel(c.UserContext(), channelID, middleware.RoleFromContext(c))
	if err != nil {
		return h.fail(c, err, "failed to load thread")
	}
	return utils.SendSuccess(c, "thread retrieved", thread)
}

func (h *ModmailHandler) fail(c *fiber.Ctx, err error, message string) error {
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid query parameters", validationDetails(err))
	case errors.Is(err, service.ErrForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "thread is restricted to admins")
	case errors.Is(err, service.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "not found")
	case errors.Is(err, service.ErrPersistenceUnavailable):
		logger := middleware.RequestLogger(h.logger, c)
		logger.Error().Err(err).Msg(message)
		return utils.SendError(c, fiber.StatusServiceUnavailable, "storage unavailable")
	default:
		logger := middleware.RequestLogger(h.logger, c)
		logger.Error().Err(err).Msg(message)
		return utils.SendError(c, fiber.StatusInternalServerError, message)
	}
}
