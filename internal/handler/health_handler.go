package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/newcircuit/modmail/internal/config"
	"github.com/newcircuit/modmail/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Prefix      string    `json:"prefix"`
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Prefix:      cfg.BotPrefix,
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
