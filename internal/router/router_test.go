package router_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/newcircuit/modmail/internal/config"
	"github.com/newcircuit/modmail/internal/dto"
	"github.com/newcircuit/modmail/internal/handler"
	"github.com/newcircuit/modmail/internal/router"
	"github.com/newcircuit/modmail/internal/service"
)

const testSecret = "router-secret"

type categoriesOnly struct {
	service.QueryService
}

func (categoriesOnly) ListCategories(context.Context) ([]dto.CategoryResponse, error) {
	return []dto.CategoryResponse{}, nil
}

func newApp() *fiber.App {
	app := fiber.New()
	cfg := config.Config{AppName: "Modmail", AppEnv: "test", BotPrefix: "=", JWTSecret: testSecret}
	router.Register(app, cfg, router.Dependencies{
		ModmailHandler:     handler.NewModmailHandler(categoriesOnly{}, zerolog.Nop()),
		EventStreamHandler: handler.NewEventStreamHandler(service.NewEventFeed(nil, nil, "", zerolog.Nop()), zerolog.Nop()),
	})
	return app
}

func token(t *testing.T, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "1000000000000000001",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestHealthIsPublic(t *testing.T) {
	resp, err := newApp().Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "Modmail", resp.Header.Get("X-Application"))
}

func TestModmailRoutesRequireStaff(t *testing.T) {
	app := newApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "member"))
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "mod"))
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestEventStreamRequiresStaff(t *testing.T) {
	app := newApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "admin"))
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	resp, err := newApp().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}
