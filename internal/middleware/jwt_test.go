package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/middleware"
)

const testSecret = "grader-secret"

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newAuthApp() *fiber.App {
	app := fiber.New()
	app.Use(middleware.RequestID())
	app.Use(middleware.CallerAuth(testSecret))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(middleware.CallerID(c))
	})
	app.Get("/ops", middleware.RequireRole(middleware.RoleOperator), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func perform(t *testing.T, app *fiber.App, path, token string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestCallerAuthAcceptsValidToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "lms", "role": "Grader", "exp": time.Now().Add(time.Hour).Unix()}, testSecret)

	resp := perform(t, newAuthApp(), "/", token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = perform(t, newAuthApp(), "/ops", token)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestCallerAuthOperatorRoleFromList(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "ops", "roles": []string{"operator"}, "exp": time.Now().Add(time.Hour).Unix()}, testSecret)

	resp := perform(t, newAuthApp(), "/ops", token)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestCallerAuthRejectsBadTokens(t *testing.T) {
	app := newAuthApp()

	require.Equal(t, fiber.StatusUnauthorized, perform(t, app, "/", "").StatusCode)

	wrongSecret := signToken(t, jwt.MapClaims{"sub": "lms", "exp": time.Now().Add(time.Hour).Unix()}, "other")
	require.Equal(t, fiber.StatusUnauthorized, perform(t, app, "/", wrongSecret).StatusCode)

	expired := signToken(t, jwt.MapClaims{"sub": "lms", "exp": time.Now().Add(-time.Hour).Unix()}, testSecret)
	require.Equal(t, fiber.StatusUnauthorized, perform(t, app, "/", expired).StatusCode)

	noExpiry := signToken(t, jwt.MapClaims{"sub": "lms"}, testSecret)
	require.Equal(t, fiber.StatusUnauthorized, perform(t, app, "/", noExpiry).StatusCode)

	noSubject := signToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}, testSecret)
	require.Equal(t, fiber.StatusUnauthorized, perform(t, app, "/", noSubject).StatusCode)
}

func TestRequestIDHonoursIncomingHeader(t *testing.T) {
	app := fiber.New()
	app.Use(middleware.RequestID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(middleware.RequestIDFromContext(c.UserContext()))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}
