package router_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/router"
)

const secret = "router-secret"

type stubService struct{}

func (stubService) Grade(context.Context, dto.GradeRequest) (dto.GradeResponse, error) {
	return dto.GradeResponse{}, nil
}

func (stubService) Question(_ context.Context, id string) (dto.QuestionResponse, error) {
	return dto.QuestionResponse{ID: id}, nil
}

func (stubService) Incidents(context.Context, dto.IncidentListQuery) (dto.IncidentListResponse, error) {
	return dto.IncidentListResponse{}, nil
}

func newApp(jwtSecret string) *fiber.App {
	app := fiber.New()
	cfg := config.Config{
		AppName:   "GEMA Grader",
		JWTSecret: jwtSecret,
		RateLimit: config.RateLimitConfig{Max: 100, Window: time.Minute},
	}
	router.Register(app, cfg, router.Dependencies{
		GradingHandler: handler.NewGradingHandler(stubService{}, zerolog.New(io.Discard)),
		Gatherer:       prometheus.NewRegistry(),
	})
	return app
}

func token(t *testing.T, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "lms",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func get(t *testing.T, app *fiber.App, path, bearer string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestRegisterPublicRoutes(t *testing.T) {
	app := newApp(secret)

	resp := get(t, app, "/api/v1/health", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "GEMA Grader", resp.Header.Get("X-Application"))

	resp = get(t, app, "/metrics", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRegisterProtectsGradingRoutes(t *testing.T) {
	app := newApp(secret)

	require.Equal(t, fiber.StatusUnauthorized, get(t, app, "/api/v1/grading/questions/sum", "").StatusCode)
	require.Equal(t, fiber.StatusOK, get(t, app, "/api/v1/grading/questions/sum", token(t, "grader")).StatusCode)
	require.Equal(t, fiber.StatusForbidden, get(t, app, "/api/v1/operator/incidents", token(t, "grader")).StatusCode)
	require.Equal(t, fiber.StatusOK, get(t, app, "/api/v1/operator/incidents", token(t, "operator")).StatusCode)
}

func TestRegisterWithoutSecretLeavesRoutesOpen(t *testing.T) {
	app := newApp("")

	require.Equal(t, fiber.StatusOK, get(t, app, "/api/v1/grading/questions/sum", "").StatusCode)
	require.Equal(t, fiber.StatusOK, get(t, app, "/api/v1/operator/incidents", "").StatusCode)
}
