package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// GradingHandler exposes grading over HTTP.
type GradingHandler struct {
	service service.GradingService
	logger  zerolog.Logger
}

// NewGradingHandler constructs a grading handler.
func NewGradingHandler(service service.GradingService, logger zerolog.Logger) *GradingHandler {
	return &GradingHandler{
		service: service,
		logger:  logger.With().Str("component", "grading_handler").Logger(),
	}
}

// RegisterGrading wires the routes used by graders.
func (h *GradingHandler) RegisterGrading(router fiber.Router) {
	router.Post("/grade", h.grade)
	router.Get("/questions/:id", h.question)
}

// RegisterOperator wires the routes used by operators.
func (h *GradingHandler) RegisterOperator(router fiber.Router) {
	router.Get("/incidents", h.incidents)
}

func (h *GradingHandler) grade(c *fiber.Ctx) error {
	var payload dto.GradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, "invalid_request", "invalid payload")
	}

	if strings.TrimSpace(payload.RequestID) == "" {
		payload.RequestID = middleware.GetRequestID(c)
	}

	response, err := h.service.Grade(c.UserContext(), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "submission graded", response)
}

func (h *GradingHandler) question(c *fiber.Ctx) error {
	response, err := h.service.Question(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "question retrieved", response)
}

func (h *GradingHandler) incidents(c *fiber.Ctx) error {
	var query dto.IncidentListQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, "invalid_request", "invalid query parameters")
	}

	response, err := h.service.Incidents(c.UserContext(), query)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "incidents retrieved", response)
}

func (h *GradingHandler) handleError(c *fiber.Ctx, err error) error {
	var (
		invalid    *grading.InvalidSubmissionError
		gradingErr *grading.GradingError
	)

	switch {
	case isValidationError(err):
		return utils.SendErrorWithCode(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, service.ErrQuestionNotFound):
		return utils.SendErrorWithCode(c, fiber.StatusNotFound, "question_not_found", "question not found")
	case errors.As(err, &invalid):
		return utils.SendErrorWithCode(c, fiber.StatusUnprocessableEntity, string(invalid.Reason), invalid.Message)
	case errors.As(err, &gradingErr):
		// Internal detail is already logged and recorded by the service.
		return utils.SendErrorWithCode(c, fiber.StatusServiceUnavailable, "grading_unavailable", gradingErr.PublicMessage())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("grading request failed")
		return utils.SendErrorWithCode(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
	}
}
