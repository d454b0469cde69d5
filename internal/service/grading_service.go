package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/questionbank"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// ErrQuestionNotFound indicates the requested question is not loaded.
var ErrQuestionNotFound = errors.New("question not found")

const incidentWriteTimeout = 5 * time.Second

// QuestionSource looks questions up by ID.
type QuestionSource interface {
	Get(id string) (grading.QuestionSpec, error)
}

// Grader grades a submission against a question.
type Grader interface {
	Grade(ctx context.Context, spec grading.QuestionSpec, sub grading.Submission) (grading.Result, error)
}

// GradingService exposes grading operations to the transports.
type GradingService interface {
	Grade(ctx context.Context, payload dto.GradeRequest) (dto.GradeResponse, error)
	Question(ctx context.Context, id string) (dto.QuestionResponse, error)
	Incidents(ctx context.Context, query dto.IncidentListQuery) (dto.IncidentListResponse, error)
}

type gradingService struct {
	questions QuestionSource
	grader    Grader
	incidents repository.IncidentRepository
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewGradingService constructs the grading service. incidents may be nil, in which case grading
// errors are only logged.
func NewGradingService(questions QuestionSource, grader Grader, incidents repository.IncidentRepository, validate *validator.Validate, logger zerolog.Logger) GradingService {
	observability.RegisterMetrics()

	return &gradingService{
		questions: questions,
		grader:    grader,
		incidents: incidents,
		validator: validate,
		logger:    logger.With().Str("component", "grading_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-grader/internal/service/grading"),
		now:       time.Now,
	}
}

func (s *gradingService) Grade(ctx context.Context, payload dto.GradeRequest) (dto.GradeResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		observability.GradingRequests().WithLabelValues("rejected").Inc()
		return dto.GradeResponse{}, err
	}

	requestID := strings.TrimSpace(payload.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(ctx, "grading.service.grade", trace.WithAttributes(
		attribute.String("grading.request_id", requestID),
		attribute.String("question.id", payload.QuestionID),
		attribute.String("submission.language", payload.Language),
	))
	defer span.End()

	logger := s.logger.With().
		Str("request_id", requestID).
		Str("question_id", payload.QuestionID).
		Str("language", payload.Language).
		Logger()

	spec, err := s.questions.Get(payload.QuestionID)
	if err != nil {
		observability.GradingRequests().WithLabelValues("unknown_question").Inc()
		span.SetStatus(codes.Error, "question_not_found")
		if errors.Is(err, questionbank.ErrQuestionNotFound) {
			return dto.GradeResponse{}, ErrQuestionNotFound
		}
		return dto.GradeResponse{}, err
	}

	started := s.now()
	result, err := s.grader.Grade(ctx, spec, grading.Submission{Language: payload.Language, Source: payload.Source})
	elapsed := s.now().Sub(started)
	observability.GradingDuration().Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)

		var invalid *grading.InvalidSubmissionError
		if errors.As(err, &invalid) {
			observability.GradingRequests().WithLabelValues("invalid_submission").Inc()
			span.SetStatus(codes.Error, "invalid_submission")
			logger.Info().Str("reason", string(invalid.Reason)).Msg("submission rejected")
			return dto.GradeResponse{}, invalid
		}

		gradingErr := asGradingError(err, spec.ID)
		observability.GradingRequests().WithLabelValues("grading_error").Inc()
		observability.Incidents().WithLabelValues(string(gradingErr.Stage)).Inc()
		span.SetStatus(codes.Error, "grading_error")
		logger.Error().
			Err(gradingErr).
			Str("stage", string(gradingErr.Stage)).
			Int("question_version", spec.Version).
			Msg("grading failed")
		s.recordIncident(ctx, logger, requestID, spec, payload.Language, gradingErr)
		return dto.GradeResponse{}, gradingErr
	}

	observability.GradingRequests().WithLabelValues("graded").Inc()
	observability.GradeDistribution().Observe(result.Grade)
	span.SetAttributes(
		attribute.Float64("grading.grade", result.Grade),
		attribute.Int("grading.passed", result.Passed),
	)
	logger.Info().
		Float64("grade", result.Grade).
		Int("passed", result.Passed).
		Int("total", result.Total).
		Dur("elapsed", elapsed).
		Msg("submission graded")

	return dto.NewGradeResponse(requestID, result, elapsed), nil
}

func (s *gradingService) Question(ctx context.Context, id string) (dto.QuestionResponse, error) {
	spec, err := s.questions.Get(id)
	if err != nil {
		if errors.Is(err, questionbank.ErrQuestionNotFound) {
			return dto.QuestionResponse{}, ErrQuestionNotFound
		}
		return dto.QuestionResponse{}, err
	}
	return dto.NewQuestionResponse(spec), nil
}

func (s *gradingService) Incidents(ctx context.Context, query dto.IncidentListQuery) (dto.IncidentListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.IncidentListResponse{}, err
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = 20
	}

	response := dto.IncidentListResponse{Items: []dto.IncidentResponse{}, Page: query.Page, PageSize: query.PageSize}
	if s.incidents == nil {
		return response, nil
	}

	items, total, err := s.incidents.List(ctx, repository.IncidentFilter{
		QuestionID: query.QuestionID,
		Stage:      query.Stage,
		Page:       query.Page,
		PageSize:   query.PageSize,
	})
	if err != nil {
		return dto.IncidentListResponse{}, fmt.Errorf("list incidents: %w", err)
	}

	for _, item := range items {
		response.Items = append(response.Items, dto.NewIncidentResponse(item))
	}
	response.Total = total
	return response, nil
}

// recordIncident persists the full internal context of a grading error. The write outlives a
// cancelled request so operators still see why it failed.
func (s *gradingService) recordIncident(ctx context.Context, logger zerolog.Logger, requestID string, spec grading.QuestionSpec, language string, gradingErr *grading.GradingError) {
	if s.incidents == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incidentWriteTimeout)
	defer cancel()

	incident := models.GradingIncident{
		RequestID:       requestID,
		QuestionID:      spec.ID,
		QuestionVersion: spec.Version,
		Stage:           string(gradingErr.Stage),
		Kind:            incidentKind(gradingErr),
		Language:        language,
		Message:         gradingErr.Error(),
		Context:         incidentContext(spec, gradingErr),
		CreatedAt:       s.now(),
	}

	if err := s.incidents.Create(writeCtx, &incident); err != nil {
		logger.Warn().Err(err).Msg("failed to record grading incident")
	}
}

func asGradingError(err error, questionID string) *grading.GradingError {
	var gradingErr *grading.GradingError
	if errors.As(err, &gradingErr) {
		return gradingErr
	}
	return &grading.GradingError{Stage: grading.StageRunCase, QuestionID: questionID, Err: err}
}

func incidentKind(err error) string {
	var (
		cfgErr     *grading.ConfigurationError
		validation *grading.ValidationFailure
		fault      *grading.ExecutionFault
		envFault   *grading.EnvironmentFault
	)
	switch {
	case errors.As(err, &cfgErr):
		return string(cfgErr.Kind)
	case errors.As(err, &validation):
		return string(validation.Kind)
	case errors.As(err, &fault):
		return "answer_key_" + string(fault.Kind)
	case errors.As(err, &envFault):
		return "environment"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

func incidentContext(spec grading.QuestionSpec, err error) datatypes.JSONMap {
	details := datatypes.JSONMap{
		"question_title": spec.Title,
		"case_count":     len(spec.Cases),
		"policy":         string(spec.Method.Policy.Kind),
		"weighted":       spec.Method.Weighted,
	}

	var fault *grading.ExecutionFault
	if errors.As(err, &fault) {
		details["case"] = fault.Case + 1
		details["fault_message"] = fault.Message
	}

	var cfgErr *grading.ConfigurationError
	if errors.As(err, &cfgErr) && cfgErr.Detail != "" {
		details["detail"] = cfgErr.Detail
	}
	return details
}
