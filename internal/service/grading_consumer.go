package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
)

// GradingQueueGroup is the queue group every grader node joins so each request is graded once.
const GradingQueueGroup = "gema-grader"

// GradingConsumerConfig tunes the bus consumer.
type GradingConsumerConfig struct {
	SubjectPrefix  string
	MaxInFlight    int64
	RequestTimeout time.Duration
}

// GradingConsumer answers grading requests received over NATS request/reply.
type GradingConsumer struct {
	conn     *nats.Conn
	service  GradingService
	subject  string
	inFlight *semaphore.Weighted
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewGradingConsumer constructs the consumer. It does not subscribe until Start.
func NewGradingConsumer(conn *nats.Conn, svc GradingService, logger zerolog.Logger, cfg GradingConsumerConfig) *GradingConsumer {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}

	return &GradingConsumer{
		conn:     conn,
		service:  svc,
		subject:  GradingSubject(cfg.SubjectPrefix),
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
		timeout:  cfg.RequestTimeout,
		logger:   logger.With().Str("component", "grading_consumer").Logger(),
	}
}

// GradingSubject derives the request subject from a channel prefix such as "gema:grader".
func GradingSubject(prefix string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, ":", "."), ".")
	if prefix == "" {
		return "grading.requests"
	}
	return prefix + ".grading.requests"
}

// Subject returns the subject the consumer listens on.
func (c *GradingConsumer) Subject() string {
	return c.subject
}

// Start subscribes and keeps serving until ctx is cancelled, then drains the subscription.
func (c *GradingConsumer) Start(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("nats connection is not configured")
	}

	sub, err := c.conn.QueueSubscribe(c.subject, GradingQueueGroup, func(msg *nats.Msg) {
		c.dispatch(ctx, msg.Subject, msg.Reply, msg.Data, msg.Respond)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.subject, err)
	}

	c.logger.Info().Str("subject", c.subject).Str("queue", GradingQueueGroup).Msg("grading consumer started")

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to drain grading subscription")
		}
	}()
	return nil
}

// dispatch grades one request off the subscription goroutine. The semaphore bounds
// concurrent gradings on this node; waiting applies back pressure to the subscription. A
// request that cannot get a slot before shutdown is still answered so the caller does not
// wait out its own timeout.
func (c *GradingConsumer) dispatch(ctx context.Context, subject, replyTo string, data []byte, respond func([]byte) error) {
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("grading request rejected during shutdown")
		c.reply(subject, replyTo, dto.GradeReply{Code: "grading_unavailable", Message: grading.PublicGradingMessage}, respond)
		return
	}

	go func() {
		defer c.inFlight.Release(1)

		requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		c.reply(subject, replyTo, c.Handle(requestCtx, data), respond)
	}()
}

func (c *GradingConsumer) reply(subject, replyTo string, reply dto.GradeReply, respond func([]byte) error) {
	if replyTo == "" {
		c.logger.Warn().Str("subject", subject).Msg("grading request without reply subject")
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode grading reply")
		return
	}
	if err := respond(payload); err != nil {
		c.logger.Warn().Err(err).Msg("failed to publish grading reply")
	}
}

// Handle decodes one request payload, grades it and builds the reply envelope.
func (c *GradingConsumer) Handle(ctx context.Context, data []byte) dto.GradeReply {
	var payload dto.GradeRequest
	if err := json.Unmarshal(data, &payload); err != nil {
		return dto.GradeReply{Code: "invalid_request", Message: "invalid grading request payload"}
	}

	response, err := c.service.Grade(ctx, payload)
	if err != nil {
		return c.replyForError(err)
	}
	return dto.GradeReply{Success: true, Data: &response, Message: "graded"}
}

func (c *GradingConsumer) replyForError(err error) dto.GradeReply {
	var (
		validationErrs validator.ValidationErrors
		invalid        *grading.InvalidSubmissionError
		gradingErr     *grading.GradingError
	)

	switch {
	case errors.As(err, &validationErrs):
		return dto.GradeReply{Code: "invalid_request", Message: validationErrs.Error()}
	case errors.Is(err, ErrQuestionNotFound):
		return dto.GradeReply{Code: "question_not_found", Message: "question not found"}
	case errors.As(err, &invalid):
		return dto.GradeReply{Code: string(invalid.Reason), Message: invalid.Message}
	case errors.As(err, &gradingErr):
		return dto.GradeReply{Code: "grading_unavailable", Message: gradingErr.PublicMessage()}
	default:
		c.logger.Error().Err(err).Msg("unexpected grading failure")
		return dto.GradeReply{Code: "grading_unavailable", Message: grading.PublicGradingMessage}
	}
}
