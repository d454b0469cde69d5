package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-grader/internal/observability"
)

const (
	defaultConcurrency    = 4
	defaultMaxSourceBytes = 64 * 1024
	maxFeedbackBytes      = 4096
)

// Config tunes the pipeline. Question-specific policy never lives here.
type Config struct {
	// Concurrency bounds how many test cases run at once for one request.
	Concurrency    int
	MaxSourceBytes int
}

// Pipeline grades submissions against question specifications.
type Pipeline struct {
	adapter   *Adapter
	keys      *AnswerKeyRegistry
	expected  *ExpectedCache
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	cfg       Config
}

// NewPipeline constructs a pipeline. A nil cache keeps expected outputs in memory.
func NewPipeline(env Environment, cache *ExpectedCache, logger zerolog.Logger, cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = defaultMaxSourceBytes
	}
	if cache == nil {
		cache = NewExpectedCache(nil)
	}

	p := &Pipeline{
		adapter:   NewAdapter(env),
		keys:      NewAnswerKeyRegistry(),
		expected:  cache,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "grading_pipeline").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-grader/internal/grading"),
		cfg:       cfg,
	}
	if cache.OnStoreError == nil {
		cache.OnStoreError = func(op string, err error) {
			p.logger.Warn().Err(err).Str("op", op).Msg("expected output store unavailable")
		}
	}
	return p
}

// AnswerKeys exposes the registry so callers can invalidate edited questions.
func (p *Pipeline) AnswerKeys() *AnswerKeyRegistry {
	return p.keys
}

// Grade runs sub against every test case of spec. The only errors it returns are
// *InvalidSubmissionError and *GradingError.
func (p *Pipeline) Grade(ctx context.Context, spec QuestionSpec, sub Submission) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "grading.pipeline.grade", trace.WithAttributes(
		attribute.String("question.id", spec.ID),
		attribute.Int("question.version", spec.Version),
		attribute.Int("question.cases", len(spec.Cases)),
		attribute.String("submission.language", sub.Language),
	))
	defer span.End()

	result, err := p.grade(ctx, spec, sub)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, classifyError(err))
		return Result{}, err
	}

	span.SetAttributes(attribute.Float64("grading.grade", result.Grade))
	return result, nil
}

func (p *Pipeline) grade(ctx context.Context, spec QuestionSpec, sub Submission) (Result, error) {
	if len(spec.Cases) == 0 {
		return Result{}, newGradingError(StageResolve, spec.ID, &ConfigurationError{Kind: NoTestCases, QuestionID: spec.ID})
	}

	if err := p.validateSubmission(sub); err != nil {
		return Result{}, err
	}

	answerKey, err := p.keys.Resolve(spec)
	if err != nil {
		return Result{}, newGradingError(StageResolve, spec.ID, err)
	}

	student := sub.Program()
	if err := p.prepareStudent(ctx, spec, student); err != nil {
		return Result{}, err
	}

	if err := p.prepareAnswerKey(ctx, spec, answerKey); err != nil {
		return Result{}, err
	}

	feedback, err := p.runCases(ctx, spec, student, answerKey)
	if err != nil {
		return Result{}, err
	}

	grade, err := Aggregate(feedback, spec.Method)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.QuestionID = spec.ID
		}
		return Result{}, newGradingError(StageAggregate, spec.ID, err)
	}

	if _, err := ValidateGrade(grade); err != nil {
		p.logger.Error().Err(err).Str("question_id", spec.ID).Msg("aggregated grade failed validation")
		return Result{}, newGradingError(StageValidate, spec.ID, err)
	}

	result := Result{
		QuestionID: spec.ID,
		Grade:      grade,
		Total:      len(feedback),
		Feedback:   feedback,
	}
	for _, fb := range feedback {
		if fb.Status == CasePass {
			result.Passed++
		}
	}
	if threshold := spec.Method.PassThreshold; threshold > 0 {
		result.Verdict = "failed"
		if grade >= threshold {
			result.Verdict = "passed"
		}
	}

	return result, nil
}

func (p *Pipeline) validateSubmission(sub Submission) error {
	if strings.TrimSpace(sub.Source) == "" {
		return &InvalidSubmissionError{Reason: ReasonEmptySource, Message: "your submission is empty"}
	}
	if len(sub.Source) > p.cfg.MaxSourceBytes {
		return &InvalidSubmissionError{
			Reason:  ReasonTooLarge,
			Message: fmt.Sprintf("your submission is larger than %d bytes", p.cfg.MaxSourceBytes),
		}
	}
	if mime := mimetype.Detect([]byte(sub.Source)); !isProgramText(mime) {
		return &InvalidSubmissionError{
			Reason:  ReasonNotText,
			Message: fmt.Sprintf("your submission must be program text, got %s", mime.String()),
		}
	}
	if !p.adapter.Supports(sub.Language) {
		return &InvalidSubmissionError{
			Reason:  ReasonUnsupportedLanguage,
			Message: fmt.Sprintf("language %q is not supported", sub.Language),
		}
	}
	return nil
}

func (p *Pipeline) prepareStudent(ctx context.Context, spec QuestionSpec, student Program) error {
	check, err := p.adapter.Prepare(ctx, student, spec.Limits.Or(DefaultLimits))
	if err != nil {
		return newGradingError(StagePrepare, spec.ID, err)
	}
	if check.OK {
		return nil
	}

	reason := ReasonCompileFailed
	message := "your program failed to compile"
	if check.EntryPointMissing {
		reason = ReasonMissingEntryPoint
		message = "your program is missing its entry point"
	}
	if detail := p.sanitize(check.Message); detail != "" {
		message += ": " + detail
	}
	return &InvalidSubmissionError{Reason: reason, Message: message}
}

// prepareAnswerKey checks the answer key once per question version and key source.
func (p *Pipeline) prepareAnswerKey(ctx context.Context, spec QuestionSpec, answerKey Implementation) error {
	key := preparedKey(spec, answerKey)
	if p.keys.isPrepared(key) {
		return nil
	}

	check, err := p.adapter.Prepare(ctx, answerKey.Program, spec.Limits.Or(DefaultLimits))
	if err != nil {
		return newGradingError(StagePrepare, spec.ID, fmt.Errorf("answer key %q: %w", answerKey.Name, err))
	}
	if !check.OK {
		detail := check.Message
		if check.EntryPointMissing {
			detail = "missing entry point"
		}
		p.logger.Error().
			Str("question_id", spec.ID).
			Str("answer_key", answerKey.Name).
			Str("detail", detail).
			Msg("answer key failed its compile check")
		return newGradingError(StagePrepare, spec.ID, &ConfigurationError{
			Kind:       InvalidSpec,
			QuestionID: spec.ID,
			Detail:     fmt.Sprintf("answer key %q does not compile: %s", answerKey.Name, detail),
		})
	}

	p.keys.markPrepared(key)
	return nil
}

func (p *Pipeline) runCases(ctx context.Context, spec QuestionSpec, student Program, answerKey Implementation) ([]CaseFeedback, error) {
	feedback := make([]CaseFeedback, len(spec.Cases))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.Concurrency)

	for i := range spec.Cases {
		index := i
		group.Go(func() error {
			fb, err := p.runCase(groupCtx, spec, student, answerKey, index)
			if err != nil {
				return err
			}
			feedback[index] = fb
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return feedback, nil
}

func (p *Pipeline) runCase(ctx context.Context, spec QuestionSpec, student Program, answerKey Implementation, index int) (CaseFeedback, error) {
	ctx, span := p.tracer.Start(ctx, "grading.pipeline.case", trace.WithAttributes(
		attribute.Int("case.index", index),
	))
	defer span.End()

	tc := spec.Cases[index]
	limits := spec.CaseLimits(index)

	expected, err := p.expectedOutput(ctx, spec, answerKey, index)
	if err != nil {
		span.RecordError(err)
		return CaseFeedback{}, err
	}

	outcome, err := p.adapter.Execute(ctx, student, tc, limits)
	if err != nil {
		span.RecordError(err)
		return CaseFeedback{}, newGradingError(StageRunCase, spec.ID, err)
	}
	// A run cut short by the request is not the student's time limit.
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.RecordError(ctxErr)
		return CaseFeedback{}, newGradingError(StageRunCase, spec.ID, ctxErr)
	}

	fb := CaseFeedback{
		Index:  index,
		Name:   tc.Name,
		Weight: tc.Weight,
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		if Matches(expected, outcome.Output, spec.Method.Policy) {
			fb.Status = CasePass
		} else {
			fb.Status = CaseMismatch
			fb.Expected = truncate(expected)
			fb.Observed = truncate(outcome.Output)
			if strings.TrimSpace(outcome.Output) == "" {
				fb.Message = fmt.Sprintf("your program did not produce output for case %d", index+1)
			}
		}
	case OutcomeTimedOut:
		fb.Status = CaseTimedOut
		fb.Message = outcome.Message
	case OutcomeResourceExceeded:
		fb.Status = CaseResourceExceeded
		fb.Message = outcome.Message
	default:
		fb.Status = CaseRuntimeFailure
		fb.Message = p.sanitize(outcome.Message)
	}

	observability.CaseOutcomes().WithLabelValues(string(fb.Status)).Inc()
	span.SetAttributes(attribute.String("case.status", string(fb.Status)))
	p.logger.Debug().
		Str("question_id", spec.ID).
		Int("case", index+1).
		Str("status", string(fb.Status)).
		Dur("duration", outcome.Duration).
		Msg("case graded")

	return fb, nil
}

func (p *Pipeline) expectedOutput(ctx context.Context, spec QuestionSpec, answerKey Implementation, index int) (string, error) {
	key := expectedKey(spec, answerKey, index)
	output, hit, err := p.expected.Load(ctx, key, func(ctx context.Context) (string, error) {
		started := time.Now()
		outcome, err := p.adapter.Execute(ctx, answerKey.Program, spec.Cases[index], spec.CaseLimits(index))
		if err != nil {
			return "", err
		}
		if fault := outcome.Fault(index); fault != nil {
			p.logger.Error().
				Str("question_id", spec.ID).
				Str("answer_key", answerKey.Name).
				Int("case", index+1).
				Str("kind", string(fault.Kind)).
				Dur("elapsed", time.Since(started)).
				Msg("answer key failed to execute")
			return "", fault
		}
		return outcome.Output, nil
	})
	if err != nil {
		return "", newGradingError(StageRunCase, spec.ID, fmt.Errorf("answer key %q: %w", answerKey.Name, err))
	}

	if hit {
		observability.ExpectedCacheLookups().WithLabelValues("hit").Inc()
	} else {
		observability.ExpectedCacheLookups().WithLabelValues("miss").Inc()
	}
	return output, nil
}

// isProgramText accepts anything detected as a kind of text/plain. Source that happens to
// parse as JSON or CSV is still program text.
func isProgramText(mime *mimetype.MIME) bool {
	for m := mime; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

func (p *Pipeline) sanitize(message string) string {
	return strings.TrimSpace(p.sanitizer.Sanitize(message))
}

func truncate(s string) string {
	if len(s) <= maxFeedbackBytes {
		return s
	}
	return s[:maxFeedbackBytes] + "..."
}

func classifyError(err error) string {
	switch {
	case IsInvalidSubmission(err):
		return "invalid_submission"
	case IsGradingError(err):
		return "grading_error"
	default:
		return "error"
	}
}
