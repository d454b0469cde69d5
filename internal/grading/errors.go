package grading

import (
	"errors"
	"fmt"
)

// PublicGradingMessage is the only text a student ever sees for a GradingError.
const PublicGradingMessage = "grading temporarily unavailable"

// ConfigurationKind enumerates author-side specification problems.
type ConfigurationKind string

const (
	NoAnswerKey        ConfigurationKind = "no_answer_key"
	AmbiguousAnswerKey ConfigurationKind = "ambiguous_answer_key"
	NoTestCases        ConfigurationKind = "no_test_cases"
	InvalidSpec        ConfigurationKind = "invalid_spec"
)

// ConfigurationError reports a question specification that cannot be graded.
type ConfigurationError struct {
	Kind       ConfigurationKind
	QuestionID string
	Detail     string
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error (%s)", e.Kind)
	if e.QuestionID != "" {
		msg += " for question " + e.QuestionID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ValidationKind enumerates grade validation failures.
type ValidationKind string

const OutOfRange ValidationKind = "out_of_range"

// ValidationFailure reports a grade outside [MinGrade, MaxGrade].
type ValidationFailure struct {
	Kind  ValidationKind
	Value float64
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("grade %v is %s [%v, %v]", e.Value, e.Kind, MinGrade, MaxGrade)
}

// ExecutionFault describes a failed run of a program. On the student side it is case feedback;
// it only becomes an error when the answer key produced it.
type ExecutionFault struct {
	Kind    OutcomeKind
	Case    int
	Message string
}

func (e *ExecutionFault) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("case %d: %s", e.Case+1, e.Kind)
	}
	return fmt.Sprintf("case %d: %s: %s", e.Case+1, e.Kind, e.Message)
}

// EnvironmentFault wraps an execution environment failure that is not a program outcome,
// such as an unreachable container daemon.
type EnvironmentFault struct {
	Err error
}

func (e *EnvironmentFault) Error() string {
	return "execution environment: " + e.Err.Error()
}

func (e *EnvironmentFault) Unwrap() error { return e.Err }

// InvalidReason classifies why a submission was rejected.
type InvalidReason string

const (
	ReasonEmptySource         InvalidReason = "empty_source"
	ReasonUnsupportedLanguage InvalidReason = "unsupported_language"
	ReasonNotText             InvalidReason = "not_text"
	ReasonTooLarge            InvalidReason = "too_large"
	ReasonMissingEntryPoint   InvalidReason = "missing_entry_point"
	ReasonCompileFailed       InvalidReason = "compile_failed"
)

// InvalidSubmissionError means the submission cannot be graded as given. Message is safe
// to show to the student.
type InvalidSubmissionError struct {
	Reason  InvalidReason
	Message string
}

func (e *InvalidSubmissionError) Error() string {
	return "invalid submission: " + e.Message
}

// Stage names the pipeline step a GradingError came from.
type Stage string

const (
	StageResolve   Stage = "resolve_answer_key"
	StagePrepare   Stage = "prepare"
	StageRunCase   Stage = "run_case"
	StageAggregate Stage = "aggregate"
	StageValidate  Stage = "validate"
)

// GradingError means the grading machinery failed. Error() carries the full internal
// context for logs; PublicMessage() is what students get.
type GradingError struct {
	Stage      Stage
	QuestionID string
	Err        error
}

func (e *GradingError) Error() string {
	if e.QuestionID != "" {
		return fmt.Sprintf("grading error at %s (question %s): %v", e.Stage, e.QuestionID, e.Err)
	}
	return fmt.Sprintf("grading error at %s: %v", e.Stage, e.Err)
}

func (e *GradingError) Unwrap() error { return e.Err }

// PublicMessage returns the student-facing text for this error.
func (e *GradingError) PublicMessage() string { return PublicGradingMessage }

// IsInvalidSubmission reports whether err is (or wraps) an InvalidSubmissionError.
func IsInvalidSubmission(err error) bool {
	var target *InvalidSubmissionError
	return errors.As(err, &target)
}

// IsGradingError reports whether err is (or wraps) a GradingError.
func IsGradingError(err error) bool {
	var target *GradingError
	return errors.As(err, &target)
}

func newGradingError(stage Stage, questionID string, err error) *GradingError {
	return &GradingError{Stage: stage, QuestionID: questionID, Err: err}
}
