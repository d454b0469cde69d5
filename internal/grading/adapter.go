package grading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const stderrTailBytes = 2048

// RunRequest asks the execution environment to run a program once.
type RunRequest struct {
	Language string
	Source   string
	Input    string
	HasInput bool
	Limits   Limits
}

// RunResult is the raw observation of one run, before classification.
type RunResult struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Duration        time.Duration
	TimedOut        bool
	OOMKilled       bool
	OutputTruncated bool
}

// CheckResult is the outcome of a compile or syntax check.
type CheckResult struct {
	OK bool
	// EntryPointMissing distinguishes a missing main from other compile errors.
	EntryPointMissing bool
	Message           string
}

// Environment is the external capability that actually isolates and runs programs.
// Implementations must tear down everything they start on every exit path.
type Environment interface {
	Supports(language string) bool
	Check(ctx context.Context, program Program, limits Limits) (CheckResult, error)
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// OutcomeKind classifies a single run.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeRuntimeFailure   OutcomeKind = "runtime_failure"
	OutcomeTimedOut         OutcomeKind = "timed_out"
	OutcomeResourceExceeded OutcomeKind = "resource_exceeded"
)

// Outcome is the classified result of running a program on one test case.
type Outcome struct {
	Kind     OutcomeKind
	Output   string
	Message  string
	Duration time.Duration
}

// Fault converts a non-successful outcome into an ExecutionFault for case index.
func (o Outcome) Fault(index int) *ExecutionFault {
	if o.Kind == OutcomeSuccess {
		return nil
	}
	return &ExecutionFault{Kind: o.Kind, Case: index, Message: o.Message}
}

// Adapter runs programs through an Environment and classifies what happened.
type Adapter struct {
	env    Environment
	tracer trace.Tracer
}

// NewAdapter wraps env.
func NewAdapter(env Environment) *Adapter {
	return &Adapter{
		env:    env,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/internal/grading"),
	}
}

// Supports reports whether the environment can run language.
func (a *Adapter) Supports(language string) bool {
	return a.env.Supports(language)
}

// Prepare compiles or syntax-checks program before any case runs.
func (a *Adapter) Prepare(ctx context.Context, program Program, limits Limits) (CheckResult, error) {
	ctx, span := a.tracer.Start(ctx, "grading.adapter.prepare", trace.WithAttributes(
		attribute.String("program.language", program.Language),
	))
	defer span.End()

	result, err := a.env.Check(ctx, program, limits)
	if err != nil {
		span.RecordError(err)
		return CheckResult{}, &EnvironmentFault{Err: err}
	}
	return result, nil
}

// Execute runs program against tc under limits. The returned error is always an
// EnvironmentFault; program failures are reported through the Outcome.
func (a *Adapter) Execute(ctx context.Context, program Program, tc TestCase, limits Limits) (Outcome, error) {
	ctx, span := a.tracer.Start(ctx, "grading.adapter.execute", trace.WithAttributes(
		attribute.String("program.language", program.Language),
		attribute.Int64("limits.timeout_ms", limits.Timeout.Milliseconds()),
	))
	defer span.End()

	result, err := a.env.Run(ctx, RunRequest{
		Language: program.Language,
		Source:   program.Source,
		Input:    tc.Input,
		HasInput: tc.HasInput,
		Limits:   limits,
	})
	if err != nil {
		span.RecordError(err)
		return Outcome{}, &EnvironmentFault{Err: err}
	}

	outcome := classify(result, limits)
	span.SetAttributes(attribute.String("outcome.kind", string(outcome.Kind)))
	return outcome, nil
}

func classify(result RunResult, limits Limits) Outcome {
	outcome := Outcome{Output: result.Stdout, Duration: result.Duration}

	switch {
	case result.TimedOut:
		outcome.Kind = OutcomeTimedOut
		outcome.Message = fmt.Sprintf("time limit of %s exceeded", limits.Timeout)
	case result.OOMKilled:
		outcome.Kind = OutcomeResourceExceeded
		outcome.Message = fmt.Sprintf("memory limit of %d MB exceeded", limits.MemoryMB)
	case result.OutputTruncated || (limits.MaxOutputBytes > 0 && int64(len(result.Stdout)) > limits.MaxOutputBytes):
		outcome.Kind = OutcomeResourceExceeded
		outcome.Message = fmt.Sprintf("output limit of %d bytes exceeded", limits.MaxOutputBytes)
	case result.ExitCode != 0:
		outcome.Kind = OutcomeRuntimeFailure
		outcome.Message = runtimeMessage(result)
	default:
		outcome.Kind = OutcomeSuccess
	}

	if outcome.Kind != OutcomeSuccess && outcome.Kind != OutcomeRuntimeFailure {
		outcome.Output = ""
	}
	return outcome
}

func runtimeMessage(result RunResult) string {
	stderr := strings.TrimSpace(result.Stderr)
	if len(stderr) > stderrTailBytes {
		stderr = "..." + stderr[len(stderr)-stderrTailBytes:]
	}
	if stderr == "" {
		return fmt.Sprintf("process exited with code %d", result.ExitCode)
	}
	return fmt.Sprintf("process exited with code %d: %s", result.ExitCode, stderr)
}
