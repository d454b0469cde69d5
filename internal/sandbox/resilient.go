package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/grading"
)

// envReply carries either kind of environment answer through the generic fortify wrappers.
type envReply struct {
	run   grading.RunResult
	check grading.CheckResult
}

// ResilienceConfig tunes the protection placed in front of the container runtime.
type ResilienceConfig struct {
	MaxConcurrent   int
	MaxQueue        int
	QueueTimeout    time.Duration
	FailureTrip     int
	OpenTimeout     time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	DisableRetry    bool
	DisableBreaker  bool
	DisableBulkhead bool
}

// DefaultResilienceConfig returns defaults sized for a single grading node.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxConcurrent: 8,
		MaxQueue:      32,
		QueueTimeout:  30 * time.Second,
		FailureTrip:   5,
		OpenTimeout:   30 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    200 * time.Millisecond,
	}
}

// ResilientEnvironment bounds concurrent container runs and stops calling a runtime
// that keeps failing. Only environment errors count as failures: a student program
// that crashes or times out is a normal result.
type ResilientEnvironment struct {
	inner    grading.Environment
	breaker  circuitbreaker.CircuitBreaker[envReply]
	retrier  retry.Retry[envReply]
	bulkhead bulkhead.Bulkhead[envReply]
	logger   zerolog.Logger
}

// NewResilientEnvironment wraps inner with bulkhead, retry and circuit breaker protection.
func NewResilientEnvironment(inner grading.Environment, cfg ResilienceConfig, logger zerolog.Logger) *ResilientEnvironment {
	defaults := DefaultResilienceConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.MaxQueue < 0 {
		cfg.MaxQueue = 0
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = defaults.QueueTimeout
	}
	if cfg.FailureTrip <= 0 {
		cfg.FailureTrip = defaults.FailureTrip
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaults.RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	re := &ResilientEnvironment{
		inner:  inner,
		logger: logger.With().Str("component", "resilient_environment").Logger(),
	}

	if !cfg.DisableBreaker {
		trip := cfg.FailureTrip
		re.breaker = circuitbreaker.New[envReply](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return int(counts.ConsecutiveFailures) >= trip
			},
			// A cancelled run says nothing about the runtime's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				re.logger.Warn().
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("sandbox circuit breaker state change")
			},
		})
	}

	if !cfg.DisableRetry && cfg.RetryAttempts > 1 {
		re.retrier = retry.New[envReply](retry.Config{
			MaxAttempts:   cfg.RetryAttempts,
			InitialDelay:  cfg.RetryDelay,
			MaxDelay:      cfg.RetryDelay * 4,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable:   isRetryableEnvironmentError,
		})
	}

	if !cfg.DisableBulkhead {
		re.bulkhead = bulkhead.New[envReply](bulkhead.Config{
			MaxConcurrent: cfg.MaxConcurrent,
			MaxQueue:      cfg.MaxQueue,
			QueueTimeout:  cfg.QueueTimeout,
		})
	}

	return re
}

// Supports delegates to the wrapped environment.
func (r *ResilientEnvironment) Supports(language string) bool {
	return r.inner.Supports(language)
}

// Check runs the wrapped compile check under the resilience policies.
func (r *ResilientEnvironment) Check(ctx context.Context, program grading.Program, limits grading.Limits) (grading.CheckResult, error) {
	reply, err := r.execute(ctx, func(ctx context.Context) (envReply, error) {
		check, err := r.inner.Check(ctx, program, limits)
		return envReply{check: check}, err
	})
	return reply.check, err
}

// Run executes the wrapped run under the resilience policies.
func (r *ResilientEnvironment) Run(ctx context.Context, req grading.RunRequest) (grading.RunResult, error) {
	reply, err := r.execute(ctx, func(ctx context.Context) (envReply, error) {
		run, err := r.inner.Run(ctx, req)
		return envReply{run: run}, err
	})
	return reply.run, err
}

func (r *ResilientEnvironment) execute(ctx context.Context, call func(context.Context) (envReply, error)) (envReply, error) {
	operation := call

	if r.bulkhead != nil {
		operation = func(ctx context.Context) (envReply, error) {
			return r.bulkhead.Execute(ctx, call)
		}
	}

	guarded := operation
	if r.retrier != nil {
		guarded = func(ctx context.Context) (envReply, error) {
			return r.retrier.Do(ctx, operation)
		}
	}

	if r.breaker != nil {
		return r.breaker.Execute(ctx, guarded)
	}
	return guarded(ctx)
}

func isRetryableEnvironmentError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrUnsupportedLanguage)
}
