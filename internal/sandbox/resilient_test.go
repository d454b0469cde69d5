package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/grading"
)

type countingEnv struct {
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
	result  grading.RunResult
	err     error
}

func (c *countingEnv) Supports(string) bool { return true }

func (c *countingEnv) Check(ctx context.Context, program grading.Program, limits grading.Limits) (grading.CheckResult, error) {
	c.calls.Add(1)
	return grading.CheckResult{OK: c.err == nil}, c.err
}

func (c *countingEnv) Run(ctx context.Context, req grading.RunRequest) (grading.RunResult, error) {
	c.calls.Add(1)
	current := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if current <= seen || c.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.result, c.err
}

func TestResilientEnvironmentPassesStudentFailuresThrough(t *testing.T) {
	inner := &countingEnv{result: grading.RunResult{ExitCode: 1, Stderr: "boom"}}
	env := NewResilientEnvironment(inner, ResilienceConfig{FailureTrip: 1, DisableRetry: true}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		result, err := env.Run(context.Background(), grading.RunRequest{Language: "python"})
		require.NoError(t, err)
		require.Equal(t, 1, result.ExitCode)
	}
	require.Equal(t, int32(5), inner.calls.Load())
}

func TestResilientEnvironmentOpensAfterEnvironmentFailures(t *testing.T) {
	inner := &countingEnv{err: errors.New("docker daemon unavailable")}
	env := NewResilientEnvironment(inner, ResilienceConfig{FailureTrip: 2, OpenTimeout: time.Minute, DisableRetry: true}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := env.Run(context.Background(), grading.RunRequest{})
		require.Error(t, err)
	}

	_, err := env.Check(context.Background(), grading.Program{}, grading.DefaultLimits)
	require.Error(t, err)
	require.Equal(t, int32(2), inner.calls.Load(), "an open breaker must not reach the runtime")
}

func TestResilientEnvironmentIgnoresCancelledRuns(t *testing.T) {
	inner := &countingEnv{err: context.Canceled}
	env := NewResilientEnvironment(inner, ResilienceConfig{FailureTrip: 2, OpenTimeout: time.Minute, DisableRetry: true}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := env.Run(context.Background(), grading.RunRequest{})
		require.ErrorIs(t, err, context.Canceled)
	}
	inner.err = context.DeadlineExceeded
	for i := 0; i < 3; i++ {
		_, err := env.Run(context.Background(), grading.RunRequest{})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	inner.err = nil
	inner.result = grading.RunResult{Stdout: "ok\n"}
	result, err := env.Run(context.Background(), grading.RunRequest{})
	require.NoError(t, err, "cancelled runs must not open the breaker")
	require.Equal(t, "ok\n", result.Stdout)
	require.Equal(t, int32(9), inner.calls.Load())
}

func TestResilientEnvironmentBoundsConcurrency(t *testing.T) {
	inner := &countingEnv{delay: 20 * time.Millisecond}
	env := NewResilientEnvironment(inner, ResilienceConfig{
		MaxConcurrent: 2,
		MaxQueue:      16,
		QueueTimeout:  5 * time.Second,
		DisableRetry:  true,
	}, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Run(context.Background(), grading.RunRequest{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.LessOrEqual(t, inner.maxSeen.Load(), int32(2))
	require.Equal(t, int32(8), inner.calls.Load())
}

func TestRetryableEnvironmentErrors(t *testing.T) {
	require.False(t, isRetryableEnvironmentError(nil))
	require.False(t, isRetryableEnvironmentError(context.Canceled))
	require.False(t, isRetryableEnvironmentError(ErrUnsupportedLanguage))
	require.True(t, isRetryableEnvironmentError(errors.New("connection reset")))
}
