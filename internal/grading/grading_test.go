package grading

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateGradeBoundaries(t *testing.T) {
	for _, grade := range []float64{0, 100, 42.5} {
		got, err := ValidateGrade(grade)
		require.NoError(t, err)
		require.Equal(t, grade, got)
	}

	for _, grade := range []float64{-0.01, 100.01, math.NaN(), math.Inf(1)} {
		_, err := ValidateGrade(grade)
		require.Error(t, err)
		var failure *ValidationFailure
		require.True(t, errors.As(err, &failure))
		require.Equal(t, OutOfRange, failure.Kind)
	}
}

func TestResolveAnswerKey(t *testing.T) {
	plain := Implementation{Name: "draft", Program: Program{Language: "python", Source: "print(1)"}}
	key := MarkAnswerKey(Implementation{Name: "reference", Program: Program{Language: "python", Source: "print(2)"}})

	resolved, err := ResolveAnswerKey([]Implementation{plain, key})
	require.NoError(t, err)
	require.Equal(t, "reference", resolved.Name)

	_, err = ResolveAnswerKey([]Implementation{plain})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, NoAnswerKey, cfgErr.Kind)

	other := MarkAnswerKey(plain)
	_, err = ResolveAnswerKey([]Implementation{key, other})
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, AmbiguousAnswerKey, cfgErr.Kind)
	require.Contains(t, cfgErr.Detail, "reference")
	require.Contains(t, cfgErr.Detail, "draft")
}

func TestAnswerKeyRegistryCachesPerVersion(t *testing.T) {
	registry := NewAnswerKeyRegistry()
	spec := QuestionSpec{
		ID:      "sum",
		Version: 1,
		Implementations: []Implementation{
			MarkAnswerKey(Implementation{Name: "v1", Program: Program{Language: "python", Source: "a"}}),
		},
	}

	impl, err := registry.Resolve(spec)
	require.NoError(t, err)
	require.Equal(t, "v1", impl.Name)

	impl, err = registry.Resolve(spec)
	require.NoError(t, err)
	require.Equal(t, "v1", impl.Name)

	spec.Version = 2
	spec.Implementations = nil
	_, err = registry.Resolve(spec)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, NoAnswerKey, cfgErr.Kind)
	require.Equal(t, "sum", cfgErr.QuestionID)

	registry.Invalidate("sum")
	require.Zero(t, registry.Len())
}

func TestAnswerKeyRegistryFollowsEditsWithinVersion(t *testing.T) {
	registry := NewAnswerKeyRegistry()
	draft := Implementation{Name: "draft", Program: Program{Language: "python", Source: "d"}}
	spec := QuestionSpec{
		ID:      "sum",
		Version: 1,
		Implementations: []Implementation{
			draft,
			MarkAnswerKey(Implementation{Name: "first", Program: Program{Language: "python", Source: "a"}}),
		},
	}

	impl, err := registry.Resolve(spec)
	require.NoError(t, err)
	require.Equal(t, "first", impl.Name)

	edited := spec
	edited.Implementations = []Implementation{
		draft,
		MarkAnswerKey(Implementation{Name: "second", Program: Program{Language: "python", Source: "b"}}),
	}
	impl, err = registry.Resolve(edited)
	require.NoError(t, err)
	require.Equal(t, "second", impl.Name)
	require.Equal(t, "b", impl.Program.Source)

	remarked := spec
	remarked.Implementations = []Implementation{MarkAnswerKey(draft), spec.Implementations[1]}
	_, err = registry.Resolve(remarked)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, AmbiguousAnswerKey, cfgErr.Kind)

	impl, err = registry.Resolve(spec)
	require.NoError(t, err)
	require.Equal(t, "first", impl.Name)
}

func TestAnswerKeyRegistryAnonymousSpecsDoNotCollide(t *testing.T) {
	registry := NewAnswerKeyRegistry()
	left := QuestionSpec{Implementations: []Implementation{
		MarkAnswerKey(Implementation{Name: "left", Program: Program{Language: "python", Source: "l"}}),
	}}
	right := QuestionSpec{Implementations: []Implementation{
		MarkAnswerKey(Implementation{Name: "right", Program: Program{Language: "python", Source: "r"}}),
	}}

	impl, err := registry.Resolve(left)
	require.NoError(t, err)
	require.Equal(t, "left", impl.Name)

	impl, err = registry.Resolve(right)
	require.NoError(t, err)
	require.Equal(t, "right", impl.Name)
}

func TestMatchesPolicies(t *testing.T) {
	tolerance := Policy{Kind: PolicyNumeric, AbsTolerance: 1e-3}
	require.True(t, Matches("5.0", "5.0000001", tolerance))
	require.False(t, Matches("5.0", "5.1", tolerance))
	require.True(t, Matches("100", "104", Policy{Kind: PolicyNumeric, RelTolerance: 0.05}))
	require.False(t, Matches("100", "106", Policy{Kind: PolicyNumeric, RelTolerance: 0.05}))
	require.True(t, Matches("1 2.5\n3", "1 2.5001 3", Policy{Kind: PolicyNumeric, AbsTolerance: 0.01}))
	require.False(t, Matches("1 2", "1", tolerance))
	require.False(t, Matches("5.0", "five", tolerance))
	require.False(t, Matches("NaN", "NaN0", tolerance))

	normalized := Policy{Kind: PolicyNormalized}
	require.True(t, Matches("abc\n", "abc", normalized))
	require.True(t, Matches("a\r\nb  \r\n", "a\nb", normalized))
	require.False(t, Matches("a b", "a  b", normalized))
	require.False(t, Matches("ABC", "abc", normalized))
	require.True(t, Matches("ABC", "abc", Policy{Kind: PolicyNormalized, CaseInsensitive: true}))

	require.True(t, Matches("a  b\n c", "a b c", Policy{Kind: PolicyTokens}))
	require.False(t, Matches("a b c", "a c b", Policy{Kind: PolicyTokens}))

	require.True(t, Matches(`{"a":[1,2],"b":"x"}`, `{ "b": "x", "a": [1, 2] }`, Policy{Kind: PolicyJSON}))
	require.False(t, Matches(`{"a":1}`, `{"a":"1"}`, Policy{Kind: PolicyJSON}))
	require.False(t, Matches(`{"a":1}`, `not json`, Policy{Kind: PolicyJSON}))

	require.True(t, Matches("abc", "abc", Policy{Kind: PolicyExact}))
	require.False(t, Matches("abc\n", "abc", Policy{}))
}

func TestAggregate(t *testing.T) {
	feedback := []CaseFeedback{
		{Index: 0, Status: CasePass, Weight: 1},
		{Index: 1, Status: CaseTimedOut, Weight: 1},
		{Index: 2, Status: CasePass, Weight: 2},
	}

	grade, err := Aggregate(feedback, Method{})
	require.NoError(t, err)
	require.InDelta(t, 66.6667, grade, 0.001)

	grade, err = Aggregate(feedback, Method{Rounding: RoundNearest})
	require.NoError(t, err)
	require.Equal(t, 67.0, grade)

	grade, err = Aggregate(feedback, Method{Rounding: RoundTruncate})
	require.NoError(t, err)
	require.Equal(t, 66.0, grade)

	grade, err = Aggregate(feedback, Method{Weighted: true})
	require.NoError(t, err)
	require.InDelta(t, 75.0, grade, 1e-9)

	_, err = Aggregate(nil, Method{})
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, NoTestCases, cfgErr.Kind)

	_, err = Aggregate([]CaseFeedback{{Status: CasePass}}, Method{Weighted: true})
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, InvalidSpec, cfgErr.Kind)

	_, err = Aggregate([]CaseFeedback{{Status: CasePass, Weight: -1}, {Status: CasePass, Weight: 3}}, Method{Weighted: true})
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, InvalidSpec, cfgErr.Kind)
}

func TestClassifyRunResult(t *testing.T) {
	limits := Limits{Timeout: time.Second, MemoryMB: 64, MaxOutputBytes: 8}

	require.Equal(t, OutcomeSuccess, classify(RunResult{Stdout: "ok"}, limits).Kind)
	require.Equal(t, OutcomeTimedOut, classify(RunResult{TimedOut: true, ExitCode: 137}, limits).Kind)
	require.Equal(t, OutcomeResourceExceeded, classify(RunResult{OOMKilled: true, ExitCode: 137}, limits).Kind)
	require.Equal(t, OutcomeResourceExceeded, classify(RunResult{Stdout: "0123456789"}, limits).Kind)

	failed := classify(RunResult{ExitCode: 1, Stderr: "boom\n"}, limits)
	require.Equal(t, OutcomeRuntimeFailure, failed.Kind)
	require.Equal(t, "process exited with code 1: boom", failed.Message)

	silent := classify(RunResult{ExitCode: 2}, limits)
	require.Equal(t, "process exited with code 2", silent.Message)
	require.NotNil(t, silent.Fault(3))
	require.Nil(t, Outcome{Kind: OutcomeSuccess}.Fault(0))
}

func TestCaseLimitsAreSharedByBothSides(t *testing.T) {
	spec := QuestionSpec{
		Limits: Limits{Timeout: 2 * time.Second},
		Cases: []TestCase{
			{},
			{Limits: Limits{Timeout: 3 * time.Second, MemoryMB: 32}},
		},
	}

	first := spec.CaseLimits(0)
	require.Equal(t, 2*time.Second, first.Timeout)
	require.Equal(t, DefaultLimits.MemoryMB, first.MemoryMB)

	second := spec.CaseLimits(1)
	require.Equal(t, 3*time.Second, second.Timeout)
	require.Equal(t, int64(32), second.MemoryMB)
	require.Equal(t, DefaultLimits.MaxOutputBytes, second.MaxOutputBytes)
}

func TestErrorTaxonomyIsDisjoint(t *testing.T) {
	invalid := &InvalidSubmissionError{Reason: ReasonEmptySource, Message: "your submission is empty"}
	gradingErr := newGradingError(StageResolve, "q1", &ConfigurationError{Kind: NoAnswerKey})

	require.True(t, IsInvalidSubmission(invalid))
	require.False(t, IsGradingError(invalid))
	require.True(t, IsGradingError(gradingErr))
	require.False(t, IsInvalidSubmission(gradingErr))
	require.Equal(t, PublicGradingMessage, gradingErr.PublicMessage())
	require.Contains(t, gradingErr.Error(), "no_answer_key")

	var cfgErr *ConfigurationError
	require.True(t, errors.As(gradingErr, &cfgErr))

	wrapped := &EnvironmentFault{Err: context.DeadlineExceeded}
	require.True(t, errors.Is(wrapped, context.DeadlineExceeded))
}
