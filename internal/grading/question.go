package grading

import (
	"fmt"
	"time"
)

// PolicyKind selects the output equivalence rule.
type PolicyKind string

const (
	PolicyExact      PolicyKind = "exact"
	PolicyNumeric    PolicyKind = "numeric"
	PolicyNormalized PolicyKind = "normalized"
	PolicyTokens     PolicyKind = "tokens"
	PolicyJSON       PolicyKind = "json"
)

// Policy configures the Comparator. Tolerances below zero are disabled.
type Policy struct {
	Kind            PolicyKind `json:"kind" yaml:"kind"`
	AbsTolerance    float64    `json:"abs_tolerance,omitempty" yaml:"abs_tolerance,omitempty"`
	RelTolerance    float64    `json:"rel_tolerance,omitempty" yaml:"rel_tolerance,omitempty"`
	CaseInsensitive bool       `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
}

// Rounding selects how an aggregated grade is rounded.
type Rounding string

const (
	RoundNone     Rounding = "none"
	RoundTruncate Rounding = "truncate"
	RoundNearest  Rounding = "nearest"
)

// Method is the per-question grading method: comparator policy plus aggregation mode.
type Method struct {
	Policy   Policy   `json:"policy" yaml:"policy"`
	Weighted bool     `json:"weighted,omitempty" yaml:"weighted,omitempty"`
	Rounding Rounding `json:"rounding,omitempty" yaml:"rounding,omitempty"`
	// PassThreshold marks the result as passed when the grade reaches it. Zero disables it.
	PassThreshold float64 `json:"pass_threshold,omitempty" yaml:"pass_threshold,omitempty"`
}

// Limits bounds a single program execution. Zero fields fall back to DefaultLimits.
type Limits struct {
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MemoryMB       int64         `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUShares      int64         `json:"cpu_shares,omitempty" yaml:"cpu_shares,omitempty"`
	MaxOutputBytes int64         `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"`
}

// DefaultLimits applies when neither the test case nor the question sets a limit.
var DefaultLimits = Limits{
	Timeout:        5 * time.Second,
	MemoryMB:       256,
	CPUShares:      512,
	MaxOutputBytes: 1 << 20,
}

// Or fills the zero fields of l from fallback.
func (l Limits) Or(fallback Limits) Limits {
	if l.Timeout <= 0 {
		l.Timeout = fallback.Timeout
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = fallback.MemoryMB
	}
	if l.CPUShares <= 0 {
		l.CPUShares = fallback.CPUShares
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = fallback.MaxOutputBytes
	}
	return l
}

// TestCase is one input the submission and the answer key are both run against.
type TestCase struct {
	Name     string  `json:"name,omitempty" yaml:"name,omitempty"`
	Input    string  `json:"input,omitempty" yaml:"input,omitempty"`
	HasInput bool    `json:"has_input,omitempty" yaml:"has_input,omitempty"`
	Weight   float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Limits   Limits  `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Program is source text plus the language used to run it.
type Program struct {
	Language string `json:"language" yaml:"language"`
	Source   string `json:"source" yaml:"source"`
}

// Implementation is a reference implementation supplied by the question author.
type Implementation struct {
	Name      string  `json:"name" yaml:"name"`
	Program   Program `json:"program" yaml:"program"`
	AnswerKey bool    `json:"answer_key,omitempty" yaml:"answer_key,omitempty"`
}

// MarkAnswerKey returns a copy of impl flagged as the authoritative answer key.
func MarkAnswerKey(impl Implementation) Implementation {
	impl.AnswerKey = true
	return impl
}

// QuestionSpec is everything the pipeline needs to grade one question.
type QuestionSpec struct {
	ID              string           `json:"id" yaml:"id"`
	Version         int              `json:"version" yaml:"version"`
	Title           string           `json:"title,omitempty" yaml:"title,omitempty"`
	Method          Method           `json:"method" yaml:"method"`
	Cases           []TestCase       `json:"cases" yaml:"cases"`
	Implementations []Implementation `json:"implementations" yaml:"implementations"`
	Limits          Limits           `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// CaseLimits returns the limits that apply to case i, identical for every program run on it.
func (q QuestionSpec) CaseLimits(i int) Limits {
	return q.Cases[i].Limits.Or(q.Limits).Or(DefaultLimits)
}

func (q QuestionSpec) cacheKey() string {
	return fmt.Sprintf("%s@%d", q.ID, q.Version)
}

// Submission is the student-authored program.
type Submission struct {
	Language string `json:"language"`
	Source   string `json:"source"`
}

// Program returns the submission as an executable program.
func (s Submission) Program() Program {
	return Program{Language: s.Language, Source: s.Source}
}

// CaseStatus is the per-case verdict recorded in feedback.
type CaseStatus string

const (
	CasePass             CaseStatus = "pass"
	CaseMismatch         CaseStatus = "mismatch"
	CaseRuntimeFailure   CaseStatus = "runtime_failure"
	CaseTimedOut         CaseStatus = "timed_out"
	CaseResourceExceeded CaseStatus = "resource_exceeded"
)

// CaseFeedback reports the outcome of one test case. It carries no timing so grading the
// same submission twice yields equal feedback.
type CaseFeedback struct {
	Index    int        `json:"index"`
	Name     string     `json:"name,omitempty"`
	Status   CaseStatus `json:"status"`
	Expected string     `json:"expected,omitempty"`
	Observed string     `json:"observed,omitempty"`
	Message  string     `json:"message,omitempty"`
	Weight   float64    `json:"weight"`
}

// Result is the outcome of grading one submission.
type Result struct {
	QuestionID string         `json:"question_id"`
	Grade      float64        `json:"grade"`
	Passed     int            `json:"passed"`
	Total      int            `json:"total"`
	Verdict    string         `json:"verdict,omitempty"`
	Feedback   []CaseFeedback `json:"feedback"`
}
