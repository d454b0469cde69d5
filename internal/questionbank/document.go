package questionbank

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/noah-isme/gema-grader/internal/grading"
)

// questionDocument is the authoring format of a question file.
type questionDocument struct {
	ID              string                   `json:"id" validate:"required"`
	Version         int                      `json:"version" validate:"min=1"`
	Title           string                   `json:"title"`
	Method          methodDocument           `json:"method"`
	Limits          *limitsDocument          `json:"limits" validate:"omitempty"`
	Cases           []caseDocument           `json:"cases" validate:"required,min=1,dive"`
	Implementations []implementationDocument `json:"implementations" validate:"required,min=1,dive"`
}

type methodDocument struct {
	Policy          string  `json:"policy" validate:"omitempty,oneof=exact numeric normalized tokens json"`
	AbsTolerance    float64 `json:"abs_tolerance" validate:"gte=0"`
	RelTolerance    float64 `json:"rel_tolerance" validate:"gte=0"`
	CaseInsensitive bool    `json:"case_insensitive"`
	Weighted        bool    `json:"weighted"`
	Rounding        string  `json:"rounding" validate:"omitempty,oneof=none truncate nearest"`
	PassThreshold   float64 `json:"pass_threshold"`
}

type limitsDocument struct {
	Timeout        string `json:"timeout"`
	MemoryMB       int64  `json:"memory_mb" validate:"gte=0"`
	CPUShares      int64  `json:"cpu_shares" validate:"gte=0"`
	MaxOutputBytes int64  `json:"max_output_bytes" validate:"gte=0"`
}

type caseDocument struct {
	Name   string          `json:"name"`
	Input  *string         `json:"input"`
	Weight *float64        `json:"weight"`
	Limits *limitsDocument `json:"limits" validate:"omitempty"`
}

type implementationDocument struct {
	Name       string `json:"name" validate:"required"`
	Language   string `json:"language" validate:"required"`
	AnswerKey  bool   `json:"answer_key"`
	Source     string `json:"source" validate:"required_without=SourceFile"`
	SourceFile string `json:"source_file" validate:"required_without=Source"`
}

func (d questionDocument) toSpec(baseDir string) (grading.QuestionSpec, error) {
	spec := grading.QuestionSpec{
		ID:      d.ID,
		Version: d.Version,
		Title:   d.Title,
		Method: grading.Method{
			Policy: grading.Policy{
				Kind:            grading.PolicyKind(d.Method.Policy),
				AbsTolerance:    d.Method.AbsTolerance,
				RelTolerance:    d.Method.RelTolerance,
				CaseInsensitive: d.Method.CaseInsensitive,
			},
			Weighted:      d.Method.Weighted,
			Rounding:      grading.Rounding(d.Method.Rounding),
			PassThreshold: d.Method.PassThreshold,
		},
	}
	if spec.Method.Policy.Kind == "" {
		spec.Method.Policy.Kind = grading.PolicyExact
	}
	if spec.Method.Rounding == "" {
		spec.Method.Rounding = grading.RoundNone
	}

	limits, err := d.Limits.toLimits()
	if err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("limits: %w", err)
	}
	spec.Limits = limits

	for i, c := range d.Cases {
		tc := grading.TestCase{Name: c.Name, Weight: 1}
		if tc.Name == "" {
			tc.Name = fmt.Sprintf("case %d", i+1)
		}
		if c.Input != nil {
			tc.Input = *c.Input
			tc.HasInput = true
		}
		if c.Weight != nil {
			tc.Weight = *c.Weight
		}
		caseLimits, err := c.Limits.toLimits()
		if err != nil {
			return grading.QuestionSpec{}, fmt.Errorf("case %d limits: %w", i+1, err)
		}
		tc.Limits = caseLimits
		spec.Cases = append(spec.Cases, tc)
	}

	for _, impl := range d.Implementations {
		source := impl.Source
		if impl.SourceFile != "" {
			source, err = readSourceFile(baseDir, impl.SourceFile)
			if err != nil {
				return grading.QuestionSpec{}, fmt.Errorf("implementation %q: %w", impl.Name, err)
			}
		}
		candidate := grading.Implementation{
			Name:    impl.Name,
			Program: grading.Program{Language: impl.Language, Source: source},
		}
		if impl.AnswerKey {
			candidate = grading.MarkAnswerKey(candidate)
		}
		spec.Implementations = append(spec.Implementations, candidate)
	}

	return spec, nil
}

func (l *limitsDocument) toLimits() (grading.Limits, error) {
	if l == nil {
		return grading.Limits{}, nil
	}
	limits := grading.Limits{
		MemoryMB:       l.MemoryMB,
		CPUShares:      l.CPUShares,
		MaxOutputBytes: l.MaxOutputBytes,
	}
	if l.Timeout != "" {
		timeout, err := time.ParseDuration(l.Timeout)
		if err != nil {
			return grading.Limits{}, fmt.Errorf("timeout: %w", err)
		}
		if timeout <= 0 {
			return grading.Limits{}, fmt.Errorf("timeout must be positive, got %s", l.Timeout)
		}
		limits.Timeout = timeout
	}
	return limits, nil
}

func readSourceFile(baseDir, name string) (string, error) {
	if baseDir == "" {
		return "", fmt.Errorf("source_file %q needs a question directory", name)
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("source_file %q escapes the question directory", name)
	}
	content, err := os.ReadFile(filepath.Join(baseDir, name))
	if err != nil {
		return "", fmt.Errorf("read source_file: %w", err)
	}
	return string(content), nil
}
