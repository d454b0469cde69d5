package questionbank

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/gema-grader/internal/grading"
)

//go:embed schema.json
var schemaJSON string

var (
	// ErrQuestionNotFound is returned when no question has the requested ID.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidQuestion wraps every authoring problem found while loading a question.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrStaleVersion is returned when a question is replaced by an older version.
	ErrStaleVersion = errors.New("question version is older than the loaded one")
)

// Format is the encoding of a question document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func questionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("question.schema.json", schemaJSON)
	})
	return compiledSchema, schemaErr
}

// Bank holds the loaded questions keyed by ID.
type Bank struct {
	mu        sync.RWMutex
	questions map[string]grading.QuestionSpec
	validate  *validator.Validate
	keys      *grading.AnswerKeyRegistry
	defaults  grading.Limits
	logger    zerolog.Logger
}

// NewBank constructs an empty bank. keys may be nil; when set, replacing a question drops its
// cached answer-key resolution.
func NewBank(validate *validator.Validate, keys *grading.AnswerKeyRegistry, logger zerolog.Logger) *Bank {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return &Bank{
		questions: make(map[string]grading.QuestionSpec),
		validate:  validate,
		keys:      keys,
		logger:    logger.With().Str("component", "question_bank").Logger(),
	}
}

// WithDefaultLimits sets the limits written into questions that leave some of them unset, so
// every loaded question carries its execution limits explicitly.
func (b *Bank) WithDefaultLimits(limits grading.Limits) *Bank {
	b.defaults = limits
	return b
}

// Parse decodes and validates one question document. baseDir resolves source_file entries.
func (b *Bank) Parse(content []byte, format Format, baseDir string) (grading.QuestionSpec, error) {
	payload := content
	if format == FormatYAML {
		var raw interface{}
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return grading.QuestionSpec{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidQuestion, err)
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return grading.QuestionSpec{}, fmt.Errorf("%w: yaml is not representable as json: %v", ErrInvalidQuestion, err)
		}
		payload = converted
	}

	var generic interface{}
	if err := json.Unmarshal(payload, &generic); err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("%w: decode json: %v", ErrInvalidQuestion, err)
	}

	schema, err := questionSchema()
	if err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("compile question schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("%w: %v", ErrInvalidQuestion, err)
	}

	var doc questionDocument
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("%w: %v", ErrInvalidQuestion, err)
	}

	if err := b.validate.Struct(doc); err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("%w: %v", ErrInvalidQuestion, err)
	}

	spec, err := doc.toSpec(baseDir)
	if err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("%w: %s: %v", ErrInvalidQuestion, doc.ID, err)
	}
	spec.Limits = spec.Limits.Or(b.defaults)

	if err := CheckSpec(spec); err != nil {
		return grading.QuestionSpec{}, err
	}
	return spec, nil
}

// CheckSpec applies the authoring rules that a schema cannot express.
func CheckSpec(spec grading.QuestionSpec) error {
	wrap := func(err error) error {
		return fmt.Errorf("%w: %s: %w", ErrInvalidQuestion, spec.ID, err)
	}

	if len(spec.Cases) == 0 {
		return wrap(&grading.ConfigurationError{Kind: grading.NoTestCases, QuestionID: spec.ID})
	}

	if _, err := grading.ResolveAnswerKey(spec.Implementations); err != nil {
		return wrap(err)
	}

	if spec.Method.PassThreshold != 0 {
		if _, err := grading.ValidateGrade(spec.Method.PassThreshold); err != nil {
			return wrap(fmt.Errorf("pass_threshold: %w", err))
		}
	}

	if spec.Method.Weighted {
		// Weighted aggregation must be able to produce a grade for an all-passing run.
		feedback := make([]grading.CaseFeedback, len(spec.Cases))
		for i, tc := range spec.Cases {
			feedback[i] = grading.CaseFeedback{Index: i, Status: grading.CasePass, Weight: tc.Weight}
		}
		grade, err := grading.Aggregate(feedback, spec.Method)
		if err != nil {
			return wrap(err)
		}
		if _, err := grading.ValidateGrade(grade); err != nil {
			return wrap(err)
		}
	}

	return nil
}

// LoadFile reads, validates and stores the question in path.
func (b *Bank) LoadFile(path string) (grading.QuestionSpec, error) {
	format, ok := formatFor(path)
	if !ok {
		return grading.QuestionSpec{}, fmt.Errorf("%w: unsupported file extension %q", ErrInvalidQuestion, filepath.Ext(path))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("read question file: %w", err)
	}

	spec, err := b.Parse(content, format, filepath.Dir(path))
	if err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("%s: %w", path, err)
	}

	if err := b.Put(spec); err != nil {
		return grading.QuestionSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// LoadDir loads every question file below dir. Valid questions are kept even when others fail;
// the failures are joined into the returned error.
func (b *Bank) LoadDir(dir string) (int, error) {
	loaded := 0
	var failures []error

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if _, ok := formatFor(path); !ok {
			return nil
		}

		spec, loadErr := b.LoadFile(path)
		if loadErr != nil {
			b.logger.Warn().Err(loadErr).Str("path", path).Msg("skipping invalid question")
			failures = append(failures, loadErr)
			return nil
		}

		b.logger.Debug().Str("question_id", spec.ID).Int("version", spec.Version).Int("cases", len(spec.Cases)).Msg("question loaded")
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("walk question directory: %w", err)
	}

	b.logger.Info().Str("dir", dir).Int("loaded", loaded).Int("failed", len(failures)).Msg("question bank loaded")
	return loaded, errors.Join(failures...)
}

// Put stores spec after checking it. Replacing a question invalidates its answer-key cache.
func (b *Bank) Put(spec grading.QuestionSpec) error {
	if err := CheckSpec(spec); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.questions[spec.ID]; ok {
		if spec.Version < existing.Version {
			return fmt.Errorf("%w: %s has version %d, got %d", ErrStaleVersion, spec.ID, existing.Version, spec.Version)
		}
		if b.keys != nil {
			b.keys.Invalidate(spec.ID)
		}
	}

	b.questions[spec.ID] = spec
	return nil
}

// Get returns the question with the given ID.
func (b *Bank) Get(id string) (grading.QuestionSpec, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	spec, ok := b.questions[id]
	if !ok {
		return grading.QuestionSpec{}, fmt.Errorf("%w: %s", ErrQuestionNotFound, id)
	}
	return spec, nil
}

// List returns every loaded question ordered by ID.
func (b *Bank) List() []grading.QuestionSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()

	specs := make([]grading.QuestionSpec, 0, len(b.questions))
	for _, spec := range b.questions {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// Len reports how many questions are loaded.
func (b *Bank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.questions)
}

func formatFor(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".json":
		return FormatJSON, true
	default:
		return "", false
	}
}
