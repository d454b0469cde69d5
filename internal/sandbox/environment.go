package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/grading"
	dockerexec "github.com/noah-isme/gema-grader/pkg/docker"
)

const inputFileName = "input.txt"

// ErrUnsupportedLanguage is returned when asked to run a language with no runtime.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Config describes the container runtime configuration.
type Config struct {
	WorkspaceRoot string
	WorkingDir    string
	PidsLimit     int64
}

// DockerEnvironment runs programs in throwaway containers through a dockerexec.Executor.
type DockerEnvironment struct {
	executor  dockerexec.Executor
	languages map[string]Language
	logger    zerolog.Logger
	config    Config
}

// NewDockerEnvironment constructs the environment. A nil languages map installs DefaultLanguages.
func NewDockerEnvironment(executor dockerexec.Executor, languages map[string]Language, logger zerolog.Logger, cfg Config) *DockerEnvironment {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/workspace"
	}
	if languages == nil {
		languages = DefaultLanguages()
	}

	return &DockerEnvironment{
		executor:  executor,
		languages: languages,
		logger:    logger.With().Str("component", "docker_environment").Logger(),
		config:    cfg,
	}
}

// Supports reports whether language has a configured runtime.
func (e *DockerEnvironment) Supports(language string) bool {
	_, ok := e.languages[normalizeLanguage(language)]
	return ok
}

// Languages lists the configured runtimes.
func (e *DockerEnvironment) Languages() []string {
	names := make([]string, 0, len(e.languages))
	for name := range e.languages {
		names = append(names, name)
	}
	return names
}

// Check verifies the entry point and runs the language's compile step.
func (e *DockerEnvironment) Check(ctx context.Context, program grading.Program, limits grading.Limits) (grading.CheckResult, error) {
	lang, ok := e.languages[normalizeLanguage(program.Language)]
	if !ok {
		return grading.CheckResult{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, program.Language)
	}

	if !lang.hasEntryPoint(program.Source) {
		return grading.CheckResult{OK: false, EntryPointMissing: true}, nil
	}

	if lang.Check == "" {
		return grading.CheckResult{OK: true}, nil
	}

	result, err := e.execute(ctx, lang, program.Source, lang.Check, nil, limits)
	if err != nil {
		return grading.CheckResult{}, err
	}

	switch {
	case result.TimedOut:
		return grading.CheckResult{OK: false, Message: "compilation timed out"}, nil
	case result.ExitCode != 0:
		return grading.CheckResult{OK: false, Message: compileMessage(result)}, nil
	default:
		return grading.CheckResult{OK: true}, nil
	}
}

// Run executes the program once with the request input on stdin.
func (e *DockerEnvironment) Run(ctx context.Context, req grading.RunRequest) (grading.RunResult, error) {
	lang, ok := e.languages[normalizeLanguage(req.Language)]
	if !ok {
		return grading.RunResult{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}

	var input *string
	if req.HasInput || req.Input != "" {
		input = &req.Input
	}

	result, err := e.execute(ctx, lang, req.Source, lang.Run, input, req.Limits)
	if err != nil {
		return grading.RunResult{}, err
	}

	return grading.RunResult{
		Stdout:          result.Stdout,
		Stderr:          result.Stderr,
		ExitCode:        result.ExitCode,
		Duration:        result.Duration,
		TimedOut:        result.TimedOut,
		OOMKilled:       result.OOMKilled,
		OutputTruncated: result.OutputTruncated,
	}, nil
}

// execute writes a private workspace, runs command in it and removes it again. A timeout is
// reported through the result, not as an error.
func (e *DockerEnvironment) execute(ctx context.Context, lang Language, source, command string, input *string, limits grading.Limits) (dockerexec.ExecutionResult, error) {
	workspace, err := os.MkdirTemp(e.config.WorkspaceRoot, "grading-")
	if err != nil {
		return dockerexec.ExecutionResult{}, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			e.logger.Warn().Err(err).Str("workspace", workspace).Msg("failed to remove workspace")
		}
	}()

	// Container users may differ from ours, so the workspace must be world readable.
	if err := os.Chmod(workspace, 0o755); err != nil {
		return dockerexec.ExecutionResult{}, fmt.Errorf("chmod workspace: %w", err)
	}

	if err := os.WriteFile(filepath.Join(workspace, lang.FileName), []byte(source), 0o644); err != nil {
		return dockerexec.ExecutionResult{}, fmt.Errorf("write source: %w", err)
	}

	stdin := "/dev/null"
	if input != nil {
		if err := os.WriteFile(filepath.Join(workspace, inputFileName), []byte(*input), 0o644); err != nil {
			return dockerexec.ExecutionResult{}, fmt.Errorf("write input: %w", err)
		}
		stdin = inputFileName
	}

	req := dockerexec.ExecutionRequest{
		Image:           lang.Image,
		Cmd:             []string{"sh", "-c", fmt.Sprintf("%s < %s", command, stdin)},
		Env:             lang.Env,
		Timeout:         limits.Timeout,
		Workspace:       workspace,
		WorkingDir:      e.config.WorkingDir,
		MemoryLimitMB:   limits.MemoryMB,
		CPUShares:       limits.CPUShares,
		PidsLimit:       e.config.PidsLimit,
		MaxOutputBytes:  limits.MaxOutputBytes,
		NetworkDisabled: true,
		ReadOnlyFS:      false,
	}

	result, err := e.executor.Run(ctx, req)
	if err != nil {
		if result.TimedOut || errors.Is(err, dockerexec.ErrTimedOut) {
			result.TimedOut = true
			return result, nil
		}
		return result, err
	}
	return result, nil
}

func compileMessage(result dockerexec.ExecutionResult) string {
	message := strings.TrimSpace(result.Stderr)
	if message == "" {
		message = strings.TrimSpace(result.Stdout)
	}
	if message == "" {
		message = fmt.Sprintf("compiler exited with code %d", result.ExitCode)
	}
	return message
}
