package sandbox

import (
	"regexp"
	"strings"
)

// Language describes how to check and run one language inside a container.
type Language struct {
	Image    string
	FileName string
	// Run is the shell command that executes the program with stdin already redirected.
	Run string
	// Check compiles or syntax-checks the program. Empty means no check.
	Check string
	Env   []string
	// EntryPoints must all match the source for it to be runnable.
	EntryPoints []*regexp.Regexp
}

// DefaultLanguages mirrors the coding lab runtimes.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"python": {
			Image:    "python:3.11-alpine",
			FileName: "main.py",
			Run:      "python main.py",
			Check:    "python -m py_compile main.py",
			Env:      []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		},
		"javascript": {
			Image:    "node:20-alpine",
			FileName: "main.js",
			Run:      "node main.js",
			Check:    "node --check main.js",
		},
		"go": {
			Image:    "golang:1.22-alpine",
			FileName: "main.go",
			Run:      "go run main.go",
			Check:    "go vet main.go",
			Env:      []string{"GOCACHE=/tmp/go-cache", "GOPATH=/tmp/go", "CGO_ENABLED=0"},
			EntryPoints: []*regexp.Regexp{
				regexp.MustCompile(`(?m)^\s*package\s+main\b`),
				regexp.MustCompile(`(?m)^\s*func\s+main\s*\(\s*\)`),
			},
		},
	}
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

func (l Language) hasEntryPoint(source string) bool {
	for _, re := range l.EntryPoints {
		if !re.MatchString(source) {
			return false
		}
	}
	return true
}
