package grading

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ResolveAnswerKey returns the single candidate marked as the answer key.
func ResolveAnswerKey(candidates []Implementation) (Implementation, error) {
	var (
		found Implementation
		names []string
	)
	for _, candidate := range candidates {
		if !candidate.AnswerKey {
			continue
		}
		if len(names) == 0 {
			found = candidate
		}
		names = append(names, candidate.Name)
	}

	switch len(names) {
	case 0:
		return Implementation{}, &ConfigurationError{Kind: NoAnswerKey}
	case 1:
		return found, nil
	default:
		return Implementation{}, &ConfigurationError{
			Kind:   AmbiguousAnswerKey,
			Detail: "marked: " + strings.Join(names, ", "),
		}
	}
}

// AnswerKeyRegistry memoises answer-key resolution and answer-key compile checks per
// question version. Entries are keyed by the candidate set as well, so an edit that does not
// bump the version still resolves afresh.
type AnswerKeyRegistry struct {
	mu       sync.RWMutex
	entries  map[string]Implementation
	prepared map[string]struct{}
}

// NewAnswerKeyRegistry constructs an empty registry.
func NewAnswerKeyRegistry() *AnswerKeyRegistry {
	return &AnswerKeyRegistry{
		entries:  make(map[string]Implementation),
		prepared: make(map[string]struct{}),
	}
}

// Resolve returns the answer key for spec. Failures are not cached so a fixed
// specification resolves on the next call.
func (r *AnswerKeyRegistry) Resolve(spec QuestionSpec) (Implementation, error) {
	key := spec.cacheKey() + "#" + candidatesDigest(spec.Implementations)

	r.mu.RLock()
	impl, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return impl, nil
	}

	impl, err := ResolveAnswerKey(spec.Implementations)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.QuestionID = spec.ID
		}
		return Implementation{}, err
	}

	r.mu.Lock()
	r.entries[key] = impl
	r.mu.Unlock()
	return impl, nil
}

func (r *AnswerKeyRegistry) isPrepared(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.prepared[key]
	return ok
}

func (r *AnswerKeyRegistry) markPrepared(key string) {
	r.mu.Lock()
	r.prepared[key] = struct{}{}
	r.mu.Unlock()
}

// Invalidate drops every cached version of a question, including its compile checks.
func (r *AnswerKeyRegistry) Invalidate(questionID string) {
	prefix := questionID + "@"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.entries {
		if strings.HasPrefix(key, prefix) {
			delete(r.entries, key)
		}
	}
	for key := range r.prepared {
		if strings.HasPrefix(key, prefix) {
			delete(r.prepared, key)
		}
	}
}

// Len reports how many resolutions and compile checks are cached.
func (r *AnswerKeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) + len(r.prepared)
}

func candidatesDigest(candidates []Implementation) string {
	h := sha256.New()
	for _, c := range candidates {
		fmt.Fprintf(h, "%s\x00%t\x00%s\x00%s\x00", c.Name, c.AnswerKey, c.Program.Language, c.Program.Source)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
