package grading

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ExpectedStore persists answer-key outputs. Put must not overwrite an existing entry so
// the first writer wins.
type ExpectedStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, output string) error
}

// MemoryStore is an in-process ExpectedStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	output, ok := s.entries[key]
	return output, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists {
		s.entries[key] = output
	}
	return nil
}

// Len returns the number of stored outputs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ExpectedCache serves expected outputs with single-flight population: concurrent misses
// for the same key run the answer key once.
type ExpectedCache struct {
	store ExpectedStore
	group singleflight.Group
	// OnStoreError is called when the backing store fails; the cache then falls back to
	// computing the value.
	OnStoreError func(op string, err error)
}

// NewExpectedCache wraps store. A nil store keeps entries in memory.
func NewExpectedCache(store ExpectedStore) *ExpectedCache {
	if store == nil {
		store = NewMemoryStore()
	}
	return &ExpectedCache{store: store}
}

// Load returns the cached output for key or computes it. hit reports a cache hit.
// Failed computations are never stored.
func (c *ExpectedCache) Load(ctx context.Context, key string, compute func(context.Context) (string, error)) (output string, hit bool, err error) {
	if cached, ok, getErr := c.store.Get(ctx, key); getErr == nil && ok {
		return cached, true, nil
	} else if getErr != nil {
		c.storeError("get", getErr)
	}

	// The flight outlives any single waiter; execution limits bound it instead.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if cached, ok, getErr := c.store.Get(flightCtx, key); getErr == nil && ok {
			return cached, nil
		}
		computed, computeErr := compute(flightCtx)
		if computeErr != nil {
			return "", computeErr
		}
		if putErr := c.store.Put(flightCtx, key, computed); putErr != nil {
			c.storeError("put", putErr)
		}
		return computed, nil
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", false, res.Err
		}
		return res.Val.(string), false, nil
	}
}

func (c *ExpectedCache) storeError(op string, err error) {
	if c.OnStoreError != nil {
		c.OnStoreError(op, err)
	}
}

// expectedKey identifies the expected output of case index. The answer key source, the
// input and the limits are hashed in so an edited question never reads a stale entry even
// when its version was not bumped.
func expectedKey(spec QuestionSpec, key Implementation, index int) string {
	tc := spec.Cases[index]
	limits := spec.CaseLimits(index)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%t\x00%s\x00%d\x00%d\x00%d",
		key.Program.Language, key.Program.Source, tc.HasInput, tc.Input,
		limits.Timeout, limits.MemoryMB, limits.MaxOutputBytes)
	return fmt.Sprintf("expected:%s:%d:%s", spec.cacheKey(), index, hex.EncodeToString(h.Sum(nil))[:16])
}

// preparedKey starts with the question's cache key so AnswerKeyRegistry.Invalidate prunes it.
func preparedKey(spec QuestionSpec, key Implementation) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s", key.Program.Language, key.Program.Source)
	return fmt.Sprintf("%s:%s", spec.cacheKey(), hex.EncodeToString(h.Sum(nil))[:16])
}
