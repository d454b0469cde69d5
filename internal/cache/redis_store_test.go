package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/grading"
)

func newTestStore(t *testing.T) (*RedisExpectedStore, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisExpectedStore(client, "test:", time.Hour), server
}

func TestRedisExpectedStoreFirstWriterWins(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "expected:sum@1:0:abc")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Put(ctx, "expected:sum@1:0:abc", "3\n"))
	require.NoError(t, store.Put(ctx, "expected:sum@1:0:abc", "4\n"))

	value, ok, err := store.Get(ctx, "expected:sum@1:0:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "3\n", value)

	require.True(t, server.Exists("test:expected:sum@1:0:abc"))
	require.Equal(t, time.Hour, server.TTL("test:expected:sum@1:0:abc"))
}

func TestRedisExpectedStoreExpires(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v"))
	server.FastForward(2 * time.Hour)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisExpectedStoreBacksExpectedCache(t *testing.T) {
	store, _ := newTestStore(t)
	expected := grading.NewExpectedCache(store)
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (string, error) {
		calls++
		return "42\n", nil
	}

	output, hit, err := expected.Load(ctx, "answer", compute)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, "42\n", output)

	output, hit, err = expected.Load(ctx, "answer", compute)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, "42\n", output)
	require.Equal(t, 1, calls)
}

func TestRedisExpectedStoreSurfacesConnectionErrors(t *testing.T) {
	store, server := newTestStore(t)
	server.Close()

	_, _, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	require.Error(t, store.Put(context.Background(), "k", "v"))
}
