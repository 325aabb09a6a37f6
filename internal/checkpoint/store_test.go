package checkpoint

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	hashes, err := NewRedisHashStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, err)
	store, err := NewStore(hashes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(NewMemoryHashStore())
	require.NoError(t, err)
	return store
}

func TestNewStore_ValidatesDependencies(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)

	_, err = NewRedisHashStore(nil)
	require.Error(t, err)
}

func TestStore_RedisLayout(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, domain.Checkpoint{
		SessionID:       "s1",
		MessageID:       "m1",
		LastUserMessage: "Hello",
	}))
	require.NoError(t, store.UpdateContent(ctx, "m1", "Hi"))

	require.Equal(t, "m1", mr.HGet("session:s1", "current_message_id"))
	require.Equal(t, "streaming", mr.HGet("session:s1", "status"))
	require.Equal(t, "Hello", mr.HGet("session:s1", "last_user_message"))
	require.Equal(t, "Hi", mr.HGet("message:m1", "content"))
}

func TestStore_BeginLoadUpdateClear(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]*Store{
		"redis":  redisStore,
		"memory": newMemoryStore(t),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			cp, err := store.Load(ctx, "s1")
			require.NoError(t, err)
			require.Nil(t, cp)

			require.NoError(t, store.Begin(ctx, domain.Checkpoint{
				SessionID:       "s1",
				MessageID:       "m1",
				LastUserMessage: "What is the capital of France?",
			}))
			require.NoError(t, store.UpdateContent(ctx, "m1", "The capital"))

			cp, err = store.Load(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, &domain.Checkpoint{
				SessionID:       "s1",
				MessageID:       "m1",
				Status:          domain.CheckpointStreaming,
				LastUserMessage: "What is the capital of France?",
				Content:         "The capital",
			}, cp)
			require.True(t, cp.Resumable())

			require.NoError(t, store.Clear(ctx, "s1", "m1"))
			cp, err = store.Load(ctx, "s1")
			require.NoError(t, err)
			require.Nil(t, cp)
		})
	}
}

func TestStore_BeginWithContent(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, domain.Checkpoint{
		SessionID: "s1", MessageID: "m1", LastUserMessage: "q", Content: "partial",
	}))
	cp, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "partial", cp.Content)
}

func TestStore_BeginRequiresIDs(t *testing.T) {
	store := newMemoryStore(t)
	require.Error(t, store.Begin(context.Background(), domain.Checkpoint{SessionID: "s1"}))
	require.Error(t, store.Begin(context.Background(), domain.Checkpoint{MessageID: "m1"}))
}

func TestStore_ClearKeepsUnrelatedSessionFields(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	mr.HSet("session:s1", "owner", "web")
	require.NoError(t, store.Begin(ctx, domain.Checkpoint{SessionID: "s1", MessageID: "m1", LastUserMessage: "q"}))
	require.NoError(t, store.Clear(ctx, "s1", "m1"))

	require.Equal(t, "web", mr.HGet("session:s1", "owner"))
	require.False(t, mr.Exists("message:m1"))
}

func TestStore_RedisUnavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.SetError("LOADING Redis is loading the dataset in memory")

	_, err := store.Load(context.Background(), "s1")
	require.Error(t, err)
}

func TestOpenHashStore(t *testing.T) {
	ctx := context.Background()

	hs, err := OpenHashStore(ctx, "memory://")
	require.NoError(t, err)
	require.IsType(t, &MemoryHashStore{}, hs)

	mr := miniredis.RunT(t)
	hs, err = OpenHashStore(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.IsType(t, &RedisHashStore{}, hs)
	require.NoError(t, hs.Close())

	_, err = OpenHashStore(ctx, "memcached://localhost:11211")
	require.Error(t, err)
}
