package conversation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRedisBackend connects to TELECHAT_TEST_REDIS_ADDR and isolates the test under a
// fresh key prefix.
func newTestRedisBackend(t *testing.T, ttl time.Duration) (*RedisBackend, *redis.Client) {
	t.Helper()
	addr := os.Getenv("TELECHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TELECHAT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "telechat:test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})

	b, err := NewRedisBackend(client, RedisBackendOptions{Prefix: prefix, TTL: ttl})
	require.NoError(t, err)
	return b, client
}

func TestRedisBackend_RoundTripAndReplace(t *testing.T) {
	ctx := context.Background()
	b, client := newTestRedisBackend(t, time.Hour)

	_, ok, err := b.Load(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	s, err := NewStore(b, StoreOptions{MaxHistory: 2, Prompts: testPrompts})
	require.NoError(t, err)
	id := Identity{UserID: 1}
	require.NoError(t, s.Append(ctx, id, NewUserTurn("a"), NewAssistantTurn("b"), NewUserTurn("c")))

	turns, ok, err := b.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"default prompt", "b", "c"}, contents(turns))
	require.Equal(t, RoleAssistant, turns[1].Role)
	require.False(t, turns[1].CreatedAt.IsZero())

	n, err := client.LLen(ctx, b.key(1)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	ttl, err := client.TTL(ctx, b.key(1)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Hour)

	// a shorter save replaces the whole list
	require.NoError(t, s.Reset(ctx, id))
	turns, ok, err = b.Load(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"default prompt"}, contents(turns))
	n, err = client.LLen(ctx, b.key(1)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, s.Append(ctx, Identity{UserID: -3}, NewUserTurn("z")))
	require.NoError(t, client.Set(ctx, b.prefix+"not-a-user", "x", time.Minute).Err())
	ids, err := s.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{-3, 1}, ids)

	require.NoError(t, s.Purge(ctx, 1))
	_, ok, err = b.Load(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
	ids, err = b.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{-3}, ids)
}

func TestRedisBackend_NoTTLKeepsKeys(t *testing.T) {
	ctx := context.Background()
	b, client := newTestRedisBackend(t, 0)

	require.NoError(t, b.Save(ctx, 4, []Turn{NewSystemTurn("s")}))
	ttl, err := client.TTL(ctx, b.key(4)).Result()
	require.NoError(t, err)
	require.Equal(t, time.Duration(-1), ttl)

	require.NoError(t, b.Close())
	require.NoError(t, client.Ping(ctx).Err())
}
