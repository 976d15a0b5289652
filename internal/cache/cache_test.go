package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisFromClient(client)
	t.Cleanup(func() { backend.Close() })
	return backend, mr
}

func TestRedis_GetSetDel(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	_, ok, err := backend.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "absent key must report ok=false, not an error")

	require.NoError(t, backend.Set(ctx, "k", "v", 0))
	val, ok, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)

	require.NoError(t, backend.Del(ctx, "k"))
	_, ok, err = backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_SetWithTTLExpires(t *testing.T) {
	backend, mr := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_SetNX(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	ok, err := backend.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on a held key must lose")

	val, _, err := backend.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
}

func TestRedis_SortedSetOps(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.ZAdd(ctx, "z", 3, "low"))
	require.NoError(t, backend.ZAdd(ctx, "z", 10, "high"))
	require.NoError(t, backend.ZAdd(ctx, "z", 5, "mid"))

	card, err := backend.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), card)

	members, err := backend.ZRangeWithScores(ctx, "z", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "low", members[0].Member)
	assert.Equal(t, "mid", members[1].Member)
	assert.Equal(t, "high", members[2].Member)

	due, err := backend.ZRangeByScore(ctx, "z", "-inf", "5")
	require.NoError(t, err)
	assert.Equal(t, []string{"low", "mid"}, due)

	removed, err := backend.ZRem(ctx, "z", "mid", "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, backend.ZRemRangeByScore(ctx, "z", "-inf", "4"))
	card, err = backend.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestRedis_ZAddReplacesScoreForSameMember(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.ZAdd(ctx, "z", 1, "job"))
	require.NoError(t, backend.ZAdd(ctx, "z", 99, "job"))

	card, err := backend.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	members, err := backend.ZRangeWithScores(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, float64(99), members[0].Score)
}
