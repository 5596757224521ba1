package redis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheredis "github.com/creatorhq/maestro/cache/clients/redis"
)

func newTestClient(t *testing.T) (cacheredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client, err := cacheredis.New(cacheredis.Options{Redis: rdb})
	require.NoError(t, err)
	return client, mr
}

func TestNewRequiresRedis(t *testing.T) {
	_, err := cacheredis.New(cacheredis.Options{})
	require.Error(t, err)
}

func TestGetMissReturnsNilNil(t *testing.T) {
	client, _ := newTestClient(t)

	raw, err := client.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	require.NoError(t, client.Set(ctx, "k", []byte("v"), time.Minute))

	raw, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), raw)

	// TTL applies: advancing past it turns the read into a miss.
	mr.FastForward(2 * time.Minute)
	raw, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestDel(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	ok, err := client.Del(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Set(ctx, "k", []byte("v"), time.Minute))
	ok, err = client.Del(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, client.Set(ctx, fmt.Sprintf("agent:growth:u%d", i), []byte("v"), time.Minute))
	}
	require.NoError(t, client.Set(ctx, "agent:content:u1", []byte("v"), time.Minute))

	removed, err := client.DeleteByPrefix(ctx, "agent:growth:")
	require.NoError(t, err)
	assert.Equal(t, 10, removed)

	raw, err := client.Get(ctx, "agent:content:u1")
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestPing(t *testing.T) {
	client, mr := newTestClient(t)

	require.NoError(t, client.Ping(context.Background()))
	assert.Equal(t, "cache-redis", client.Name())

	mr.SetError("server unavailable")
	assert.Error(t, client.Ping(context.Background()))
}

func TestOperationErrorsSurface(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	mr.SetError("server unavailable")

	_, err := client.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, client.Set(ctx, "k", []byte("v"), time.Minute))
	_, err = client.Del(ctx, "k")
	assert.Error(t, err)
	_, err = client.DeleteByPrefix(ctx, "agent:")
	assert.Error(t, err)
}
