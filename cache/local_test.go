package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSetGet(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(16)

	_, ok := l.Get(ctx, "missing")
	assert.False(t, ok)

	require.True(t, l.Set(ctx, "k", []byte("v"), CategoryUserContext))
	got, ok := l.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestLocalExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(16)

	now := time.Now()
	l.now = func() time.Time { return now }

	require.True(t, l.Set(ctx, "k", []byte("v"), CategoryBreakerState))

	// Just before the 60s breaker-state TTL the entry is still served.
	now = now.Add(59 * time.Second)
	_, ok := l.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = l.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len(), "expired entry removed on read")
}

func TestLocalCapacityEviction(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(3)

	for i := 0; i < 5; i++ {
		l.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), CategoryUserContext)
	}
	assert.Equal(t, 3, l.Len())

	// Oldest entries were evicted.
	_, ok := l.Get(ctx, "k0")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "k4")
	assert.True(t, ok)
}

func TestLocalDelete(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(16)

	assert.False(t, l.Delete(ctx, "k"))
	l.Set(ctx, "k", []byte("v"), CategoryUserContext)
	assert.True(t, l.Delete(ctx, "k"))
	_, ok := l.Get(ctx, "k")
	assert.False(t, ok)
}

func TestLocalInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(16)

	l.Set(ctx, "agent:growth:u1", []byte("a"), CategoryAgentQuick)
	l.Set(ctx, "agent:growth:u2", []byte("b"), CategoryAgentQuick)
	l.Set(ctx, "agent:content:u1", []byte("c"), CategoryAgentQuick)

	assert.Equal(t, 2, l.Invalidate(ctx, "agent:growth:"))

	_, ok := l.Get(ctx, "agent:growth:u1")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "agent:content:u1")
	assert.True(t, ok)
}

func TestLocalEvictExpired(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(16)

	now := time.Now()
	l.now = func() time.Time { return now }

	l.Set(ctx, "short", []byte("v"), CategoryBreakerState)
	l.Set(ctx, "long", []byte("v"), CategoryAgentDeep)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 1, l.EvictExpired())
	assert.Equal(t, 1, l.Len())

	_, ok := l.Get(ctx, "long")
	assert.True(t, ok)
}

func TestNewLocalClampsCapacity(t *testing.T) {
	l := NewLocal(0)
	require.NotNil(t, l)
	l.Set(context.Background(), "k", []byte("v"), CategoryUserContext)
	assert.Equal(t, 1, l.Len())
}
