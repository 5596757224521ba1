package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryTTLs(t *testing.T) {
	cases := []struct {
		category Category
		want     time.Duration
	}{
		{CategoryAgentQuick, 15 * time.Minute},
		{CategoryAgentStandard, 2 * time.Hour},
		{CategoryAgentDeep, 4 * time.Hour},
		{CategoryUserContext, time.Hour},
		{CategoryPipelineSnapshot, 15 * time.Minute},
		{CategoryTaskStatus, time.Hour},
		{CategoryBreakerState, 60 * time.Second},
	}
	for _, tc := range cases {
		t.Run(string(tc.category), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.category.TTL())
		})
	}
}

func TestCategoryTTLUnknownFallsBack(t *testing.T) {
	assert.Equal(t, DefaultTTL, Category("never_registered").TTL())
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(16)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.True(t, SetJSON(ctx, store, "k", payload{Name: "views", Count: 42}, CategoryUserContext))

	got, ok := GetJSON[payload](ctx, store, "k")
	require.True(t, ok)
	assert.Equal(t, payload{Name: "views", Count: 42}, got)

	_, ok = GetJSON[payload](ctx, store, "absent")
	assert.False(t, ok)
}

func TestGetJSONMalformedIsMiss(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(16)
	require.True(t, store.Set(ctx, "k", []byte("{not json"), CategoryUserContext))

	_, ok := GetJSON[map[string]int](ctx, store, "k")
	assert.False(t, ok)
}

func TestSetJSONUnmarshalableValue(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(16)
	assert.False(t, SetJSON(ctx, store, "k", func() {}, CategoryUserContext))
	_, ok := store.Get(ctx, "k")
	assert.False(t, ok)
}
