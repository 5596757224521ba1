// Package cache provides the tiered response cache used across the
// orchestration core. A remote Redis tier is authoritative; a bounded
// in-process tier serves as fallback during remote outages. Cache failures
// never propagate to callers: every failed operation degrades to a miss.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Category names a class of cached values. Each category carries its own
	// TTL so callers never pick expirations ad hoc.
	Category string

	// Store is the cache surface the rest of the system depends on. All
	// methods are total: failures surface as misses or false, never as
	// errors, so a cache outage can only slow callers down.
	Store interface {
		// Get returns the value stored under key and whether it was found.
		Get(ctx context.Context, key string) ([]byte, bool)
		// Set stores value under key with the category's TTL. Reports
		// whether the write was accepted by any tier.
		Set(ctx context.Context, key string, value []byte, category Category) bool
		// Delete removes key. Reports whether an entry was removed.
		Delete(ctx context.Context, key string) bool
		// Invalidate removes every entry whose key starts with prefix and
		// returns the number removed. Best effort across tiers.
		Invalidate(ctx context.Context, prefix string) int
	}

	// Stats is a point-in-time snapshot of cache activity.
	Stats struct {
		Hits          uint64
		Misses        uint64
		Sets          uint64
		Deletes       uint64
		RemoteErrors  uint64
		RemoteHealthy bool
		LocalEntries  int
	}
)

// Cache categories and their TTLs. Agent response TTLs scale with the
// analysis depth that produced them; volatile operational state stays short.
const (
	CategoryAgentQuick       Category = "agent_response_quick"
	CategoryAgentStandard    Category = "agent_response_standard"
	CategoryAgentDeep        Category = "agent_response_deep"
	CategoryUserContext      Category = "user_context"
	CategoryPipelineSnapshot Category = "pipeline_snapshot"
	CategoryTaskStatus       Category = "task_status"
	CategoryBreakerState     Category = "breaker_state"
)

// DefaultTTL applies to categories without a dedicated TTL.
const DefaultTTL = 5 * time.Minute

var categoryTTLs = map[Category]time.Duration{
	CategoryAgentQuick:       15 * time.Minute,
	CategoryAgentStandard:    2 * time.Hour,
	CategoryAgentDeep:        4 * time.Hour,
	CategoryUserContext:      time.Hour,
	CategoryPipelineSnapshot: 15 * time.Minute,
	CategoryTaskStatus:       time.Hour,
	CategoryBreakerState:     60 * time.Second,
}

// TTL returns the category's time to live. Unknown categories fall back to
// DefaultTTL rather than failing, so a new call site cannot break caching.
func (c Category) TTL() time.Duration {
	if ttl, ok := categoryTTLs[c]; ok {
		return ttl
	}
	return DefaultTTL
}

// GetJSON fetches key and unmarshals it into T. Malformed payloads count as
// misses; the entry is left for its TTL to reap.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool) {
	var v T
	raw, ok := s.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// SetJSON marshals v and stores it under key. Unmarshalable values report
// false without touching the cache.
func SetJSON(ctx context.Context, s Store, key string, v any, category Category) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.Set(ctx, key, raw, category)
}
