package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Local is the bounded in-process tier. Capacity is enforced by LRU
// eviction; expiration is enforced lazily on read and by EvictExpired.
type Local struct {
	mu  sync.Mutex
	lru *lru.Cache[string, localEntry]
	now func() time.Time
}

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLocal returns a Local bounded to capacity entries. Non-positive
// capacities get a single-entry cache rather than an error so a bad config
// value cannot take the fallback tier down with it.
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 1
	}
	c, _ := lru.New[string, localEntry](capacity)
	return &Local{lru: c, now: time.Now}
}

// Get returns the value stored under key. Expired entries are removed and
// reported as misses.
func (l *Local) Get(_ context.Context, key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.lru.Get(key)
	if !ok {
		return nil, false
	}
	if l.now().After(entry.expiresAt) {
		l.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key with the category's TTL.
func (l *Local) Set(_ context.Context, key string, value []byte, category Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lru.Add(key, localEntry{value: value, expiresAt: l.now().Add(category.TTL())})
	return true
}

// Delete removes key and reports whether an entry existed.
func (l *Local) Delete(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lru.Remove(key)
}

// Invalidate removes every entry whose key starts with prefix.
func (l *Local) Invalidate(_ context.Context, prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, key := range l.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			if l.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// EvictExpired removes entries past their expiration and returns the count.
// Expiration is otherwise lazy, so long-idle keys linger until this runs.
func (l *Local) EvictExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for _, key := range l.lru.Keys() {
		if entry, ok := l.lru.Peek(key); ok && now.After(entry.expiresAt) {
			if l.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Len returns the number of entries, including any not yet evicted expired
// ones.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lru.Len()
}

var _ Store = (*Local)(nil)
