package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/creatorhq/maestro/telemetry"
)

type (
	// RemoteClient is the subset of the Redis client the tiered store needs.
	// Get returns (nil, nil) on a miss so misses and failures stay distinct.
	RemoteClient interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		Del(ctx context.Context, key string) (bool, error)
		DeleteByPrefix(ctx context.Context, prefix string) (int, error)
		Ping(ctx context.Context) error
	}

	// TieredOptions configures a Tiered store.
	TieredOptions struct {
		// Remote is the authoritative tier. Nil routes everything to Local.
		Remote RemoteClient
		// Local is the fallback tier. Required.
		Local *Local
		// ProbeInterval spaces recovery pings while the remote tier is
		// degraded. Defaults to 15 seconds.
		ProbeInterval time.Duration
		// Logger receives degradation and recovery events. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives hit/miss/error counters. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Tiered routes operations to the remote tier while it is healthy and to
	// the local tier while it is not. A remote failure during any operation
	// degrades the store; a background probe restores it. Entries written to
	// the local tier during an outage are never promoted back. They stay
	// readable as a second lookup until their own TTLs reap them.
	Tiered struct {
		remote RemoteClient
		local  *Local
		log    telemetry.Logger
		met    telemetry.Metrics

		healthy atomic.Bool
		flight  singleflight.Group

		hits         atomic.Uint64
		misses       atomic.Uint64
		sets         atomic.Uint64
		deletes      atomic.Uint64
		remoteErrors atomic.Uint64

		probeInterval time.Duration
		probeCancel   context.CancelFunc
		probeWg       sync.WaitGroup
	}
)

// NewTiered constructs a Tiered store. A nil Remote yields a purely local
// store, which keeps single-process deployments on the same code path.
func NewTiered(opts TieredOptions) (*Tiered, error) {
	if opts.Local == nil {
		return nil, errors.New("local tier is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 15 * time.Second
	}
	t := &Tiered{
		remote:        opts.Remote,
		local:         opts.Local,
		log:           opts.Logger,
		met:           opts.Metrics,
		probeInterval: opts.ProbeInterval,
	}
	t.healthy.Store(opts.Remote != nil)
	return t, nil
}

// Get returns the value stored under key. The remote tier is consulted
// first; the local tier backs it up, which also keeps entries written during
// an outage readable until they age out. Concurrent remote lookups for the
// same key are collapsed into one round trip.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if t.remoteActive() {
		v, err, _ := t.flight.Do(key, func() (any, error) {
			return t.remote.Get(ctx, key)
		})
		if err != nil {
			t.degrade(ctx, "get", err)
		} else if raw, _ := v.([]byte); raw != nil {
			t.hits.Add(1)
			t.met.IncCounter("cache.hit", 1, "tier", "remote")
			return raw, true
		}
	}

	raw, ok := t.local.Get(ctx, key)
	if !ok {
		t.misses.Add(1)
		t.met.IncCounter("cache.miss", 1)
		return nil, false
	}
	t.hits.Add(1)
	t.met.IncCounter("cache.hit", 1, "tier", "local")
	return raw, true
}

// Set stores value under key with the category's TTL. A remote failure
// falls through to a local write so the value survives the outage.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, category Category) bool {
	t.sets.Add(1)
	if t.remoteActive() {
		err := t.remote.Set(ctx, key, value, category.TTL())
		if err == nil {
			t.met.IncCounter("cache.set", 1, "tier", "remote")
			return true
		}
		t.degrade(ctx, "set", err)
	}
	ok := t.local.Set(ctx, key, value, category)
	if ok {
		t.met.IncCounter("cache.set", 1, "tier", "local")
	}
	return ok
}

// Delete removes key from every tier it may live in.
func (t *Tiered) Delete(ctx context.Context, key string) bool {
	removed := t.local.Delete(ctx, key)
	if t.remoteActive() {
		ok, err := t.remote.Del(ctx, key)
		if err != nil {
			t.degrade(ctx, "delete", err)
		} else if ok {
			removed = true
		}
	}
	if removed {
		t.deletes.Add(1)
	}
	return removed
}

// Invalidate removes every entry under prefix from both tiers and returns
// the combined count.
func (t *Tiered) Invalidate(ctx context.Context, prefix string) int {
	removed := t.local.Invalidate(ctx, prefix)
	if t.remoteActive() {
		n, err := t.remote.DeleteByPrefix(ctx, prefix)
		if err != nil {
			t.degrade(ctx, "invalidate", err)
		} else {
			removed += n
		}
	}
	t.deletes.Add(uint64(removed))
	return removed
}

// Stats returns a snapshot of cache activity.
func (t *Tiered) Stats() Stats {
	return Stats{
		Hits:          t.hits.Load(),
		Misses:        t.misses.Load(),
		Sets:          t.sets.Load(),
		Deletes:       t.deletes.Load(),
		RemoteErrors:  t.remoteErrors.Load(),
		RemoteHealthy: t.remoteActive(),
		LocalEntries:  t.local.Len(),
	}
}

// Start launches the maintenance loop: recovery probes while the remote
// tier is degraded and expired-entry sweeps of the local tier. Stop ends it.
func (t *Tiered) Start(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	t.probeCancel = cancel
	t.probeWg.Add(1)
	go t.maintenanceLoop(probeCtx)
}

// Stop ends the maintenance loop and waits for it to exit.
func (t *Tiered) Stop() {
	if t.probeCancel != nil {
		t.probeCancel()
		t.probeWg.Wait()
		t.probeCancel = nil
	}
}

func (t *Tiered) maintenanceLoop(ctx context.Context) {
	defer t.probeWg.Done()

	ticker := time.NewTicker(t.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.local.EvictExpired()
			if t.remote == nil || t.remoteActive() {
				continue
			}
			if err := t.remote.Ping(ctx); err != nil {
				continue
			}
			if t.healthy.CompareAndSwap(false, true) {
				t.log.Info(ctx, "cache remote tier recovered")
				t.met.IncCounter("cache.remote.recovered", 1)
			}
		}
	}
}

func (t *Tiered) remoteActive() bool {
	return t.remote != nil && t.healthy.Load()
}

// degrade marks the remote tier unhealthy. The transition is logged once;
// repeated failures while degraded only bump the error counter.
func (t *Tiered) degrade(ctx context.Context, op string, err error) {
	t.remoteErrors.Add(1)
	t.met.IncCounter("cache.remote.error", 1, "op", op)
	if t.healthy.CompareAndSwap(true, false) {
		t.log.Warn(ctx, "cache remote tier degraded, serving from local fallback",
			"op", op, "err", err.Error())
	}
}

var _ Store = (*Tiered)(nil)
