// Package breaker provides per-endpoint circuit breakers for specialist
// calls. Breakers are created lazily, trip on consecutive endpoint faults,
// and reject fast while open so a dead specialist cannot stall queries.
// Caller errors such as validation or authorization never count toward
// tripping.
package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/telemetry"
)

// Status names a breaker state.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

type (
	// Options configures a Registry.
	Options struct {
		// FailureThreshold is the consecutive endpoint-fault count that
		// opens a breaker. Defaults to 5.
		FailureThreshold int
		// RecoveryTimeout is how long a breaker stays open before allowing
		// a single half-open probe. Defaults to 30 seconds.
		RecoveryTimeout time.Duration
		// Cache, when set, receives state snapshots under the breaker_state
		// category so other processes can observe endpoint health. Optional.
		Cache cache.Store
		// Logger receives state transition events. Defaults to noop.
		Logger telemetry.Logger
		// Metrics receives transition and rejection counters. Defaults to noop.
		Metrics telemetry.Metrics
	}

	// Registry holds one breaker per specialist endpoint.
	Registry struct {
		mu       sync.Mutex
		breakers map[string]*entry

		threshold uint32
		recovery  time.Duration
		cache     cache.Store
		log       telemetry.Logger
		met       telemetry.Metrics
		now       func() time.Time
	}

	// Snapshot is a point-in-time view of one breaker.
	Snapshot struct {
		Endpoint            string    `json:"endpoint"`
		Status              Status    `json:"status"`
		ConsecutiveFailures uint32    `json:"consecutive_failures"`
		Requests            uint32    `json:"requests"`
		TotalFailures       uint32    `json:"total_failures"`
		// NextProbeAt is when the next half-open probe may run. Zero unless
		// the breaker is open.
		NextProbeAt time.Time `json:"next_probe_at,omitempty"`
	}

	entry struct {
		cb *gobreaker.CircuitBreaker

		mu       sync.Mutex
		openedAt time.Time
	}
)

// NewRegistry constructs a Registry.
func NewRegistry(opts Options) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		breakers:  make(map[string]*entry),
		threshold: uint32(opts.FailureThreshold),
		recovery:  opts.RecoveryTimeout,
		cache:     opts.Cache,
		log:       opts.Logger,
		met:       opts.Metrics,
		now:       time.Now,
	}
}

// Execute runs fn through the endpoint's breaker. While the breaker is open
// the call is rejected immediately with a specialist_unavailable fault
// carrying a retry hint; fn is never invoked.
func (r *Registry) Execute(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	_, err := r.execute(ctx, endpoint, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Do runs fn through the endpoint's breaker and returns its typed result.
func Do[T any](ctx context.Context, r *Registry, endpoint string, fn func(context.Context) (T, error)) (T, error) {
	v, err := r.execute(ctx, endpoint, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, _ := v.(T)
	return result, nil
}

func (r *Registry) execute(ctx context.Context, endpoint string, fn func(context.Context) (any, error)) (any, error) {
	e := r.endpoint(endpoint)
	v, err := e.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		r.met.IncCounter("breaker.rejected", 1, "endpoint", endpoint)
		return nil, r.rejection(endpoint, e)
	}
	return v, err
}

// State returns the endpoint's snapshot. Endpoints that have never been
// called report closed.
func (r *Registry) State(endpoint string) Snapshot {
	r.mu.Lock()
	e, ok := r.breakers[endpoint]
	r.mu.Unlock()
	if !ok {
		return Snapshot{Endpoint: endpoint, Status: StatusClosed}
	}
	return r.snapshot(endpoint, e)
}

// States returns snapshots for every endpoint seen so far, ordered by name.
func (r *Registry) States() []Snapshot {
	r.mu.Lock()
	endpoints := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		endpoints = append(endpoints, name)
	}
	r.mu.Unlock()
	sort.Strings(endpoints)

	snaps := make([]Snapshot, 0, len(endpoints))
	for _, name := range endpoints {
		snaps = append(snaps, r.State(name))
	}
	return snaps
}

// Reset discards the endpoint's breaker so the next call starts closed.
func (r *Registry) Reset(endpoint string) {
	r.mu.Lock()
	delete(r.breakers, endpoint)
	r.mu.Unlock()
}

func (r *Registry) endpoint(name string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.breakers[name]; ok {
		return e
	}
	e := &entry{}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		IsSuccessful: isEndpointSuccess,
		OnStateChange: func(endpoint string, from, to gobreaker.State) {
			r.onStateChange(endpoint, e, from, to)
		},
	})
	r.breakers[name] = e
	return e
}

func (r *Registry) onStateChange(endpoint string, e *entry, from, to gobreaker.State) {
	e.mu.Lock()
	if to == gobreaker.StateOpen {
		e.openedAt = r.now()
	} else {
		e.openedAt = time.Time{}
	}
	e.mu.Unlock()

	ctx := context.Background()
	r.met.IncCounter("breaker.state_change", 1,
		"endpoint", endpoint, "from", string(toStatus(from)), "to", string(toStatus(to)))
	switch to {
	case gobreaker.StateOpen:
		r.log.Warn(ctx, "circuit breaker opened", "endpoint", endpoint)
	case gobreaker.StateClosed:
		r.log.Info(ctx, "circuit breaker closed", "endpoint", endpoint)
	default:
		r.log.Info(ctx, "circuit breaker half-open", "endpoint", endpoint)
	}

	// Counts reset on every transition, so the published snapshot is built
	// from the transition itself. Calling back into the breaker here would
	// deadlock: gobreaker holds its mutex while notifying.
	if r.cache != nil {
		snap := Snapshot{Endpoint: endpoint, Status: toStatus(to)}
		if to == gobreaker.StateOpen {
			snap.NextProbeAt = r.now().Add(r.recovery)
		}
		cache.SetJSON(ctx, r.cache, "breaker:"+endpoint, snap, cache.CategoryBreakerState)
	}
}

func (r *Registry) rejection(endpoint string, e *entry) error {
	rejection := fault.Newf(fault.KindSpecialistUnavailable,
		"circuit open for endpoint %q", endpoint).
		WithDetail("endpoint", endpoint)

	e.mu.Lock()
	openedAt := e.openedAt
	e.mu.Unlock()
	if !openedAt.IsZero() {
		if wait := openedAt.Add(r.recovery).Sub(r.now()); wait > 0 {
			rejection = rejection.WithRetryAfter(wait)
		}
	}
	return rejection
}

func (r *Registry) snapshot(endpoint string, e *entry) Snapshot {
	counts := e.cb.Counts()
	snap := Snapshot{
		Endpoint:            endpoint,
		Status:              toStatus(e.cb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
	}
	e.mu.Lock()
	if snap.Status == StatusOpen && !e.openedAt.IsZero() {
		snap.NextProbeAt = e.openedAt.Add(r.recovery)
	}
	e.mu.Unlock()
	return snap
}

// isEndpointSuccess decides whether an error counts against the endpoint.
// Faults caused by the caller leave the failure streak untouched.
func isEndpointSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch fault.KindOf(err) {
	case fault.KindAuthentication, fault.KindAuthorization, fault.KindValidation,
		fault.KindBusinessLogic, fault.KindConfiguration:
		return true
	}
	return false
}

func toStatus(s gobreaker.State) Status {
	switch s {
	case gobreaker.StateOpen:
		return StatusOpen
	case gobreaker.StateHalfOpen:
		return StatusHalfOpen
	default:
		return StatusClosed
	}
}
