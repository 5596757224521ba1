// Package adapter provides the uniform call site between the dispatcher and
// registered specialists. Every call runs the same sequence: mint a
// delegation credential, consult the response cache, pass through the
// specialist's circuit breaker, execute on the task engine under the depth
// deadline, then validate the response envelope before anything downstream
// may consume it.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/creatorhq/maestro/breaker"
	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/delegation"
	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/specialist"
	"github.com/creatorhq/maestro/tasks"
	"github.com/creatorhq/maestro/telemetry"
)

// detailProtocolViolation marks envelope faults so the dispatcher can record
// them distinctly from credential failures.
const detailProtocolViolation = "protocol_violation"

type (
	// Options configures an Adapter.
	Options struct {
		// Authority mints per-call delegation credentials. Required.
		Authority *delegation.Authority
		// Registry resolves specialist kinds. Required.
		Registry *specialist.Registry
		// Engine executes specialist calls as async tasks. Required.
		Engine *tasks.Engine
		// Breakers gates each specialist endpoint. Required.
		Breakers *breaker.Registry
		// Cache stores domain-matched responses under depth TTLs. Optional.
		Cache cache.Store
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}

	// Adapter is the uniform specialist call site. Safe for concurrent use.
	Adapter struct {
		auth     *delegation.Authority
		registry *specialist.Registry
		engine   *tasks.Engine
		breakers *breaker.Registry
		cache    cache.Store
		log      telemetry.Logger
		met      telemetry.Metrics
		now      func() time.Time
	}

	// cachedResponse wraps a stored response with its write time so a cache
	// hit can report the TTL it has left.
	cachedResponse struct {
		CachedAt time.Time           `json:"cached_at"`
		Response specialist.Response `json:"response"`
	}
)

// New constructs an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Authority == nil {
		return nil, fault.New(fault.KindConfiguration, "adapter requires a delegation authority")
	}
	if opts.Registry == nil {
		return nil, fault.New(fault.KindConfiguration, "adapter requires a specialist registry")
	}
	if opts.Engine == nil {
		return nil, fault.New(fault.KindConfiguration, "adapter requires a task engine")
	}
	if opts.Breakers == nil {
		return nil, fault.New(fault.KindConfiguration, "adapter requires a breaker registry")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Adapter{
		auth:     opts.Authority,
		registry: opts.Registry,
		engine:   opts.Engine,
		breakers: opts.Breakers,
		cache:    opts.Cache,
		log:      opts.Logger,
		met:      opts.Metrics,
		now:      time.Now,
	}, nil
}

// Call invokes the specialist registered under kind. Responses with
// DomainMatch false come back without error so the caller can count their
// token usage; their bodies are never cached. Every failure is a typed
// fault: breaker rejections surface as specialist_unavailable, deadline
// overruns as specialist_timeout, and envelope violations as authentication
// faults marked as protocol violations.
func (a *Adapter) Call(ctx context.Context, kind string, req specialist.Request, priority tasks.Priority) (specialist.Response, error) {
	started := a.now()

	spec, ok := a.registry.Get(kind)
	if !ok {
		return specialist.Response{}, fault.Newf(fault.KindSpecialistUnavailable,
			"no specialist registered for %q", kind).WithDetail("specialist", kind)
	}
	if req.RequestID == "" {
		return specialist.Response{}, fault.New(fault.KindValidation, "request id is required")
	}
	if err := a.registry.ValidateContext(kind, req.Context); err != nil {
		return specialist.Response{}, err
	}

	if req.Depth == "" {
		req.Depth = specialist.DepthStandard
	}
	if req.Budget == (specialist.TokenBudget{}) {
		req.Budget = req.Depth.Budget()
	}

	token, err := a.auth.Mint(req.RequestID, kind)
	if err != nil {
		return specialist.Response{}, err
	}
	req.Credential = token

	key := specialist.CacheKey(kind, req.UserID, req)
	if resp, ok := a.cachedCall(ctx, key, req.Depth); ok {
		a.met.IncCounter("adapter.cache_hit", 1, "specialist", kind)
		return resp, nil
	}

	resp, err := breaker.Do(ctx, a.breakers, kind, func(ctx context.Context) (specialist.Response, error) {
		return a.invoke(ctx, spec, kind, req, priority)
	})
	if err != nil {
		a.met.IncCounter("adapter.call_failed", 1, "specialist", kind, "kind", string(fault.KindOf(err)))
		return specialist.Response{}, err
	}

	if resp.ProcessingTime <= 0 {
		resp.ProcessingTime = a.now().Sub(started)
	}
	a.met.RecordTimer("adapter.call", a.now().Sub(started), "specialist", kind)

	if resp.DomainMatch {
		a.fillCache(ctx, key, resp, req.Depth)
	}
	return resp, nil
}

// invoke runs the specialist on the task engine under the depth deadline and
// validates the returned envelope.
func (a *Adapter) invoke(ctx context.Context, spec specialist.Specialist, kind string, req specialist.Request, priority tasks.Priority) (specialist.Response, error) {
	taskID, err := a.engine.Submit(ctx, tasks.Submission{
		Name:            "specialist:" + kind,
		Priority:        priority,
		Timeout:         req.Depth.Deadline(),
		OwnerUserID:     req.UserID,
		OwnerSpecialist: kind,
		Func: func(ctx context.Context) (any, error) {
			return spec.Process(ctx, req)
		},
	})
	if err != nil {
		return specialist.Response{}, err
	}

	result, err := a.engine.Wait(ctx, taskID)
	if err != nil {
		// The surrounding dispatch deadline expired first. The task keeps its
		// own deadline; cancel it so the specialist stops at its next
		// suspension point.
		a.engine.Cancel(taskID)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return specialist.Response{}, fault.Wrap(fault.KindSpecialistTimeout,
				"dispatch deadline expired while waiting for "+kind, err).
				WithDetail("specialist", kind)
		}
		return specialist.Response{}, err
	}

	switch result.Status {
	case tasks.StatusCompleted:
		resp, ok := result.Value.(specialist.Response)
		if !ok {
			return specialist.Response{}, protocolViolation(kind, "specialist returned a malformed response")
		}
		return a.validate(kind, req.RequestID, resp)
	case tasks.StatusTimeout:
		return specialist.Response{}, fault.Newf(fault.KindSpecialistTimeout,
			"specialist %s exceeded its %s deadline", kind, req.Depth.Deadline()).
			WithDetail("specialist", kind)
	default:
		if result.Err != nil {
			return specialist.Response{}, fault.FromError(result.Err)
		}
		return specialist.Response{}, fault.Newf(fault.KindSystem,
			"specialist %s finished in unexpected state %s", kind, result.Status)
	}
}

// validate enforces the response envelope invariants before anything
// downstream may consume the body.
func (a *Adapter) validate(kind, requestID string, resp specialist.Response) (specialist.Response, error) {
	if !resp.ForDispatcherOnly {
		return specialist.Response{}, protocolViolation(kind, "response is not marked for dispatcher")
	}
	if resp.RequestID != requestID {
		return specialist.Response{}, protocolViolation(kind, "response does not echo the request id")
	}
	if resp.AgentType == "" {
		resp.AgentType = kind
	}
	return resp, nil
}

func (a *Adapter) cachedCall(ctx context.Context, key string, depth specialist.Depth) (specialist.Response, bool) {
	if a.cache == nil {
		return specialist.Response{}, false
	}
	stored, ok := cache.GetJSON[cachedResponse](ctx, a.cache, key)
	if !ok {
		return specialist.Response{}, false
	}
	remaining := depth.CacheCategory().TTL() - a.now().Sub(stored.CachedAt)
	if remaining <= 0 {
		return specialist.Response{}, false
	}
	resp := stored.Response
	resp.CacheInfo = specialist.CacheInfo{Hit: true, TTLRemaining: remaining}
	return resp, true
}

func (a *Adapter) fillCache(ctx context.Context, key string, resp specialist.Response, depth specialist.Depth) {
	if a.cache == nil {
		return
	}
	resp.CacheInfo = specialist.CacheInfo{}
	cache.SetJSON(ctx, a.cache, key, cachedResponse{
		CachedAt: a.now(),
		Response: resp,
	}, depth.CacheCategory())
}

func protocolViolation(kind, msg string) error {
	return fault.New(fault.KindAuthentication, msg).
		WithDetail("specialist", kind).
		WithDetail(detailProtocolViolation, true)
}

// IsProtocolViolation reports whether err marks a specialist envelope
// violation, as opposed to an ordinary credential failure.
func IsProtocolViolation(err error) bool {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return false
	}
	v, ok := fe.Details[detailProtocolViolation].(bool)
	return ok && v
}
