// Package core is the composition root: it wires the cache, circuit
// breakers, delegation authority, task engine, specialist adapter, analytics
// pipeline, and dispatcher into one runnable system from a single Config.
package core

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/creatorhq/maestro/breaker"
	"github.com/creatorhq/maestro/cache"
	cacheredis "github.com/creatorhq/maestro/cache/clients/redis"
	"github.com/creatorhq/maestro/config"
	"github.com/creatorhq/maestro/delegation"
	"github.com/creatorhq/maestro/dispatch"
	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/pipeline"
	"github.com/creatorhq/maestro/specialist"
	"github.com/creatorhq/maestro/specialist/adapter"
	"github.com/creatorhq/maestro/tasks"
	"github.com/creatorhq/maestro/telemetry"
)

type (
	// Options configures a Core. Config and Source are required; everything
	// else defaults to in-memory or noop implementations so tests and small
	// deployments run without external services.
	Options struct {
		// Config is the validated system configuration. Required.
		Config config.Config
		// Source provides analytics summaries to the pipeline. Required.
		Source pipeline.Source
		// Credentials gates pipeline refreshes per user. Nil disables the
		// gate.
		Credentials pipeline.CredentialProvider
		// Activities persists pipeline activity records. Defaults to
		// in-memory.
		Activities pipeline.ActivityStore
		// Alerts persists alert history. Defaults to in-memory.
		Alerts pipeline.AlertStore
		// AlertSink receives every emitted alert. Optional.
		AlertSink pipeline.AlertSink
		// Specialists are registered at construction time.
		Specialists []specialist.Specialist
		// Classifier overrides the heuristic intent classifier. Optional.
		Classifier dispatch.Classifier
		// Synthesizer overrides the deterministic synthesizer. Optional.
		Synthesizer dispatch.Synthesizer
		// Redis overrides the connection built from Config.Cache.RemoteURL.
		// Callers who pass one own its lifecycle.
		Redis *goredis.Client
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}

	// Core owns the wired subsystems and their lifecycle.
	Core struct {
		cfg        config.Config
		store      *cache.Tiered
		breakers   *breaker.Registry
		authority  *delegation.Authority
		engine     *tasks.Engine
		registry   *specialist.Registry
		adapter    *adapter.Adapter
		pipeline   *pipeline.Pipeline
		dispatcher *dispatch.Dispatcher
		redis      *goredis.Client
		ownsRedis  bool
		log        telemetry.Logger
	}
)

// New wires a Core from the given options. Construction fails on the first
// configuration error; a Core that constructs is ready to Start.
func New(opts Options) (*Core, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "invalid configuration", err)
	}
	if opts.Source == nil {
		return nil, fault.New(fault.KindConfiguration, "core requires an analytics source")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	cfg := opts.Config

	redisClient := opts.Redis
	ownsRedis := false
	if redisClient == nil && cfg.Cache.RemoteURL != "" {
		ropts, err := goredis.ParseURL(cfg.Cache.RemoteURL)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, "parse cache.remote_url", err)
		}
		redisClient = goredis.NewClient(ropts)
		ownsRedis = true
	}

	var remote cache.RemoteClient
	if redisClient != nil {
		client, err := cacheredis.New(cacheredis.Options{Redis: redisClient})
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, "build redis cache client", err)
		}
		remote = client
	}
	store, err := cache.NewTiered(cache.TieredOptions{
		Remote:  remote,
		Local:   cache.NewLocal(cfg.Cache.LocalCapacity),
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		Cache:            store,
		Logger:           opts.Logger,
		Metrics:          opts.Metrics,
	})

	authority, err := delegation.NewAuthority(delegation.AuthorityOptions{
		Secret: cfg.Dispatcher.Secret,
		TTL:    cfg.Credential.TTL(),
	})
	if err != nil {
		return nil, err
	}

	engine := tasks.New(tasks.Options{
		Workers:        cfg.Tasks.Workers,
		ThreadWorkers:  cfg.Tasks.ThreadWorkers,
		ProcessWorkers: cfg.Tasks.ProcessWorkers,
		QueueCapacity:  cfg.Tasks.QueueCapacity,
		Cache:          store,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})

	registry := specialist.NewRegistry()
	for _, s := range opts.Specialists {
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	callAdapter, err := adapter.New(adapter.Options{
		Authority: authority,
		Registry:  registry,
		Engine:    engine,
		Breakers:  breakers,
		Cache:     store,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Options{
		Source:      opts.Source,
		Credentials: opts.Credentials,
		Activities:  opts.Activities,
		Alerts:      opts.Alerts,
		Sink:        opts.AlertSink,
		Cache:       store,
		Config:      cfg.Pipeline,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Enricher:        pipe,
		Caller:          callAdapter,
		Classifier:      opts.Classifier,
		Synthesizer:     opts.Synthesizer,
		DefaultDeadline: cfg.Dispatcher.DefaultDeadline(),
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Core{
		cfg:        cfg,
		store:      store,
		breakers:   breakers,
		authority:  authority,
		engine:     engine,
		registry:   registry,
		adapter:    callAdapter,
		pipeline:   pipe,
		dispatcher: dispatcher,
		redis:      redisClient,
		ownsRedis:  ownsRedis,
		log:        opts.Logger,
	}, nil
}

// Start brings up the background machinery: cache health probing, task
// workers, and the pipeline loops. Start is idempotent per subsystem.
func (c *Core) Start(ctx context.Context) {
	c.store.Start(ctx)
	c.engine.Start(ctx)
	c.pipeline.Start(ctx)
	c.log.Info(ctx, "core started",
		"specialists", len(c.registry.Kinds()),
		"remote_cache", c.redis != nil)
}

// Stop shuts the subsystems down in reverse dependency order and waits for
// in-flight work to drain.
func (c *Core) Stop() {
	c.pipeline.Stop()
	c.engine.Stop()
	c.store.Stop()
	if c.ownsRedis && c.redis != nil {
		_ = c.redis.Close()
	}
}

// HandleQuery answers one user query through the dispatcher.
func (c *Core) HandleQuery(ctx context.Context, userID, message string, metadata map[string]any) dispatch.FinalResponse {
	return c.dispatcher.HandleQuery(ctx, userID, message, metadata)
}

// ForceRefresh synchronously refreshes the user's analytics snapshot. It
// reports whether the refresh produced a snapshot.
func (c *Core) ForceRefresh(ctx context.Context, userID string) bool {
	return c.pipeline.ForceRefresh(ctx, userID)
}

// Enrichment returns the user's current context snapshot.
func (c *Core) Enrichment(ctx context.Context, userID string) pipeline.Snapshot {
	return c.pipeline.GetEnrichment(ctx, userID)
}

// Call invokes one specialist directly through the adapter. Exposed for
// hosts that surface per-specialist endpoints alongside the dispatcher.
func (c *Core) Call(ctx context.Context, kind string, req specialist.Request, priority tasks.Priority) (specialist.Response, error) {
	return c.adapter.Call(ctx, kind, req, priority)
}

// BreakerStates reports the current state of every specialist breaker.
func (c *Core) BreakerStates() []breaker.Snapshot {
	return c.breakers.States()
}

// CacheStats reports tiered cache counters.
func (c *Core) CacheStats() cache.Stats {
	return c.store.Stats()
}

// EngineStats reports task engine counters.
func (c *Core) EngineStats() tasks.Stats {
	return c.engine.Stats()
}

var _ dispatch.Enricher = (*pipeline.Pipeline)(nil)
