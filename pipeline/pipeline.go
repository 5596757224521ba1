// Package pipeline keeps per-user analytics snapshots warm and turns
// significant metric changes into alerts. Three loops cooperate: a refresh
// scheduler that recomputes snapshots on activity-derived intervals, a
// change detector that compares consecutive snapshots, and a cleanup loop
// that prunes alert history and detector state. The dispatcher reads the
// pipeline through GetEnrichment, which is total: it always returns a
// well-formed snapshot and signals degradation only through the freshness
// and quality fields.
package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/config"
	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/telemetry"
)

const (
	// defaultScanInterval spaces refresh scheduler passes.
	defaultScanInterval = time.Minute
	// defaultDetectInterval spaces change detector passes.
	defaultDetectInterval = 5 * time.Minute
	// defaultCleanupInterval spaces cleanup passes.
	defaultCleanupInterval = time.Hour
	// snapshotFreshWindow is how long a snapshot counts as real_time.
	snapshotFreshWindow = 15 * time.Minute
	// baselineWindow bounds how old a previous snapshot may be and still
	// serve as a change detection baseline. Also the alert dedup window.
	baselineWindow = 24 * time.Hour
	// alertRetention is how long alert history is kept.
	alertRetention = 7 * 24 * time.Hour
	// defaultSourceRate bounds analytics provider calls per second across
	// all refresh workers.
	defaultSourceRate = 5
)

type (
	// Summary is what one analytics source call yields for a user.
	Summary struct {
		// Metrics is a small bag of numeric summaries keyed by metric name.
		Metrics map[string]float64 `json:"metrics"`
		// Insights are short human-readable observations.
		Insights []string `json:"insights,omitempty"`
	}

	// Source provides per-user analytics. Comprehensive is the primary,
	// richer call; Basic is the degraded secondary the refresh falls back to.
	Source interface {
		Comprehensive(ctx context.Context, userID string) (Summary, error)
		Basic(ctx context.Context, userID string) (Summary, error)
	}

	// CredentialProvider resolves a user's analytics provider credential. A
	// missing or invalid credential fails the refresh without touching the
	// source.
	CredentialProvider interface {
		Credential(ctx context.Context, userID string) (string, error)
	}

	// ActivityStore persists user activity records across restarts. It is
	// the only pipeline state that survives a process boundary together with
	// alert history.
	ActivityStore interface {
		List(ctx context.Context) ([]Activity, error)
		Save(ctx context.Context, activity Activity) error
	}

	// AlertStore persists emitted alerts.
	AlertStore interface {
		Append(ctx context.Context, alert Alert) error
		Since(ctx context.Context, userID string, since time.Time) ([]Alert, error)
		Prune(ctx context.Context, before time.Time) (int, error)
	}

	// AlertSink receives every emitted alert, typically for streaming to an
	// external transport. Publish failures are logged and never block the
	// detector.
	AlertSink interface {
		Publish(ctx context.Context, alert Alert) error
	}

	// Options configures a Pipeline.
	Options struct {
		// Source provides analytics summaries. Required.
		Source Source
		// Credentials gates refreshes per user. Nil disables the gate.
		Credentials CredentialProvider
		// Activities persists activity records. Defaults to in-memory.
		Activities ActivityStore
		// Alerts persists alert history. Defaults to in-memory.
		Alerts AlertStore
		// Sink receives emitted alerts. Optional.
		Sink AlertSink
		// Cache mirrors snapshots under the pipeline_snapshot category so
		// sibling processes can enrich from them. Optional.
		Cache cache.Store
		// Config supplies refresh intervals and alert thresholds. The zero
		// value takes the package defaults.
		Config config.PipelineConfig
		// Retry shapes per-source-call retries. The zero value takes
		// DefaultRetryPolicy.
		Retry RetryPolicy
		// SourceRatePerSec bounds analytics provider calls across refresh
		// workers. Defaults to 5 per second.
		SourceRatePerSec float64
		// ScanInterval overrides the refresh scheduler period. Test hook.
		ScanInterval time.Duration
		// DetectInterval overrides the change detector period. Test hook.
		DetectInterval time.Duration
		// CleanupInterval overrides the cleanup period. Test hook.
		CleanupInterval time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}

	// Pipeline owns the activity map, the snapshot pairs, and the three
	// loops. All mutable state serializes through a single mutex; writes are
	// short and the map holds one entry per active user.
	Pipeline struct {
		source  Source
		creds   CredentialProvider
		store   ActivityStore
		alerts  AlertStore
		sink    AlertSink
		cache   cache.Store
		cfg     config.PipelineConfig
		retry   RetryPolicy
		limiter *rate.Limiter
		log     telemetry.Logger
		met     telemetry.Metrics
		now     func() time.Time

		scanInterval    time.Duration
		detectInterval  time.Duration
		cleanupInterval time.Duration

		mu         sync.Mutex
		activities map[string]*Activity
		snapshots  map[string]*history
		refreshing map[string]struct{}
		emitted    map[string]time.Time

		runCtx context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	// history holds the two snapshot states change detection compares.
	history struct {
		current  *snapshotState
		previous *snapshotState
	}

	// snapshotState is one successfully refreshed summary with provenance.
	snapshotState struct {
		summary Summary
		quality Quality
		at      time.Time
	}
)

// New constructs a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fault.New(fault.KindConfiguration, "pipeline requires an analytics source")
	}
	if opts.Activities == nil {
		opts.Activities = NewMemoryActivityStore()
	}
	if opts.Alerts == nil {
		opts.Alerts = NewMemoryAlertStore()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Config.MaxConcurrentRefreshes == 0 {
		opts.Config = config.Default().Pipeline
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.SourceRatePerSec <= 0 {
		opts.SourceRatePerSec = defaultSourceRate
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = defaultScanInterval
	}
	if opts.DetectInterval <= 0 {
		opts.DetectInterval = defaultDetectInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}

	return &Pipeline{
		source:          opts.Source,
		creds:           opts.Credentials,
		store:           opts.Activities,
		alerts:          opts.Alerts,
		sink:            opts.Sink,
		cache:           opts.Cache,
		cfg:             opts.Config,
		retry:           opts.Retry,
		limiter:         rate.NewLimiter(rate.Limit(opts.SourceRatePerSec), opts.Config.MaxConcurrentRefreshes),
		log:             opts.Logger,
		met:             opts.Metrics,
		now:             time.Now,
		scanInterval:    opts.ScanInterval,
		detectInterval:  opts.DetectInterval,
		cleanupInterval: opts.CleanupInterval,
		activities:      make(map[string]*Activity),
		snapshots:       make(map[string]*history),
		refreshing:      make(map[string]struct{}),
		emitted:         make(map[string]time.Time),
	}, nil
}

// Start loads persisted activities and launches the three loops. Calling
// Start twice is a no-op; Stop ends the loops and waits for them.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.runCtx = runCtx
	p.cancel = cancel
	p.mu.Unlock()

	p.loadActivities(ctx)

	p.wg.Add(3)
	go p.loop(runCtx, p.scanInterval, p.refreshPass)
	go p.loop(runCtx, p.detectInterval, p.detectPass)
	go p.loop(runCtx, p.cleanupInterval, p.cleanupPass)

	p.log.Info(ctx, "pipeline started",
		"max_concurrent_refreshes", p.cfg.MaxConcurrentRefreshes,
		"scan_interval", p.scanInterval.String())
}

// Stop ends the loops and waits for in-flight refreshes to settle.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runCtx = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// Stats reports a point-in-time view of pipeline activity.
func (p *Pipeline) Stats() (tracked, refreshing int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activities), len(p.refreshing)
}

func (p *Pipeline) loop(ctx context.Context, period time.Duration, pass func(context.Context)) {
	defer p.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// loadActivities restores persisted activity records. A storage failure is
// logged and leaves the pipeline starting cold rather than failing startup.
func (p *Pipeline) loadActivities(ctx context.Context) {
	records, err := p.store.List(ctx)
	if err != nil {
		p.log.Error(ctx, "failed to load persisted activities", "err", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range records {
		rec := records[i]
		if rec.UserID == "" {
			continue
		}
		p.activities[rec.UserID] = &rec
	}
	if len(records) > 0 {
		p.log.Info(ctx, "restored user activities", "count", len(records))
	}
}

// ensureActivityLocked returns the user's activity record, creating one on
// first sight. Caller holds p.mu.
func (p *Pipeline) ensureActivityLocked(userID string) *Activity {
	act, ok := p.activities[userID]
	if !ok {
		act = &Activity{UserID: userID, RefreshPriority: PriorityLow}
		p.activities[userID] = act
	}
	return act
}

// saveActivity persists one record. Failures are soft: the in-memory copy
// stays authoritative for this process.
func (p *Pipeline) saveActivity(ctx context.Context, act Activity) {
	if err := p.store.Save(ctx, act); err != nil {
		p.log.Warn(ctx, "failed to persist activity", "user_id", act.UserID, "err", err)
	}
}
