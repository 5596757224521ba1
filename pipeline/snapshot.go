package pipeline

import (
	"context"
	"time"

	"github.com/creatorhq/maestro/cache"
)

// Freshness signals how current the snapshot's data is.
type Freshness string

const (
	FreshnessRealTime    Freshness = "real_time"
	FreshnessDegraded    Freshness = "degraded"
	FreshnessUnavailable Freshness = "unavailable"
)

// Quality signals how complete the snapshot's context is.
type Quality string

const (
	QualityComplete      Quality = "complete"
	QualityBasicFallback Quality = "basic_fallback"
	QualityEmptyFallback Quality = "empty_fallback"
)

// Snapshot is the enrichment blob the dispatcher merges into every query.
// The shape is constant across freshness levels: collections are always
// non-nil and the freshness and quality fields are the only degradation
// signals.
type Snapshot struct {
	LastUpdated  time.Time          `json:"last_updated"`
	KeyMetrics   map[string]float64 `json:"key_metrics"`
	Insights     []string           `json:"performance_insights"`
	RecentAlerts []Alert            `json:"recent_alerts"`
	Freshness    Freshness          `json:"data_freshness"`
	Quality      Quality            `json:"context_quality"`
}

// snapshotCacheKey is where a user's snapshot is mirrored for sibling
// processes.
func snapshotCacheKey(userID string) string {
	return "pipeline:snapshot:" + userID
}

// GetEnrichment returns the user's snapshot. It never fails: users without
// any snapshot get the empty fallback with unavailable freshness, and every
// collection field is present regardless of degradation. This is the
// dispatcher's sole read path into the pipeline.
func (p *Pipeline) GetEnrichment(ctx context.Context, userID string) Snapshot {
	now := p.now()

	p.mu.Lock()
	var state *snapshotState
	if h, ok := p.snapshots[userID]; ok {
		state = h.current
	}
	p.mu.Unlock()

	if state != nil {
		snap := p.buildSnapshot(state)
		snap.RecentAlerts = p.recentAlerts(ctx, userID, now)
		return snap
	}

	// No snapshot in this process; a sibling may have refreshed the user.
	if p.cache != nil {
		if snap, ok := cache.GetJSON[Snapshot](ctx, p.cache, snapshotCacheKey(userID)); ok {
			normalizeSnapshot(&snap)
			if now.Sub(snap.LastUpdated) > snapshotFreshWindow {
				snap.Freshness = FreshnessDegraded
			}
			snap.RecentAlerts = p.recentAlerts(ctx, userID, now)
			return snap
		}
	}

	return Snapshot{
		KeyMetrics:   map[string]float64{},
		Insights:     []string{},
		RecentAlerts: []Alert{},
		Freshness:    FreshnessUnavailable,
		Quality:      QualityEmptyFallback,
	}
}

// buildSnapshot converts a refresh result into the dispatcher-facing shape.
func (p *Pipeline) buildSnapshot(state *snapshotState) Snapshot {
	metrics := make(map[string]float64, len(state.summary.Metrics))
	for k, v := range state.summary.Metrics {
		metrics[k] = v
	}
	insights := make([]string, len(state.summary.Insights))
	copy(insights, state.summary.Insights)

	freshness := FreshnessRealTime
	if p.now().Sub(state.at) > snapshotFreshWindow {
		freshness = FreshnessDegraded
	}
	return Snapshot{
		LastUpdated:  state.at,
		KeyMetrics:   metrics,
		Insights:     insights,
		RecentAlerts: []Alert{},
		Freshness:    freshness,
		Quality:      state.quality,
	}
}

// recentAlerts loads the user's alerts from the last day. Store failures
// degrade to an empty list.
func (p *Pipeline) recentAlerts(ctx context.Context, userID string, now time.Time) []Alert {
	alerts, err := p.alerts.Since(ctx, userID, now.Add(-baselineWindow))
	if err != nil {
		p.log.Warn(ctx, "failed to load recent alerts", "user_id", userID, "err", err)
		return []Alert{}
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	return alerts
}

// normalizeSnapshot restores the non-nil collection invariant after a JSON
// round trip.
func normalizeSnapshot(s *Snapshot) {
	if s.KeyMetrics == nil {
		s.KeyMetrics = map[string]float64{}
	}
	if s.Insights == nil {
		s.Insights = []string{}
	}
	if s.RecentAlerts == nil {
		s.RecentAlerts = []Alert{}
	}
}
