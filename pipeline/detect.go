package pipeline

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// AlertKind classifies a performance alert.
type AlertKind string

const (
	AlertSpike     AlertKind = "spike"
	AlertDrop      AlertKind = "drop"
	AlertMilestone AlertKind = "milestone"
	AlertAnomaly   AlertKind = "anomaly"
)

// Significance grades how notable an alert is.
type Significance string

const (
	SignificanceLow    Significance = "low"
	SignificanceMedium Significance = "medium"
	SignificanceHigh   Significance = "high"
)

// milestoneMetric is the metric milestone thresholds apply to.
const milestoneMetric = "subscribers"

// Alert records one significant metric change for a user.
type Alert struct {
	UserID       string       `json:"user_id" bson:"user_id"`
	Kind         AlertKind    `json:"kind" bson:"kind"`
	Metric       string       `json:"metric" bson:"metric"`
	Current      float64      `json:"current" bson:"current"`
	Previous     float64      `json:"previous" bson:"previous"`
	ChangePct    float64      `json:"change_pct" bson:"change_pct"`
	Threshold    float64      `json:"threshold,omitempty" bson:"threshold,omitempty"`
	Significance Significance `json:"significance" bson:"significance"`
	Message      string       `json:"message" bson:"message"`
	CreatedAt    time.Time    `json:"created_at" bson:"created_at"`
}

// detectPass is one change detector tick: for every user with a current and
// a fresh-enough previous snapshot, compare the enumerated metrics and emit
// alerts for changes past the configured thresholds or across milestone
// boundaries. Alerts deduplicate per (user, metric, direction) within the
// dedup window; milestones deduplicate per crossed boundary, so distinct
// thresholds crossed within one window each fire.
func (p *Pipeline) detectPass(ctx context.Context) {
	now := p.now()

	type pair struct {
		userID   string
		current  Summary
		previous Summary
	}

	p.mu.Lock()
	var pairs []pair
	for userID, h := range p.snapshots {
		if h.current == nil || h.previous == nil {
			continue
		}
		// A stale baseline says nothing about recent movement.
		if now.Sub(h.previous.at) > baselineWindow {
			continue
		}
		pairs = append(pairs, pair{userID: userID, current: h.current.summary, previous: h.previous.summary})
	}
	p.mu.Unlock()

	for _, pr := range pairs {
		for metric, cur := range pr.current.Metrics {
			prev, ok := pr.previous.Metrics[metric]
			if !ok {
				continue
			}
			if alert, ok := p.changeAlert(pr.userID, metric, cur, prev, now); ok {
				p.emit(ctx, alert)
			}
			if metric == milestoneMetric {
				for _, threshold := range p.cfg.Milestones {
					if prev < threshold && cur >= threshold {
						p.emit(ctx, Alert{
							UserID:       pr.userID,
							Kind:         AlertMilestone,
							Metric:       metric,
							Current:      cur,
							Previous:     prev,
							Threshold:    threshold,
							Significance: SignificanceHigh,
							Message:      fmt.Sprintf("Crossed %.0f %s", threshold, metric),
							CreatedAt:    now,
						})
					}
				}
			}
		}
	}
}

// changeAlert builds a spike or drop alert when the metric moved past the
// change threshold. The alert threshold raises significance to high.
func (p *Pipeline) changeAlert(userID, metric string, cur, prev float64, now time.Time) (Alert, bool) {
	if prev == 0 {
		return Alert{}, false
	}
	changePct := (cur - prev) / math.Abs(prev) * 100
	if math.Abs(changePct) < p.cfg.ChangeThresholdPct {
		return Alert{}, false
	}

	kind := AlertSpike
	if changePct < 0 {
		kind = AlertDrop
	}
	significance := SignificanceMedium
	if math.Abs(changePct) >= p.cfg.AlertThresholdPct {
		significance = SignificanceHigh
	}
	return Alert{
		UserID:       userID,
		Kind:         kind,
		Metric:       metric,
		Current:      cur,
		Previous:     prev,
		ChangePct:    changePct,
		Significance: significance,
		Message:      fmt.Sprintf("%s changed %.1f%% (%.0f to %.0f)", metric, changePct, prev, cur),
		CreatedAt:    now,
	}, true
}

// emit records the alert unless an identical (user, metric, direction) fired
// within the dedup window. Milestone keys carry the crossed threshold so one
// boundary does not suppress the next. Store and sink failures are soft.
func (p *Pipeline) emit(ctx context.Context, alert Alert) {
	key := alert.UserID + "|" + alert.Metric + "|" + string(alert.Kind)
	if alert.Kind == AlertMilestone {
		key += "|" + strconv.FormatFloat(alert.Threshold, 'f', -1, 64)
	}

	p.mu.Lock()
	if last, ok := p.emitted[key]; ok && alert.CreatedAt.Sub(last) < baselineWindow {
		p.mu.Unlock()
		return
	}
	p.emitted[key] = alert.CreatedAt
	p.mu.Unlock()

	if err := p.alerts.Append(ctx, alert); err != nil {
		p.log.Warn(ctx, "failed to persist alert",
			"user_id", alert.UserID, "metric", alert.Metric, "err", err)
	}
	if p.sink != nil {
		if err := p.sink.Publish(ctx, alert); err != nil {
			p.log.Warn(ctx, "failed to publish alert",
				"user_id", alert.UserID, "metric", alert.Metric, "err", err)
		}
	}
	p.met.IncCounter("pipeline.alerts", 1,
		"kind", string(alert.Kind), "significance", string(alert.Significance))
	p.log.Info(ctx, "performance alert",
		"user_id", alert.UserID, "kind", string(alert.Kind),
		"metric", alert.Metric, "change_pct", fmt.Sprintf("%.1f", alert.ChangePct))
}

// cleanupPass is one cleanup tick: prune alert history past its retention
// and drop dedup entries past the dedup window. Cache tiers sweep their own
// expired entries.
func (p *Pipeline) cleanupPass(ctx context.Context) {
	now := p.now()

	if n, err := p.alerts.Prune(ctx, now.Add(-alertRetention)); err != nil {
		p.log.Warn(ctx, "alert prune failed", "err", err)
	} else if n > 0 {
		p.log.Debug(ctx, "pruned alert history", "count", n)
	}

	p.mu.Lock()
	for key, at := range p.emitted {
		if now.Sub(at) >= baselineWindow {
			delete(p.emitted, key)
		}
	}
	p.mu.Unlock()
}
