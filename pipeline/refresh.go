package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/fault"
)

// refreshPass is one scheduler tick: derive each tracked user's priority,
// select the ones whose snapshot is older than their priority's interval,
// and launch refreshes up to the concurrency cap. Users already refreshing
// are skipped.
func (p *Pipeline) refreshPass(ctx context.Context) {
	now := p.now()

	type candidate struct {
		userID   string
		rank     int
		lastDone time.Time
	}

	p.mu.Lock()
	var due []candidate
	for userID, act := range p.activities {
		if _, active := p.refreshing[userID]; active {
			continue
		}
		prio := priorityOf(act, now)
		interval := p.cfg.Interval(prio.rank())
		if !act.LastRefreshAt.IsZero() && now.Sub(act.LastRefreshAt) < interval {
			continue
		}
		due = append(due, candidate{userID: userID, rank: prio.rank(), lastDone: act.LastRefreshAt})
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].rank != due[j].rank {
			return due[i].rank < due[j].rank
		}
		return due[i].lastDone.Before(due[j].lastDone)
	})
	slots := p.cfg.MaxConcurrentRefreshes - len(p.refreshing)
	if slots < len(due) {
		due = due[:max(slots, 0)]
	}
	for _, c := range due {
		p.refreshing[c.userID] = struct{}{}
	}
	p.mu.Unlock()

	for _, c := range due {
		userID := c.userID
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.doneRefreshing(userID)
			if err := p.refreshUser(ctx, userID); err != nil {
				p.log.Debug(ctx, "background refresh failed", "user_id", userID, "err", err)
			}
		}()
	}
}

// RegisterInteraction records that the user just interacted. High-priority
// users whose snapshot has gone stale get an immediate opportunistic
// refresh, outside the scheduler's concurrency accounting but guarded by
// the same active set and scoped to the pipeline's run context so Stop
// interrupts it.
func (p *Pipeline) RegisterInteraction(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	now := p.now()

	p.mu.Lock()
	act := p.ensureActivityLocked(userID)
	act.LastInteractionAt = now
	act.RefreshPriority = priorityOf(act, now)
	snap := *act

	opportunistic := false
	if act.RefreshPriority == PriorityHigh {
		if _, active := p.refreshing[userID]; !active {
			if act.LastRefreshAt.IsZero() || now.Sub(act.LastRefreshAt) >= snapshotFreshWindow {
				p.refreshing[userID] = struct{}{}
				opportunistic = true
			}
		}
	}
	runCtx := p.runCtx
	p.mu.Unlock()

	p.saveActivity(ctx, snap)
	p.met.IncCounter("pipeline.interactions", 1)

	if opportunistic {
		if runCtx == nil {
			// Not started; nothing to outlive.
			runCtx = context.Background()
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.doneRefreshing(userID)
			if err := p.refreshUser(runCtx, userID); err != nil {
				p.log.Debug(ctx, "opportunistic refresh failed", "user_id", userID, "err", err)
			}
		}()
	}
}

// ForceRefresh refreshes the user synchronously, bypassing the concurrency
// cap. It reports whether the refresh produced a snapshot. A refresh
// already in flight for the user is not duplicated.
func (p *Pipeline) ForceRefresh(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	p.mu.Lock()
	if _, active := p.refreshing[userID]; active {
		p.mu.Unlock()
		return false
	}
	p.ensureActivityLocked(userID)
	p.refreshing[userID] = struct{}{}
	p.mu.Unlock()
	defer p.doneRefreshing(userID)

	return p.refreshUser(ctx, userID) == nil
}

func (p *Pipeline) doneRefreshing(userID string) {
	p.mu.Lock()
	delete(p.refreshing, userID)
	p.mu.Unlock()
}

// refreshUser is the per-user refresh state machine: credential gate, then
// the comprehensive source, then the basic fallback. Total failure
// preserves the prior snapshot and extends the error streak; any success
// resets it.
func (p *Pipeline) refreshUser(ctx context.Context, userID string) error {
	started := p.now()

	if p.creds != nil {
		cred, err := p.creds.Credential(ctx, userID)
		if err != nil || cred == "" {
			p.recordRefreshFailure(ctx, userID)
			if err == nil {
				err = fault.Newf(fault.KindAuthentication, "no analytics credential for user %q", userID)
			}
			p.met.IncCounter("pipeline.refresh", 1, "outcome", "credential_failed")
			return fault.FromError(err)
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		p.recordRefreshFailure(ctx, userID)
		return fault.Wrap(fault.KindSystem, "refresh aborted before source call", err)
	}

	var summary Summary
	quality := QualityComplete
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		s, err := p.source.Comprehensive(ctx, userID)
		if err != nil {
			return err
		}
		summary = s
		return nil
	})
	if err != nil {
		p.log.Warn(ctx, "comprehensive source failed, trying basic",
			"user_id", userID, "err", err)
		quality = QualityBasicFallback
		err = p.retry.Do(ctx, func(ctx context.Context) error {
			s, err := p.source.Basic(ctx, userID)
			if err != nil {
				return err
			}
			summary = s
			return nil
		})
	}
	if err != nil {
		p.recordRefreshFailure(ctx, userID)
		p.met.IncCounter("pipeline.refresh", 1, "outcome", "failed")
		return fault.Wrap(fault.KindExternalAPI, "all analytics sources failed for "+userID, err)
	}

	p.recordRefreshSuccess(ctx, userID, summary, quality)
	p.met.IncCounter("pipeline.refresh", 1, "outcome", string(quality))
	p.met.RecordTimer("pipeline.refresh_time", p.now().Sub(started))
	return nil
}

// recordRefreshSuccess rotates the snapshot pair, clears the error streak,
// restores the activity's derived priority, and mirrors the fresh snapshot
// to the cache.
func (p *Pipeline) recordRefreshSuccess(ctx context.Context, userID string, summary Summary, quality Quality) {
	now := p.now()

	p.mu.Lock()
	act := p.ensureActivityLocked(userID)
	act.ConsecutiveErrors = 0
	act.LastRefreshAt = now
	act.RefreshPriority = priorityOf(act, now)

	h, ok := p.snapshots[userID]
	if !ok {
		h = &history{}
		p.snapshots[userID] = h
	}
	h.previous = h.current
	state := &snapshotState{summary: summary, quality: quality, at: now}
	h.current = state
	snap := *act
	p.mu.Unlock()

	p.saveActivity(ctx, snap)
	if p.cache != nil {
		cache.SetJSON(ctx, p.cache, snapshotCacheKey(userID), p.buildSnapshot(state), cache.CategoryPipelineSnapshot)
	}
}

// recordRefreshFailure extends the error streak; three in a row pin the
// user to low priority until a success.
func (p *Pipeline) recordRefreshFailure(ctx context.Context, userID string) {
	p.mu.Lock()
	act := p.ensureActivityLocked(userID)
	act.ConsecutiveErrors++
	if act.ConsecutiveErrors >= maxConsecutiveErrors {
		act.RefreshPriority = PriorityLow
	}
	snap := *act
	p.mu.Unlock()

	p.saveActivity(ctx, snap)
}
