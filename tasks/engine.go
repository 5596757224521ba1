package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/fault"
	"github.com/creatorhq/maestro/telemetry"
)

// waitPollInterval spaces result polls in Wait.
const waitPollInterval = 50 * time.Millisecond

type (
	// Options configures an Engine.
	Options struct {
		// Workers is the general pool size. Defaults to 5.
		Workers int
		// ThreadWorkers sizes the CPU-bound pool. Zero disables it and
		// routes UseThread submissions to the general pool.
		ThreadWorkers int
		// ProcessWorkers sizes the isolated pool. Zero disables it and
		// routes UseProcess submissions to the general pool.
		ProcessWorkers int
		// QueueCapacity bounds each priority level. Defaults to 1000.
		QueueCapacity int
		// ResultRetention bounds the completed-results map. Defaults to 1000;
		// the oldest completion is evicted first.
		ResultRetention int
		// Cache, when set, receives user-owned results under the task_status
		// category. Optional.
		Cache cache.Store
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}

	// Engine runs submitted tasks on its worker pools. Create with New,
	// then Start; Submit is safe before Start, work begins once workers run.
	Engine struct {
		general *pool
		thread  *pool
		process *pool

		retention int
		cache     cache.Store
		log       telemetry.Logger
		met       telemetry.Metrics
		now       func() time.Time

		mu             sync.Mutex
		records        map[string]*record
		completedOrder []string
		running        int
		completed      map[Status]int
		execTotal      time.Duration
		execCount      int

		startedAt time.Time
		cancel    context.CancelFunc
		wg        sync.WaitGroup
	}

	// record tracks one task through its lifecycle. All mutable fields are
	// guarded by the engine mutex.
	record struct {
		id  string
		sub Submission

		status      Status
		attempts    int
		cancelled   bool
		cancelRun   context.CancelFunc
		submittedAt time.Time
		startedAt   time.Time
		result      *Result
	}

	// queue is one FIFO priority level with its own lock, so submissions to
	// different levels never contend.
	queue struct {
		mu       sync.Mutex
		items    []*record
		capacity int
	}

	// pool is a worker group with its own five levels and wake channel.
	pool struct {
		name    string
		workers int
		levels  [numPriorities]*queue
		notify  chan struct{}
	}
)

// New constructs an Engine.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1000
	}
	if opts.ResultRetention <= 0 {
		opts.ResultRetention = 1000
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}

	e := &Engine{
		general:   newPool("general", opts.Workers, opts.QueueCapacity),
		retention: opts.ResultRetention,
		cache:     opts.Cache,
		log:       opts.Logger,
		met:       opts.Metrics,
		now:       time.Now,
		records:   make(map[string]*record),
		completed: make(map[Status]int),
	}
	if opts.ThreadWorkers > 0 {
		e.thread = newPool("thread", opts.ThreadWorkers, opts.QueueCapacity)
	}
	if opts.ProcessWorkers > 0 {
		e.process = newPool("process", opts.ProcessWorkers, opts.QueueCapacity)
	}
	return e
}

func newPool(name string, workers, capacity int) *pool {
	p := &pool{
		name:    name,
		workers: workers,
		notify:  make(chan struct{}, capacity*numPriorities),
	}
	for i := range p.levels {
		p.levels[i] = &queue{capacity: capacity}
	}
	return p
}

// Start launches all workers. It is safe to call once; Stop ends them.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = e.now()
	e.mu.Unlock()

	for _, p := range e.pools() {
		for i := 0; i < p.workers; i++ {
			e.wg.Add(1)
			go e.worker(runCtx, p)
		}
	}
	e.log.Info(ctx, "task engine started",
		"workers", e.general.workers, "queue_capacity", e.general.levels[0].capacity)
}

// Stop cancels all workers and running tasks, then waits for workers to
// exit. Pending tasks are abandoned; queues are volatile by contract.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

// Submit enqueues a task and returns its id immediately. A full queue fails
// fast with a validation fault; nothing is ever dropped silently.
func (e *Engine) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.Func == nil {
		return "", fault.New(fault.KindValidation, "task func is required")
	}
	if !sub.Priority.valid() {
		return "", fault.Newf(fault.KindValidation, "unknown priority %d", sub.Priority)
	}

	rec := &record{
		id:          uuid.NewString(),
		sub:         sub,
		status:      StatusPending,
		submittedAt: e.now(),
	}
	p := e.poolFor(sub)

	e.mu.Lock()
	e.records[rec.id] = rec
	e.mu.Unlock()

	if !p.enqueue(rec) {
		e.mu.Lock()
		delete(e.records, rec.id)
		e.mu.Unlock()
		return "", fault.Newf(fault.KindValidation,
			"task queue %s/%s is full", p.name, sub.Priority).
			WithDetail("pool", p.name).
			WithDetail("priority", sub.Priority.String())
	}

	e.met.IncCounter("tasks.submitted", 1, "priority", sub.Priority.String(), "pool", p.name)
	e.log.Debug(ctx, "task submitted",
		"task_id", rec.id, "name", sub.Name, "priority", sub.Priority.String(), "pool", p.name)
	return rec.id, nil
}

// Result returns the task's terminal result, or nil while it is unknown,
// pending, or running. Evicted results also report nil.
func (e *Engine) Result(taskID string) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[taskID]
	if !ok || rec.result == nil {
		return nil
	}
	res := *rec.result
	return &res
}

// Status returns the task's lifecycle status and whether the task is known.
func (e *Engine) Status(taskID string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[taskID]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Wait blocks until the task reaches a terminal state or ctx ends. Callers
// bound the wait through ctx.
func (e *Engine) Wait(ctx context.Context, taskID string) (*Result, error) {
	if _, known := e.Status(taskID); !known {
		return nil, fault.Newf(fault.KindValidation, "unknown task %q", taskID)
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		if res := e.Result(taskID); res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation. Pending tasks finalize as cancelled right
// away; running tasks get their context cancelled and finalize when the
// function observes it. Terminal and unknown tasks report false.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[taskID]
	if !ok || rec.status.Terminal() {
		return false
	}
	switch rec.status {
	case StatusPending:
		rec.cancelled = true
		e.finishLocked(rec, StatusCancelled, nil, fault.New(fault.KindBusinessLogic, "task cancelled before start"))
	case StatusRunning:
		rec.cancelled = true
		if rec.cancelRun != nil {
			rec.cancelRun()
		}
	}
	return true
}

// Stats returns a snapshot of engine activity.
func (e *Engine) Stats() Stats {
	depths := make(map[string]int, numPriorities)
	for level := 0; level < numPriorities; level++ {
		total := 0
		for _, p := range e.pools() {
			total += p.levels[level].depth()
		}
		depths[Priority(level).String()] = total
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	completed := make(map[Status]int, len(e.completed))
	for k, v := range e.completed {
		completed[k] = v
	}
	var avg time.Duration
	if e.execCount > 0 {
		avg = e.execTotal / time.Duration(e.execCount)
	}
	workers := 0
	for _, p := range e.pools() {
		workers += p.workers
	}
	var uptime time.Duration
	if !e.startedAt.IsZero() {
		uptime = e.now().Sub(e.startedAt)
	}
	return Stats{
		QueueDepths: depths,
		Running:     e.running,
		Completed:   completed,
		AvgExecTime: avg,
		Workers:     workers,
		Uptime:      uptime,
	}
}

func (e *Engine) pools() []*pool {
	ps := []*pool{e.general}
	if e.thread != nil {
		ps = append(ps, e.thread)
	}
	if e.process != nil {
		ps = append(ps, e.process)
	}
	return ps
}

func (e *Engine) poolFor(sub Submission) *pool {
	switch {
	case sub.UseProcess && e.process != nil:
		return e.process
	case sub.UseThread && e.thread != nil:
		return e.thread
	default:
		return e.general
	}
}

func (e *Engine) worker(ctx context.Context, p *pool) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rec := p.dequeue()
		if rec == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
			}
			continue
		}
		e.run(ctx, p, rec)
	}
}

// run executes one task attempt and finalizes or requeues it.
func (e *Engine) run(ctx context.Context, p *pool, rec *record) {
	e.mu.Lock()
	if rec.status.Terminal() || rec.cancelled {
		// Cancelled while pending; already finalized.
		e.mu.Unlock()
		return
	}
	rec.status = StatusRunning
	rec.attempts++
	rec.startedAt = e.now()
	runCtx, cancelRun := context.WithCancel(ctx)
	rec.cancelRun = cancelRun
	e.running++
	e.mu.Unlock()
	defer cancelRun()

	execCtx, cancelTimeout := withOptionalTimeout(runCtx, rec.sub.Timeout)
	defer cancelTimeout()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fault.Newf(fault.KindSystem, "task panicked: %v", r)}
			}
		}()
		v, err := rec.sub.Func(execCtx)
		done <- outcome{value: v, err: err}
	}()

	var (
		status Status
		value  any
		err    error
	)
	select {
	case out := <-done:
		status, value, err = e.classify(rec, out.value, out.err)
	case <-execCtx.Done():
		// The function has not returned; classify from the context and let
		// the goroutine drain into the buffered channel when it notices.
		status, value, err = e.classify(rec, nil, execCtx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running--

	if status == StatusFailed && rec.attempts <= rec.sub.MaxRetries && !rec.cancelled {
		rec.status = StatusPending
		rec.cancelRun = nil
		if p.enqueue(rec) {
			e.met.IncCounter("tasks.retried", 1, "priority", rec.sub.Priority.String())
			return
		}
		// Retry impossible on a full queue; fall through to terminal failed.
	}
	e.finishLocked(rec, status, value, err)
}

// classify maps an execution outcome onto a terminal status.
func (e *Engine) classify(rec *record, value any, err error) (Status, any, error) {
	if err == nil {
		return StatusCompleted, value, nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout, nil, fault.Wrap(fault.KindSpecialistTimeout,
			"task exceeded its deadline", err).WithDetail("timeout", rec.sub.Timeout.String())
	case errors.Is(err, context.Canceled):
		return StatusCancelled, nil, fault.Wrap(fault.KindBusinessLogic, "task cancelled", err)
	default:
		return StatusFailed, nil, fault.FromError(err)
	}
}

// finishLocked records a terminal transition. Caller holds e.mu.
func (e *Engine) finishLocked(rec *record, status Status, value any, err error) {
	now := e.now()
	exec := time.Duration(0)
	if !rec.startedAt.IsZero() {
		exec = now.Sub(rec.startedAt)
	}
	rec.status = status
	rec.result = &Result{
		TaskID:      rec.id,
		Name:        rec.sub.Name,
		Status:      status,
		Value:       value,
		Err:         err,
		Attempts:    rec.attempts,
		StartedAt:   rec.startedAt,
		CompletedAt: now,
		ExecTime:    exec,
	}

	e.completed[status]++
	if !rec.startedAt.IsZero() {
		e.execTotal += exec
		e.execCount++
	}
	e.completedOrder = append(e.completedOrder, rec.id)
	for len(e.completedOrder) > e.retention {
		oldest := e.completedOrder[0]
		e.completedOrder = e.completedOrder[1:]
		delete(e.records, oldest)
	}

	e.met.IncCounter("tasks.finished", 1, "status", string(status))
	if exec > 0 {
		e.met.RecordTimer("tasks.exec_time", exec, "priority", rec.sub.Priority.String())
	}
	if status == StatusTimeout {
		e.log.Warn(context.Background(), "task timed out",
			"task_id", rec.id, "name", rec.sub.Name, "timeout", rec.sub.Timeout.String())
	}

	e.mirrorToCache(rec)
}

// mirrorToCache publishes user-owned results under the task_status category
// so the owning session can poll across process boundaries.
func (e *Engine) mirrorToCache(rec *record) {
	if e.cache == nil || rec.sub.OwnerUserID == "" || rec.result == nil {
		return
	}
	wire := struct {
		TaskID      string    `json:"task_id"`
		Name        string    `json:"name,omitempty"`
		Status      Status    `json:"status"`
		Value       any       `json:"value,omitempty"`
		Error       string    `json:"error,omitempty"`
		Attempts    int       `json:"attempts"`
		CompletedAt time.Time `json:"completed_at"`
		ExecTimeMS  int64     `json:"exec_time_ms"`
	}{
		TaskID:      rec.id,
		Name:        rec.sub.Name,
		Status:      rec.result.Status,
		Value:       rec.result.Value,
		Attempts:    rec.result.Attempts,
		CompletedAt: rec.result.CompletedAt,
		ExecTimeMS:  rec.result.ExecTime.Milliseconds(),
	}
	if rec.result.Err != nil {
		wire.Error = fault.FromError(rec.result.Err).UserMessage
	}
	key := "task:" + rec.sub.OwnerUserID + ":" + rec.id
	cache.SetJSON(context.Background(), e.cache, key, wire, cache.CategoryTaskStatus)
}

func (q *queue) push(rec *record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, rec)
	return true
}

func (q *queue) pop() *record {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	rec := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return rec
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (p *pool) enqueue(rec *record) bool {
	if !p.levels[rec.sub.Priority].push(rec) {
		return false
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

// dequeue pops from the highest non-empty level.
func (p *pool) dequeue() *record {
	for level := numPriorities - 1; level >= 0; level-- {
		if rec := p.levels[level].pop(); rec != nil {
			return rec
		}
	}
	return nil
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
