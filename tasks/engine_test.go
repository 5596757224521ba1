package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorhq/maestro/cache"
	"github.com/creatorhq/maestro/fault"
)

func newStartedEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e := New(opts)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

// startRecorder collects task start order and times.
type startRecorder struct {
	mu     sync.Mutex
	order  []string
	starts map[string]time.Time
}

func newStartRecorder() *startRecorder {
	return &startRecorder{starts: make(map[string]time.Time)}
}

func (r *startRecorder) mark(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.starts[name] = time.Now()
}

func (r *startRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *startRecorder) startedAt(name string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[name]
}

func waitRunning(t *testing.T, e *Engine, taskID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, ok := e.Status(taskID)
		return ok && status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitAndWait(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 2})

	id, err := e.Submit(context.Background(), Submission{
		Name:     "echo",
		Priority: PriorityNormal,
		Func: func(context.Context) (any, error) {
			return "hello", nil
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "hello", res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "echo", res.Name)
	assert.False(t, res.CompletedAt.IsZero())
}

func TestSubmitValidation(t *testing.T) {
	e := New(Options{})

	_, err := e.Submit(context.Background(), Submission{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))

	_, err = e.Submit(context.Background(), Submission{
		Priority: Priority(99),
		Func:     func(context.Context) (any, error) { return nil, nil },
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}

func TestSubmitFailsFastWhenQueueFull(t *testing.T) {
	// Not started: nothing drains the queue.
	e := New(Options{Workers: 1, QueueCapacity: 2})
	noop := func(context.Context) (any, error) { return nil, nil }

	for i := 0; i < 2; i++ {
		_, err := e.Submit(context.Background(), Submission{Func: noop})
		require.NoError(t, err)
	}
	_, err := e.Submit(context.Background(), Submission{Func: noop})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))

	// Other levels have their own capacity.
	_, err = e.Submit(context.Background(), Submission{Func: noop, Priority: PriorityHigh})
	require.NoError(t, err)
}

func TestPriorityOrdering(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})
	rec := newStartRecorder()
	gate := make(chan struct{})

	gateID, err := e.Submit(context.Background(), Submission{
		Name:     "gate",
		Priority: PriorityNormal,
		Func: func(context.Context) (any, error) {
			rec.mark("gate")
			<-gate
			return nil, nil
		},
	})
	require.NoError(t, err)
	waitRunning(t, e, gateID)

	lowID, err := e.Submit(context.Background(), Submission{
		Name:     "low",
		Priority: PriorityLow,
		Func:     func(context.Context) (any, error) { rec.mark("low"); return nil, nil },
	})
	require.NoError(t, err)

	highID, err := e.Submit(context.Background(), Submission{
		Name:     "high",
		Priority: PriorityHigh,
		Func:     func(context.Context) (any, error) { rec.mark("high"); return nil, nil },
	})
	require.NoError(t, err)

	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = e.Wait(ctx, highID)
	require.NoError(t, err)
	_, err = e.Wait(ctx, lowID)
	require.NoError(t, err)

	assert.Equal(t, []string{"gate", "high", "low"}, rec.snapshot())
}

func TestFIFOWithinPriority(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})
	rec := newStartRecorder()
	gate := make(chan struct{})

	gateID, err := e.Submit(context.Background(), Submission{
		Priority: PriorityNormal,
		Func: func(context.Context) (any, error) {
			<-gate
			return nil, nil
		},
	})
	require.NoError(t, err)
	waitRunning(t, e, gateID)

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		id, err := e.Submit(context.Background(), Submission{
			Priority: PriorityNormal,
			Func:     func(context.Context) (any, error) { rec.mark(name); return nil, nil },
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range ids {
		_, err := e.Wait(ctx, id)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a", "b", "c"}, rec.snapshot())
}

func TestTimeoutDeterminism(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})

	id, err := e.Submit(context.Background(), Submission{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Func: func(ctx context.Context) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "never", nil
			}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, res.Status)
	assert.GreaterOrEqual(t, res.ExecTime, 50*time.Millisecond)
	assert.True(t, fault.IsKind(res.Err, fault.KindSpecialistTimeout))
}

func TestCriticalPreemptsQueuedLows(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})
	rec := newStartRecorder()
	gate := make(chan struct{})

	lowIDs := make([]string, 5)
	for i := 0; i < 5; i++ {
		name := string(rune('1' + i))
		id, err := e.Submit(context.Background(), Submission{
			Name:     "low" + name,
			Priority: PriorityLow,
			Func: func(context.Context) (any, error) {
				rec.mark("low" + name)
				<-gate
				return nil, nil
			},
		})
		require.NoError(t, err)
		lowIDs[i] = id
	}
	waitRunning(t, e, lowIDs[0])

	critID, err := e.Submit(context.Background(), Submission{
		Name:     "critical",
		Priority: PriorityCritical,
		Func:     func(context.Context) (any, error) { rec.mark("critical"); return nil, nil },
	})
	require.NoError(t, err)

	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	critRes, err := e.Wait(ctx, critID)
	require.NoError(t, err)
	for _, id := range lowIDs {
		_, err := e.Wait(ctx, id)
		require.NoError(t, err)
	}

	// The critical task ran right after the in-flight low task and finished
	// before the last queued low task ever started.
	order := rec.snapshot()
	require.Equal(t, "critical", order[1])
	assert.True(t, critRes.CompletedAt.Before(rec.startedAt("low5")),
		"critical completed at %v, low5 started at %v", critRes.CompletedAt, rec.startedAt("low5"))
}

func TestCancelPending(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})
	gate := make(chan struct{})
	defer close(gate)

	gateID, err := e.Submit(context.Background(), Submission{
		Func: func(context.Context) (any, error) { <-gate; return nil, nil },
	})
	require.NoError(t, err)
	waitRunning(t, e, gateID)

	ran := false
	id, err := e.Submit(context.Background(), Submission{
		Func: func(context.Context) (any, error) { ran = true; return nil, nil },
	})
	require.NoError(t, err)

	require.True(t, e.Cancel(id))

	res := e.Result(id)
	require.NotNil(t, res)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Zero(t, res.ExecTime)
	assert.False(t, ran)

	// Terminal tasks cannot be cancelled again.
	assert.False(t, e.Cancel(id))
	assert.False(t, e.Cancel("unknown"))
}

func TestCancelRunning(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})

	id, err := e.Submit(context.Background(), Submission{
		Func: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	waitRunning(t, e, id)

	require.True(t, e.Cancel(id))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestRetriesUntilSuccess(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})

	var mu sync.Mutex
	calls := 0
	id, err := e.Submit(context.Background(), Submission{
		MaxRetries: 2,
		Func: func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return "finally", nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "finally", res.Value)
	assert.Equal(t, 3, res.Attempts)
}

func TestRetriesExhausted(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})

	id, err := e.Submit(context.Background(), Submission{
		MaxRetries: 1,
		Func: func(context.Context) (any, error) {
			return nil, errors.New("permanent")
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, fault.IsKind(res.Err, fault.KindSystem))
}

func TestPanicBecomesFailed(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})

	id, err := e.Submit(context.Background(), Submission{
		Func: func(context.Context) (any, error) {
			panic("boom")
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, fault.IsKind(res.Err, fault.KindSystem))
}

func TestUserOwnedResultMirroredToCache(t *testing.T) {
	store := cache.NewLocal(16)
	e := newStartedEngine(t, Options{Workers: 1, Cache: store})

	id, err := e.Submit(context.Background(), Submission{
		OwnerUserID: "u1",
		Func:        func(context.Context) (any, error) { return "v", nil },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wire, ok := cache.GetJSON[map[string]any](context.Background(), store, "task:u1:"+id)
		return ok && wire["status"] == string(StatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestThreadPoolIsolation(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1, ThreadWorkers: 1})
	gate := make(chan struct{})
	defer close(gate)

	// Occupy the single general worker.
	gateID, err := e.Submit(context.Background(), Submission{
		Func: func(context.Context) (any, error) { <-gate; return nil, nil },
	})
	require.NoError(t, err)
	waitRunning(t, e, gateID)

	// A thread-pool task still runs.
	id, err := e.Submit(context.Background(), Submission{
		UseThread: true,
		Func:      func(context.Context) (any, error) { return "isolated", nil },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := e.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "isolated", res.Value)
}

func TestResultRetentionEvictsOldest(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1, ResultRetention: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.Submit(context.Background(), Submission{
			Func: func(context.Context) (any, error) { return nil, nil },
		})
		require.NoError(t, err)
		ids = append(ids, id)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = e.Wait(ctx, id)
		cancel()
		require.NoError(t, err)
	}

	assert.Nil(t, e.Result(ids[0]), "oldest result evicted")
	assert.NotNil(t, e.Result(ids[1]))
	assert.NotNil(t, e.Result(ids[2]))
}

func TestStats(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 2, ThreadWorkers: 1})

	id, err := e.Submit(context.Background(), Submission{
		Func: func(context.Context) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = e.Wait(ctx, id)
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, 1, stats.Completed[StatusCompleted])
	assert.GreaterOrEqual(t, stats.Uptime, time.Duration(0))
	assert.Contains(t, stats.QueueDepths, "critical")
}

func TestWaitUnknownTask(t *testing.T) {
	e := newStartedEngine(t, Options{Workers: 1})
	_, err := e.Wait(context.Background(), "no-such-task")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindValidation))
}
