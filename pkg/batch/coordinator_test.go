package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cssforge/cssforge/pkg/cache"
)

func newTestCoordinator(t *testing.T, config Config) *Coordinator {
	t.Helper()
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 4
	}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = 5 * time.Millisecond
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = 5 * time.Second
	}
	c, err := NewCoordinator(config)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(2 * time.Second) })
	return c
}

func echoProcessor(ctx context.Context, payload interface{}) (interface{}, error) {
	return payload, nil
}

func TestAddJobAndWait(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterProcessor("echo", echoProcessor)

	id, err := c.AddJob(context.Background(), &Job{Type: "echo", Payload: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	result, err := c.WaitForJob(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, "hello", result.Value)
	assert.Equal(t, 1, result.Attempts)

	stored, ok := c.Result(id)
	require.True(t, ok)
	assert.Equal(t, result.Value, stored.Value)
}

func TestUnregisteredProcessor(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	_, err := c.AddJob(context.Background(), &Job{Type: "nope"})
	assert.ErrorIs(t, err, ErrUnregisteredProcessor)
}

func TestWaitForUnknownJob(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	_, err := c.WaitForJob(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestDependencyOrdering(t *testing.T) {
	c := newTestCoordinator(t, Config{DependencyTracking: true})

	var mu sync.Mutex
	var order []string
	c.RegisterProcessor("step", func(ctx context.Context, payload interface{}) (interface{}, error) {
		if payload == "a" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, payload.(string))
		mu.Unlock()
		return payload, nil
	})

	// submit the dependent first; it must still run second
	_, err := c.AddJob(context.Background(), &Job{ID: "b", Type: "step", Payload: "b", DependsOn: []string{"a"}})
	require.NoError(t, err)
	_, err = c.AddJob(context.Background(), &Job{ID: "a", Type: "step", Payload: "a"})
	require.NoError(t, err)

	resB, err := c.WaitForJob(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, resB.Err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestPriorityPrecedence(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxConcurrency: 1})

	release := make(chan struct{})
	blockerRunning := make(chan struct{})
	c.RegisterProcessor("block", func(ctx context.Context, payload interface{}) (interface{}, error) {
		close(blockerRunning)
		<-release
		return nil, nil
	})

	var mu sync.Mutex
	var order []string
	c.RegisterProcessor("work", func(ctx context.Context, payload interface{}) (interface{}, error) {
		mu.Lock()
		order = append(order, payload.(string))
		mu.Unlock()
		return nil, nil
	})

	_, err := c.AddJob(context.Background(), &Job{ID: "blocker", Type: "block", Priority: PriorityCritical})
	require.NoError(t, err)
	<-blockerRunning

	// queued while the single slot is busy, in reverse priority order
	ids := []string{}
	for _, tc := range []struct {
		name string
		prio Priority
	}{
		{"low", PriorityLow},
		{"medium", PriorityMedium},
		{"critical", PriorityCritical},
	} {
		id, err := c.AddJob(context.Background(), &Job{ID: tc.name, Type: "work", Payload: tc.name, Priority: tc.prio})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	close(release)
	for _, id := range ids {
		_, err := c.WaitForJob(context.Background(), id)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "medium", "low"}, order)
}

func TestRetryBudgetExactAttempts(t *testing.T) {
	c := newTestCoordinator(t, Config{RetryBaseDelay: 5 * time.Millisecond, RetryMaxDelay: 20 * time.Millisecond})

	var attempts int64
	c.RegisterProcessor("flaky", func(ctx context.Context, payload interface{}) (interface{}, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, errors.New("transient")
	})

	id, err := c.AddJob(context.Background(), &Job{Type: "flaky", MaxRetries: 2})
	require.NoError(t, err)

	result, err := c.WaitForJob(context.Background(), id)
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, result.Attempts, "maxRetries=2 means exactly 3 attempts")
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	assert.Equal(t, int64(2), c.GetStats().Retries)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	c := newTestCoordinator(t, Config{RetryBaseDelay: 5 * time.Millisecond})

	var attempts int64
	c.RegisterProcessor("third-time", func(ctx context.Context, payload interface{}) (interface{}, error) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return nil, errors.New("not yet")
		}
		return "finally", nil
	})

	id, err := c.AddJob(context.Background(), &Job{Type: "third-time", MaxRetries: 5})
	require.NoError(t, err)

	result, err := c.WaitForJob(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, result.Err)
	assert.Equal(t, "finally", result.Value)
	assert.Equal(t, 3, result.Attempts)
}

func TestNoRetriesOptOut(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxRetries: 3})

	var attempts int64
	c.RegisterProcessor("fail", func(ctx context.Context, payload interface{}) (interface{}, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, errors.New("no")
	})

	id, err := c.AddJob(context.Background(), &Job{Type: "fail", MaxRetries: NoRetries})
	require.NoError(t, err)

	result, err := c.WaitForJob(context.Background(), id)
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempts))
}

func TestFailedDependencyCascades(t *testing.T) {
	c := newTestCoordinator(t, Config{DependencyTracking: true})

	c.RegisterProcessor("fail", func(ctx context.Context, payload interface{}) (interface{}, error) {
		return nil, errors.New("broken")
	})
	c.RegisterProcessor("echo", echoProcessor)

	_, err := c.AddJob(context.Background(), &Job{ID: "root", Type: "fail", MaxRetries: NoRetries})
	require.NoError(t, err)
	_, err = c.AddJob(context.Background(), &Job{ID: "child", Type: "echo", DependsOn: []string{"root"}})
	require.NoError(t, err)
	_, err = c.AddJob(context.Background(), &Job{ID: "grandchild", Type: "echo", DependsOn: []string{"child"}})
	require.NoError(t, err)

	for _, id := range []string{"child", "grandchild"} {
		result, err := c.WaitForJob(context.Background(), id)
		require.NoError(t, err)
		assert.ErrorIs(t, result.Err, ErrDependencyFailed, id)
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxConcurrency: 1})

	release := make(chan struct{})
	running := make(chan struct{})
	c.RegisterProcessor("block", func(ctx context.Context, payload interface{}) (interface{}, error) {
		close(running)
		<-release
		return nil, nil
	})
	c.RegisterProcessor("echo", echoProcessor)

	blockerID, err := c.AddJob(context.Background(), &Job{Type: "block"})
	require.NoError(t, err)
	<-running

	queuedID, err := c.AddJob(context.Background(), &Job{Type: "echo"})
	require.NoError(t, err)

	// queued job can be cancelled, the running one cannot
	assert.True(t, c.CancelJob(queuedID))
	assert.False(t, c.CancelJob(blockerID))
	assert.False(t, c.CancelJob("unknown"))

	result, err := c.WaitForJob(context.Background(), queuedID)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, ErrJobCancelled)
	assert.Equal(t, int64(1), c.GetStats().Cancelled)

	close(release)
}

func TestProcessorPanicContained(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterProcessor("panic", func(ctx context.Context, payload interface{}) (interface{}, error) {
		panic("kaboom")
	})
	c.RegisterProcessor("echo", echoProcessor)

	id, err := c.AddJob(context.Background(), &Job{Type: "panic", MaxRetries: NoRetries})
	require.NoError(t, err)

	result, err := c.WaitForJob(context.Background(), id)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, ErrProcessorPanic)

	// coordinator still functions
	id, err = c.AddJob(context.Background(), &Job{Type: "echo", Payload: "ok"})
	require.NoError(t, err)
	result, err = c.WaitForJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Value)
}

func TestJobTimeout(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterProcessor("slow", func(ctx context.Context, payload interface{}) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id, err := c.AddJob(context.Background(), &Job{Type: "slow", Timeout: 30 * time.Millisecond, MaxRetries: NoRetries})
	require.NoError(t, err)

	result, err := c.WaitForJob(context.Background(), id)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, ErrJobTimeout)
}

func TestQueueFullFailsFast(t *testing.T) {
	gate := make(chan struct{})
	var gateOnce sync.Once
	blockAdds := func(ev Event) {
		if ev.Name == EventJobAdded {
			<-gate
		}
	}
	c, err := NewCoordinator(Config{
		MaxConcurrency: 1,
		MaxQueueSize:   1,
		OnEvent:        blockAdds,
	})
	require.NoError(t, err)
	defer func() {
		gateOnce.Do(func() { close(gate) })
		c.Shutdown(2 * time.Second)
	}()
	c.RegisterProcessor("echo", echoProcessor)

	// first job parks the scheduler inside the event callback
	_, err = c.AddJob(context.Background(), &Job{Type: "echo"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// second fills the one-slot queue
	_, err = c.AddJob(context.Background(), &Job{Type: "echo"})
	require.NoError(t, err)

	_, err = c.AddJob(context.Background(), &Job{Type: "echo"})
	assert.ErrorIs(t, err, ErrQueueFull)

	gateOnce.Do(func() { close(gate) })
}

func TestMemoizationSkipsExecution(t *testing.T) {
	memo, err := cache.New(cache.Config{MaxBytes: 1 << 20})
	require.NoError(t, err)
	defer memo.Close()

	c := newTestCoordinator(t, Config{ResultCache: memo})

	var calls int64
	c.RegisterProcessor("minify", func(ctx context.Context, payload interface{}) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return "minified:" + payload.(string), nil
	})

	first, err := c.AddJob(context.Background(), &Job{Type: "minify", Payload: "body{}"})
	require.NoError(t, err)
	res1, err := c.WaitForJob(context.Background(), first)
	require.NoError(t, err)
	require.NoError(t, res1.Err)

	second, err := c.AddJob(context.Background(), &Job{Type: "minify", Payload: "body{}"})
	require.NoError(t, err)
	res2, err := c.WaitForJob(context.Background(), second)
	require.NoError(t, err)
	require.NoError(t, res2.Err)

	assert.Equal(t, res1.Value, res2.Value)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second job should come from the cache")
	assert.Equal(t, 0, res2.Attempts)
}

func TestHundredJobsBoundedConcurrency(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxConcurrency: 4, MaxQueueSize: 256, DependencyTracking: true})

	var current, peak int64
	c.RegisterProcessor("work", func(ctx context.Context, payload interface{}) (interface{}, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(time.Duration(1+payload.(int)%4) * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return payload, nil
	})

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := c.AddJob(context.Background(), &Job{
			Type:     "work",
			Payload:  i,
			Priority: Priority(i % numPriorities),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		result, err := c.WaitForJob(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, result.Err)
	}

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(4))

	stats := c.GetStats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.LessOrEqual(t, stats.PeakConcurrency, 4)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestExecuteBatchByPriority(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxConcurrency: 1})

	var mu sync.Mutex
	var order []string
	c.RegisterProcessor("work", func(ctx context.Context, payload interface{}) (interface{}, error) {
		mu.Lock()
		order = append(order, payload.(string))
		mu.Unlock()
		return payload, nil
	})

	jobs := []*Job{
		{Type: "work", Payload: "low", Priority: PriorityLow},
		{Type: "work", Payload: "critical", Priority: PriorityCritical},
		{Type: "work", Payload: "medium", Priority: PriorityMedium},
	}

	results, err := c.ExecuteBatch(context.Background(), jobs, GroupByPriority)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "critical", results[0].Value)
	assert.Equal(t, "medium", results[1].Value)
	assert.Equal(t, "low", results[2].Value)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "medium", "low"}, order)
}

func TestBatchProgressEvents(t *testing.T) {
	var mu sync.Mutex
	var progress []int
	c := newTestCoordinator(t, Config{
		OnEvent: func(ev Event) {
			if ev.Name == EventBatchProgress {
				mu.Lock()
				progress = append(progress, ev.Completed)
				mu.Unlock()
			}
		},
	})
	c.RegisterProcessor("echo", echoProcessor)

	jobs := []*Job{
		{Type: "echo", Payload: 1},
		{Type: "echo", Payload: 2},
		{Type: "echo", Payload: 3},
	}
	_, err := c.ExecuteBatch(context.Background(), jobs, GroupNone)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestShutdownRejectsNewJobs(t *testing.T) {
	c, err := NewCoordinator(Config{MaxConcurrency: 1})
	require.NoError(t, err)
	c.RegisterProcessor("echo", echoProcessor)

	require.NoError(t, c.Shutdown(time.Second))

	_, err = c.AddJob(context.Background(), &Job{Type: "echo"})
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}

func TestArrangeJobs(t *testing.T) {
	jobs := []*Job{
		{ID: "1", Type: "b", Priority: PriorityLow, Payload: "xxxxxxxxxx"},
		{ID: "2", Type: "a", Priority: PriorityCritical, Payload: "x"},
		{ID: "3", Type: "b", Priority: PriorityCritical, Payload: "xxxx"},
		{ID: "4", Type: "a", Priority: PriorityLow, Payload: "xx"},
	}

	byType := arrangeJobs(jobs, GroupByType)
	assert.Equal(t, []string{"2", "4", "1", "3"}, jobIDs(byType))

	byPriority := arrangeJobs(jobs, GroupByPriority)
	assert.Equal(t, []string{"2", "3", "1", "4"}, jobIDs(byPriority))

	bySize := arrangeJobs(jobs, GroupBySize)
	assert.Equal(t, []string{"2", "4", "3", "1"}, jobIDs(bySize))

	mixed := arrangeJobs(jobs, GroupMixed)
	assert.Equal(t, []string{"2", "3", "4", "1"}, jobIDs(mixed))

	none := arrangeJobs(jobs, GroupNone)
	assert.Equal(t, []string{"1", "2", "3", "4"}, jobIDs(none))

	// input slice untouched
	assert.Equal(t, []string{"1", "2", "3", "4"}, jobIDs(jobs))
}

func jobIDs(jobs []*Job) []string {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids
}

func TestInvalidCoordinatorConfig(t *testing.T) {
	_, err := NewCoordinator(Config{MaxConcurrency: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCoordinator(Config{MaxConcurrency: 2, MaxRetries: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestInvalidPriorityRejected(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterProcessor("echo", echoProcessor)

	_, err := c.AddJob(context.Background(), &Job{Type: "echo", Priority: Priority(9)})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestStatsThroughput(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterProcessor("echo", echoProcessor)

	for i := 0; i < 5; i++ {
		id, err := c.AddJob(context.Background(), &Job{Type: "echo", Payload: i})
		require.NoError(t, err)
		_, err = c.WaitForJob(context.Background(), id)
		require.NoError(t, err)
	}

	stats := c.GetStats()
	assert.Equal(t, int64(5), stats.Completed)
	assert.Greater(t, stats.Throughput, 0.0)
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)
}
