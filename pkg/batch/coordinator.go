// Package batch coordinates prioritized jobs with dependencies, bounded
// concurrency, and retries with exponential backoff.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cssforge/cssforge/pkg/cache"
	"github.com/cssforge/cssforge/pkg/infrastructure/logging"
)

var (
	// ErrUnregisteredProcessor is returned when a job's type has no
	// registered processor.
	ErrUnregisteredProcessor = errors.New("no processor registered for job type")

	// ErrQueueFull is returned when the submission queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")

	// ErrJobTimeout marks an attempt that exceeded its deadline.
	ErrJobTimeout = errors.New("job timed out")

	// ErrMaxRetriesExceeded marks a job whose retry budget ran out.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrDependencyFailed marks a job abandoned because a dependency
	// failed permanently.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrJobCancelled marks a job cancelled before dispatch.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrProcessorPanic wraps a panic recovered from a processor.
	ErrProcessorPanic = errors.New("processor panicked")

	// ErrCoordinatorClosed is returned when submitting to a closed
	// coordinator, and marks jobs abandoned by a forced shutdown.
	ErrCoordinatorClosed = errors.New("coordinator is closed")

	// ErrInvalidConfig is returned by NewCoordinator for bad settings.
	ErrInvalidConfig = errors.New("invalid coordinator configuration")

	// ErrInvalidJob is returned by AddJob for malformed jobs.
	ErrInvalidJob = errors.New("invalid job")

	// ErrUnknownJob is returned when waiting on an ID that was never
	// accepted.
	ErrUnknownJob = errors.New("unknown job")
)

// Event names delivered to the configured EventFunc.
const (
	EventJobAdded      = "jobAdded"
	EventJobStarted    = "jobStarted"
	EventJobCompleted  = "jobCompleted"
	EventJobFailed     = "jobFailed"
	EventJobCancelled  = "jobCancelled"
	EventBatchProgress = "batchProgress"
)

// Event describes a job lifecycle or batch progress notification.
type Event struct {
	Name      string
	JobID     string
	Priority  Priority
	Err       error
	Completed int
	Total     int
	Time      time.Time
}

// EventFunc receives coordinator events. Callbacks run on coordinator
// goroutines and must not block.
type EventFunc func(Event)

// retryDelayer yields the wait before each retry.
type retryDelayer interface {
	NextBackOff() time.Duration
}

// Config holds coordinator configuration
type Config struct {
	// MaxConcurrency is the dispatch ceiling.
	MaxConcurrency int

	// MaxQueueSize bounds the submission queue.
	MaxQueueSize int

	// MaxRetries is the default retry budget per job.
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff; RetryMaxDelay caps it.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// JobTimeout is the default per-attempt deadline.
	JobTimeout time.Duration

	// DependencyTracking enables the dependency graph. When disabled,
	// declared dependencies are ignored.
	DependencyTracking bool

	// ResultCache memoizes successful results by job type and payload.
	// Nil disables memoization.
	ResultCache *cache.Cache

	// OnEvent receives lifecycle events.
	OnEvent EventFunc

	// Logger for coordinator operations. Nil uses the global logger.
	Logger *logging.Logger
}

// DefaultConfig returns a coordinator configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     4,
		MaxQueueSize:       1024,
		MaxRetries:         3,
		RetryBaseDelay:     100 * time.Millisecond,
		RetryMaxDelay:      30 * time.Second,
		JobTimeout:         60 * time.Second,
		DependencyTracking: true,
	}
}

// Stats provides a snapshot of coordinator activity
type Stats struct {
	Submitted          int64
	Completed          int64
	Failed             int64
	Cancelled          int64
	Retries            int64
	SuccessRate        float64
	ErrorRate          float64
	AvgDuration        time.Duration
	Throughput         float64 // completed jobs per second since start
	CurrentConcurrency int
	PeakConcurrency    int
}

type cancelRequest struct {
	id    string
	reply chan bool
}

// Coordinator schedules jobs through priority buckets. A single scheduler
// goroutine owns all scheduling state; submissions, completions, retries,
// and cancellations reach it over channels.
type Coordinator struct {
	config Config
	logger *logging.Logger

	procMu     sync.RWMutex
	processors map[string]Processor

	submitCh  chan *jobState
	doneCh    chan *jobState
	requeueCh chan *jobState
	cancelCh  chan cancelRequest

	statesMu sync.RWMutex
	states   map[string]*jobState

	resultsMu sync.RWMutex
	results   map[string]JobResult

	ctx           context.Context
	cancel        context.CancelFunc
	schedulerDone chan struct{}

	mu     sync.Mutex
	closed bool

	jobs sync.WaitGroup // accepted jobs not yet terminal

	startTime time.Time

	submitted     int64
	completed     int64
	failed        int64
	cancelled     int64
	retries       int64
	current       int64
	peak          int64
	totalDuration int64 // nanoseconds, completed jobs only
}

// NewCoordinator creates a coordinator with the given configuration
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: max concurrency must be positive", ErrInvalidConfig)
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1024
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidConfig)
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 100 * time.Millisecond
	}
	if config.RetryMaxDelay < config.RetryBaseDelay {
		config.RetryMaxDelay = config.RetryBaseDelay
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 60 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("batch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:        config,
		logger:        logger,
		processors:    make(map[string]Processor),
		submitCh:      make(chan *jobState, config.MaxQueueSize),
		doneCh:        make(chan *jobState),
		requeueCh:     make(chan *jobState, config.MaxQueueSize),
		cancelCh:      make(chan cancelRequest),
		states:        make(map[string]*jobState),
		results:       make(map[string]JobResult),
		ctx:           ctx,
		cancel:        cancel,
		schedulerDone: make(chan struct{}),
		startTime:     time.Now(),
	}

	go c.schedule()
	return c, nil
}

// RegisterProcessor binds a processor to a job type, replacing any previous
// binding.
func (c *Coordinator) RegisterProcessor(jobType string, proc Processor) {
	c.procMu.Lock()
	c.processors[jobType] = proc
	c.procMu.Unlock()
}

func (c *Coordinator) processor(jobType string) (Processor, bool) {
	c.procMu.RLock()
	defer c.procMu.RUnlock()
	proc, ok := c.processors[jobType]
	return proc, ok
}

// AddJob submits a job and returns its ID. Fails fast with ErrQueueFull
// when the submission queue is at capacity.
func (c *Coordinator) AddJob(ctx context.Context, job *Job) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}
	c.mu.Unlock()

	if _, ok := c.processor(job.Type); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnregisteredProcessor, job.Type)
	}
	if job.Priority < PriorityCritical || job.Priority > PriorityLow {
		return "", fmt.Errorf("%w: priority %d out of range", ErrInvalidJob, job.Priority)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	maxRetries := job.MaxRetries
	switch {
	case maxRetries == NoRetries:
		maxRetries = 0
	case maxRetries == 0:
		maxRetries = c.config.MaxRetries
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = c.config.JobTimeout
	}

	js := &jobState{
		job:        job,
		maxRetries: maxRetries,
		timeout:    timeout,
		delay:      c.newRetryDelay(),
		done:       make(chan struct{}),
	}

	c.jobs.Add(1)
	select {
	case c.submitCh <- js:
	case <-ctx.Done():
		c.jobs.Done()
		return "", ctx.Err()
	default:
		c.jobs.Done()
		return "", fmt.Errorf("%w: capacity %d", ErrQueueFull, cap(c.submitCh))
	}

	c.statesMu.Lock()
	c.states[job.ID] = js
	c.statesMu.Unlock()

	atomic.AddInt64(&c.submitted, 1)
	return job.ID, nil
}

// AddBatch submits jobs in order, stopping at the first failure.
func (c *Coordinator) AddBatch(ctx context.Context, jobs []*Job) ([]string, error) {
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		id, err := c.AddJob(ctx, job)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WaitForJob blocks until the job reaches a terminal state or ctx expires.
func (c *Coordinator) WaitForJob(ctx context.Context, id string) (JobResult, error) {
	c.statesMu.RLock()
	js, ok := c.states[id]
	c.statesMu.RUnlock()
	if !ok {
		return JobResult{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	select {
	case <-js.done:
		return js.result, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// ExecuteBatch submits the jobs arranged by the given grouping strategy and
// waits for all of them, returning results in the arranged order.
func (c *Coordinator) ExecuteBatch(ctx context.Context, jobs []*Job, strategy GroupStrategy) ([]JobResult, error) {
	arranged := arrangeJobs(jobs, strategy)

	ids := make([]string, 0, len(arranged))
	for _, job := range arranged {
		id, err := c.AddJob(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("failed to submit job %s: %w", job.ID, err)
		}
		ids = append(ids, id)
	}

	results := make([]JobResult, len(ids))
	for i, id := range ids {
		result, err := c.WaitForJob(ctx, id)
		if err != nil {
			return results, err
		}
		results[i] = result
		c.emit(Event{
			Name:      EventBatchProgress,
			JobID:     id,
			Completed: i + 1,
			Total:     len(ids),
			Time:      time.Now(),
		})
	}
	return results, nil
}

// CancelJob cancels a job that has not been dispatched yet. Returns whether
// the cancellation took effect.
func (c *Coordinator) CancelJob(id string) bool {
	req := cancelRequest{id: id, reply: make(chan bool, 1)}
	select {
	case c.cancelCh <- req:
		return <-req.reply
	case <-c.ctx.Done():
		return false
	}
}

// Result returns the terminal result of a job, if it has one.
func (c *Coordinator) Result(id string) (JobResult, bool) {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()
	result, ok := c.results[id]
	return result, ok
}

// Results returns a copy of all terminal results.
func (c *Coordinator) Results() []JobResult {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()
	out := make([]JobResult, 0, len(c.results))
	for _, result := range c.results {
		out = append(out, result)
	}
	return out
}

// GetStats returns a snapshot of coordinator counters
func (c *Coordinator) GetStats() Stats {
	stats := Stats{
		Submitted:          atomic.LoadInt64(&c.submitted),
		Completed:          atomic.LoadInt64(&c.completed),
		Failed:             atomic.LoadInt64(&c.failed),
		Cancelled:          atomic.LoadInt64(&c.cancelled),
		Retries:            atomic.LoadInt64(&c.retries),
		CurrentConcurrency: int(atomic.LoadInt64(&c.current)),
		PeakConcurrency:    int(atomic.LoadInt64(&c.peak)),
	}

	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
		stats.ErrorRate = float64(stats.Failed) / float64(finished)
	}
	if stats.Completed > 0 {
		stats.AvgDuration = time.Duration(atomic.LoadInt64(&c.totalDuration) / stats.Completed)
	}
	if elapsed := time.Since(c.startTime).Seconds(); elapsed > 0 {
		stats.Throughput = float64(stats.Completed) / elapsed
	}
	return stats
}

// Shutdown stops intake, waits up to timeout for accepted jobs to finish,
// then abandons whatever is left.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.jobs.Wait()
		close(drained)
	}()

	graceful := true
	select {
	case <-drained:
	case <-time.After(timeout):
		graceful = false
	}

	c.cancel()
	<-c.schedulerDone

	if !graceful {
		c.logger.Warn("forced shutdown with jobs still active")
		return fmt.Errorf("%w: shutdown deadline exceeded", ErrCoordinatorClosed)
	}
	return nil
}

// schedulerState is owned exclusively by the scheduler goroutine.
type schedulerState struct {
	buckets   [numPriorities][]*jobState
	active    map[string]*jobState // queued or running
	completed map[string]bool
	failed    map[string]bool
	running   int
}

func (c *Coordinator) schedule() {
	defer close(c.schedulerDone)

	st := &schedulerState{
		active:    make(map[string]*jobState),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}

	for {
		c.dispatchEligible(st)

		select {
		case <-c.ctx.Done():
			c.abandonRemaining(st)
			return

		case js := <-c.submitCh:
			p := js.job.Priority
			st.buckets[p] = append(st.buckets[p], js)
			st.active[js.job.ID] = js
			c.emit(Event{Name: EventJobAdded, JobID: js.job.ID, Priority: p, Time: time.Now()})

		case js := <-c.requeueCh:
			// retries go to the front of their bucket
			p := js.job.Priority
			st.buckets[p] = append([]*jobState{js}, st.buckets[p]...)

		case js := <-c.doneCh:
			st.running--
			atomic.StoreInt64(&c.current, int64(st.running))
			c.handleAttempt(st, js)

		case req := <-c.cancelCh:
			req.reply <- c.cancelQueued(st, req.id)
		}
	}
}

// dispatchEligible starts queued jobs in strict priority order, FIFO within
// a bucket, skipping jobs whose dependencies are still outstanding.
func (c *Coordinator) dispatchEligible(st *schedulerState) {
	for p := 0; p < numPriorities; p++ {
		var keep []*jobState
		for _, js := range st.buckets[p] {
			if st.running >= c.config.MaxConcurrency {
				keep = append(keep, js)
				continue
			}
			if dep, failed := c.failedDependency(st, js); failed {
				c.settleFailure(st, js, fmt.Errorf("%w: %s", ErrDependencyFailed, dep))
				continue
			}
			if !c.dependenciesMet(st, js) {
				keep = append(keep, js)
				continue
			}
			if c.completeFromCache(st, js) {
				continue
			}
			c.startJob(st, js)
		}
		st.buckets[p] = keep
	}
}

func (c *Coordinator) dependenciesMet(st *schedulerState, js *jobState) bool {
	if !c.config.DependencyTracking {
		return true
	}
	for _, dep := range js.job.DependsOn {
		if !st.completed[dep] {
			return false
		}
	}
	return true
}

func (c *Coordinator) failedDependency(st *schedulerState, js *jobState) (string, bool) {
	if !c.config.DependencyTracking {
		return "", false
	}
	for _, dep := range js.job.DependsOn {
		if st.failed[dep] {
			return dep, true
		}
	}
	return "", false
}

func (c *Coordinator) startJob(st *schedulerState, js *jobState) {
	proc, ok := c.processor(js.job.Type)
	if !ok {
		// the binding disappeared after submission
		c.settleFailure(st, js, fmt.Errorf("%w: %s", ErrUnregisteredProcessor, js.job.Type))
		return
	}

	js.attempts++
	st.running++
	atomic.StoreInt64(&c.current, int64(st.running))
	if int64(st.running) > atomic.LoadInt64(&c.peak) {
		atomic.StoreInt64(&c.peak, int64(st.running))
	}

	c.emit(Event{Name: EventJobStarted, JobID: js.job.ID, Priority: js.job.Priority, Time: time.Now()})
	go c.runJob(js, proc)
}

// runJob executes one attempt, racing the processor against the job's
// deadline. A processor that ignores its context leaks a goroutine until it
// returns; its late result is dropped.
func (c *Coordinator) runJob(js *jobState, proc Processor) {
	ctx, cancel := context.WithTimeout(c.ctx, js.timeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		value interface{}
		err   error
	}
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("%w: %v", ErrProcessorPanic, r)}
			}
		}()
		value, err := proc(ctx, js.job.Payload)
		out <- outcome{value: value, err: err}
	}()

	select {
	case result := <-out:
		js.lastValue, js.lastErr = result.value, result.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			js.lastErr = fmt.Errorf("%w after %s", ErrJobTimeout, js.timeout)
		} else {
			js.lastErr = ctx.Err()
		}
		js.lastValue = nil
	}
	js.lastDuration = time.Since(start)

	select {
	case c.doneCh <- js:
	case <-c.ctx.Done():
		// scheduler already abandoned this job
	}
}

// handleAttempt processes the outcome of one attempt: success settles the
// job, a retryable failure re-enters its bucket after backoff, and an
// exhausted budget fails the job and everything depending on it.
func (c *Coordinator) handleAttempt(st *schedulerState, js *jobState) {
	if js.lastErr == nil {
		c.settleSuccess(st, js)
		c.cascadeFailures(st)
		return
	}

	if js.attempts <= js.maxRetries {
		delay := js.delay.NextBackOff()
		atomic.AddInt64(&c.retries, 1)
		c.logger.Debug("retrying job", map[string]interface{}{
			"job_id":  js.job.ID,
			"attempt": js.attempts,
			"delay":   delay.String(),
		})
		time.AfterFunc(delay, func() {
			select {
			case c.requeueCh <- js:
			case <-c.ctx.Done():
			}
		})
		return
	}

	err := js.lastErr
	if js.maxRetries > 0 {
		err = fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, js.attempts, js.lastErr)
	}
	c.settleFailure(st, js, err)
	c.cascadeFailures(st)
}

// cascadeFailures fails every queued job depending on a failed one, to a
// fixpoint.
func (c *Coordinator) cascadeFailures(st *schedulerState) {
	if !c.config.DependencyTracking {
		return
	}
	for {
		changed := false
		for p := 0; p < numPriorities; p++ {
			var keep []*jobState
			for _, js := range st.buckets[p] {
				if dep, failed := c.failedDependency(st, js); failed {
					c.settleFailure(st, js, fmt.Errorf("%w: %s", ErrDependencyFailed, dep))
					changed = true
					continue
				}
				keep = append(keep, js)
			}
			st.buckets[p] = keep
		}
		if !changed {
			return
		}
	}
}

func (c *Coordinator) settleSuccess(st *schedulerState, js *jobState) {
	st.completed[js.job.ID] = true
	delete(st.active, js.job.ID)

	atomic.AddInt64(&c.completed, 1)
	atomic.AddInt64(&c.totalDuration, int64(js.lastDuration))

	result := JobResult{
		JobID:       js.job.ID,
		Type:        js.job.Type,
		Value:       js.lastValue,
		Attempts:    js.attempts,
		Duration:    js.lastDuration,
		CompletedAt: time.Now(),
	}
	c.storeResult(result)
	c.memoize(js, result.Value)
	js.finish(result)
	c.jobs.Done()
	c.emit(Event{Name: EventJobCompleted, JobID: js.job.ID, Priority: js.job.Priority, Time: result.CompletedAt})
}

func (c *Coordinator) settleFailure(st *schedulerState, js *jobState, err error) {
	st.failed[js.job.ID] = true
	delete(st.active, js.job.ID)

	atomic.AddInt64(&c.failed, 1)

	result := JobResult{
		JobID:       js.job.ID,
		Type:        js.job.Type,
		Err:         err,
		Attempts:    js.attempts,
		Duration:    js.lastDuration,
		CompletedAt: time.Now(),
	}
	c.storeResult(result)
	js.finish(result)
	c.jobs.Done()
	c.emit(Event{Name: EventJobFailed, JobID: js.job.ID, Priority: js.job.Priority, Err: err, Time: result.CompletedAt})
}

func (c *Coordinator) cancelQueued(st *schedulerState, id string) bool {
	for p := 0; p < numPriorities; p++ {
		for i, js := range st.buckets[p] {
			if js.job.ID != id {
				continue
			}
			st.buckets[p] = append(st.buckets[p][:i], st.buckets[p][i+1:]...)
			delete(st.active, id)
			st.failed[id] = true // dependents of a cancelled job do not run

			atomic.AddInt64(&c.cancelled, 1)
			result := JobResult{
				JobID:       id,
				Type:        js.job.Type,
				Err:         ErrJobCancelled,
				Attempts:    js.attempts,
				CompletedAt: time.Now(),
			}
			c.storeResult(result)
			js.finish(result)
			c.jobs.Done()
			c.emit(Event{Name: EventJobCancelled, JobID: id, Priority: js.job.Priority, Time: result.CompletedAt})
			c.cascadeFailures(st)
			return true
		}
	}
	return false
}

// abandonRemaining fails every job still tracked when the scheduler stops.
func (c *Coordinator) abandonRemaining(st *schedulerState) {
	for p := 0; p < numPriorities; p++ {
		st.buckets[p] = nil
	}
	for _, js := range st.active {
		c.settleFailure(st, js, ErrCoordinatorClosed)
	}
}

// completeFromCache settles a job from the memoized result of an identical
// earlier one, skipping execution entirely.
func (c *Coordinator) completeFromCache(st *schedulerState, js *jobState) bool {
	if c.config.ResultCache == nil {
		return false
	}
	key, ok := memoKey(js.job)
	if !ok {
		return false
	}
	value, hit := c.config.ResultCache.Get(key)
	if !hit {
		return false
	}

	js.lastValue = value
	js.lastErr = nil
	js.lastDuration = 0
	c.settleSuccess(st, js)
	return true
}

func (c *Coordinator) memoize(js *jobState, value interface{}) {
	if c.config.ResultCache == nil || js.attempts == 0 {
		return
	}
	if key, ok := memoKey(js.job); ok {
		c.config.ResultCache.Set(key, value)
	}
}

// memoKey derives a cache key from the job type and payload. Unserializable
// payloads opt out of memoization.
func memoKey(job *Job) (string, bool) {
	data, err := json.Marshal(job.Payload)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return "batch:" + job.Type + ":" + hex.EncodeToString(sum[:]), true
}

func (c *Coordinator) newRetryDelay() retryDelayer {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.config.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Coordinator) emit(ev Event) {
	if c.config.OnEvent != nil {
		c.config.OnEvent(ev)
	}
}

func (c *Coordinator) storeResult(result JobResult) {
	c.resultsMu.Lock()
	c.results[result.JobID] = result
	c.resultsMu.Unlock()
}
