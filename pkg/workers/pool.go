// Package workers provides a fixed-size worker pool with per-task deadlines,
// crash containment, and destructive restart of workers holding expired tasks.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cssforge/cssforge/pkg/infrastructure/logging"
)

var (
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrTaskTimeout is returned through the future of a task whose
	// deadline expired before it completed.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrPoolClosed is returned when submitting to a pool that has begun
	// shutting down.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrNotStarted is returned for operations that require Start.
	ErrNotStarted = errors.New("pool not started")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("pool already started")

	// ErrWorkerCrash wraps a panic recovered during task execution.
	ErrWorkerCrash = errors.New("worker crashed")

	// ErrInvalidConfig is returned by New for contradictory settings.
	ErrInvalidConfig = errors.New("invalid pool configuration")
)

// maxWorkerErrors is the cumulative error count after which a worker is
// proactively replaced.
const maxWorkerErrors = 5

// Event names delivered to the configured EventFunc.
const (
	EventWorkerStarted = "workerStarted"
	EventWorkerStopped = "workerStopped"
	EventMetrics       = "metrics"
)

// Event describes a pool lifecycle or metrics notification.
type Event struct {
	Name     string
	WorkerID int
	Stats    *Stats
	Time     time.Time
}

// EventFunc receives pool events. Callbacks run on pool goroutines and must
// not block.
type EventFunc func(Event)

// Config holds worker pool configuration
type Config struct {
	// Size is the number of workers. Zero derives it from the CPU count,
	// clamped to [1,16].
	Size int

	// MaxQueueSize bounds the pending task queue.
	MaxQueueSize int

	// TaskTimeout is the default per-task deadline. Tasks implementing
	// TimeoutCarrier override it.
	TaskTimeout time.Duration

	// MetricsInterval controls periodic metrics events. Zero disables them.
	MetricsInterval time.Duration

	// OnEvent receives lifecycle and metrics events.
	OnEvent EventFunc

	// Logger for pool operations. Nil uses the global logger.
	Logger *logging.Logger
}

// DefaultConfig returns a pool configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Size:            clampPoolSize(runtime.NumCPU()),
		MaxQueueSize:    256,
		TaskTimeout:     30 * time.Second,
		MetricsInterval: 10 * time.Second,
	}
}

func clampPoolSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > 16 {
		return 16
	}
	return n
}

// Stats provides a snapshot of pool activity
type Stats struct {
	Workers         int
	BusyWorkers     int
	QueueDepth      int
	Submitted       int64
	Completed       int64
	Failed          int64
	Timeouts        int64
	Restarts        int64
	AvgTaskDuration time.Duration
}

// submission states. Exactly one terminal transition wins per submission.
const (
	subPending int32 = iota
	subDone
	subTimedOut
)

type submission struct {
	task    Task
	future  *Future
	timeout time.Duration
	state   int32

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

type worker struct {
	id      int
	taskCh  chan *submission
	errors  int
	retired int32
}

// Pool manages a fixed set of workers pulling tasks from a bounded queue.
// Workers that time out or accumulate errors are retired and replaced; a
// retired worker's eventual result is discarded.
type Pool struct {
	config Config
	logger *logging.Logger

	pending chan *submission
	idle    chan *worker

	ctx    context.Context
	cancel context.CancelFunc

	// loops tracks the dispatcher and metrics goroutines. Worker goroutines
	// are intentionally untracked: one stuck in a hung task would block
	// shutdown forever.
	loops    sync.WaitGroup
	inflight sync.WaitGroup

	mu           sync.Mutex
	started      bool
	closed       bool
	nextWorkerID int
	liveWorkers  int

	submitted int64
	completed int64
	failed    int64
	timeouts  int64
	restarts  int64
	busy      int64

	durMu         sync.Mutex
	totalDuration time.Duration
	durationCount int64
}

// New creates a worker pool with the given configuration
func New(config Config) (*Pool, error) {
	if config.Size < 0 {
		return nil, fmt.Errorf("%w: size must not be negative", ErrInvalidConfig)
	}
	if config.MaxQueueSize < 0 {
		return nil, fmt.Errorf("%w: max queue size must not be negative", ErrInvalidConfig)
	}
	if config.Size == 0 {
		config.Size = clampPoolSize(runtime.NumCPU())
	}
	config.Size = clampPoolSize(config.Size)
	if config.MaxQueueSize == 0 {
		config.MaxQueueSize = 256
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent("workers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:  config,
		logger:  logger,
		pending: make(chan *submission, config.MaxQueueSize),
		// idle never holds more than Size entries: a worker enqueues
		// itself only between tasks and retired workers never re-enter.
		idle:   make(chan *worker, config.Size),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers and the dispatcher
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.config.Size; i++ {
		p.spawnWorker()
	}

	p.loops.Add(1)
	go p.dispatch()

	if p.config.MetricsInterval > 0 {
		p.loops.Add(1)
		go p.metricsLoop()
	}

	p.logger.Info("worker pool started", map[string]interface{}{
		"workers":    p.config.Size,
		"queue_size": p.config.MaxQueueSize,
	})
	return nil
}

// Submit enqueues a task and returns a future for its result. Returns
// ErrQueueFull immediately when the pending queue is at capacity.
func (p *Pool) Submit(task Task) (*Future, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if ft, ok := task.(*FuncTask); ok && ft.TaskID == "" {
		ft.TaskID = uuid.NewString()
	}

	timeout := p.config.TaskTimeout
	if tc, ok := task.(TimeoutCarrier); ok && tc.TaskTimeout() > 0 {
		timeout = tc.TaskTimeout()
	}

	sub := &submission{
		task:    task,
		future:  newFuture(),
		timeout: timeout,
	}

	p.inflight.Add(1)
	select {
	case p.pending <- sub:
		atomic.AddInt64(&p.submitted, 1)
		return sub.future, nil
	default:
		p.inflight.Done()
		return nil, fmt.Errorf("%w: capacity %d", ErrQueueFull, cap(p.pending))
	}
}

// Execute submits a task and waits for its result
func (p *Pool) Execute(ctx context.Context, task Task) (Result, error) {
	future, err := p.Submit(task)
	if err != nil {
		return Result{}, err
	}
	return future.Wait(ctx)
}

// ExecuteAll runs the given tasks with at most concurrency of them in flight
// at once, returning results in task order. Zero concurrency means the pool
// size. Submission failures appear as errors in the corresponding Result.
func (p *Pool) ExecuteAll(ctx context.Context, tasks []Task, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = p.config.Size
	}

	results := make([]Result, len(tasks))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(index int, t Task) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[index] = Result{TaskID: t.ID(), Err: ctx.Err()}
				return
			}

			res, err := p.Execute(ctx, t)
			if err != nil {
				results[index] = Result{TaskID: t.ID(), Err: err}
				return
			}
			results[index] = res
		}(i, task)
	}

	wg.Wait()
	return results
}

// Shutdown stops intake, waits up to timeout for in-flight tasks, then
// cancels everything still running. Futures of tasks still queued at the
// deadline resolve with ErrPoolClosed.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("worker pool shutting down", map[string]interface{}{
		"timeout": timeout.String(),
	})

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	graceful := true
	select {
	case <-drained:
	case <-time.After(timeout):
		graceful = false
	}

	p.cancel()
	p.loops.Wait()

	if !graceful {
		p.logger.Warn("forced shutdown with tasks still in flight")
		return fmt.Errorf("%w: shutdown deadline exceeded", ErrPoolClosed)
	}
	return nil
}

// Stats returns a snapshot of pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.liveWorkers
	p.mu.Unlock()

	p.durMu.Lock()
	var avg time.Duration
	if p.durationCount > 0 {
		avg = p.totalDuration / time.Duration(p.durationCount)
	}
	p.durMu.Unlock()

	return Stats{
		Workers:         workers,
		BusyWorkers:     int(atomic.LoadInt64(&p.busy)),
		QueueDepth:      len(p.pending),
		Submitted:       atomic.LoadInt64(&p.submitted),
		Completed:       atomic.LoadInt64(&p.completed),
		Failed:          atomic.LoadInt64(&p.failed),
		Timeouts:        atomic.LoadInt64(&p.timeouts),
		Restarts:        atomic.LoadInt64(&p.restarts),
		AvgTaskDuration: avg,
	}
}

func (p *Pool) spawnWorker() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	id := p.nextWorkerID
	p.nextWorkerID++
	p.liveWorkers++
	p.mu.Unlock()

	w := &worker{
		id:     id,
		taskCh: make(chan *submission, 1),
	}
	go p.runWorker(w)
	p.emit(Event{Name: EventWorkerStarted, WorkerID: id, Time: time.Now()})
}

func (p *Pool) runWorker(w *worker) {
	defer func() {
		p.mu.Lock()
		p.liveWorkers--
		p.mu.Unlock()
		p.emit(Event{Name: EventWorkerStopped, WorkerID: w.id, Time: time.Now()})
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case p.idle <- w:
		}

		select {
		case <-p.ctx.Done():
			return
		case sub := <-w.taskCh:
			p.execute(w, sub)
			if atomic.LoadInt32(&w.retired) == 1 {
				// the timeout handler already spawned a replacement
				return
			}
			if w.errors > maxWorkerErrors {
				p.logger.Warn("restarting worker after repeated errors", map[string]interface{}{
					"worker_id": w.id,
					"errors":    w.errors,
				})
				atomic.AddInt64(&p.restarts, 1)
				p.spawnWorker()
				return
			}
		}
	}
}

func (p *Pool) execute(w *worker, sub *submission) {
	start := time.Now()
	atomic.AddInt64(&p.busy, 1)
	defer atomic.AddInt64(&p.busy, -1)

	value, err := p.runTask(sub)

	duration := time.Since(start)
	sub.timer.Stop()
	sub.cancel()

	if !atomic.CompareAndSwapInt32(&sub.state, subPending, subDone) {
		// deadline fired while we were running; result discarded
		return
	}

	if err != nil {
		w.errors++
		atomic.AddInt64(&p.failed, 1)
	} else {
		atomic.AddInt64(&p.completed, 1)
	}

	p.durMu.Lock()
	p.totalDuration += duration
	p.durationCount++
	p.durMu.Unlock()

	sub.future.resolve(Result{
		TaskID:   sub.task.ID(),
		Value:    value,
		Err:      err,
		Duration: duration,
		WorkerID: w.id,
	})
	p.inflight.Done()
}

// runTask contains panics from the task so one bad task cannot take the
// worker down with an unrecovered crash.
func (p *Pool) runTask(sub *submission) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerCrash, r)
			p.logger.Error("recovered panic in task", map[string]interface{}{
				"task_id": sub.task.ID(),
				"panic":   fmt.Sprintf("%v", r),
			})
		}
	}()
	return sub.task.Execute(sub.ctx)
}

func (p *Pool) dispatch() {
	defer p.loops.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drainPending()
			return
		case sub := <-p.pending:
			select {
			case <-p.ctx.Done():
				p.reject(sub, ErrPoolClosed)
				p.drainPending()
				return
			case w := <-p.idle:
				p.send(w, sub)
			}
		}
	}
}

func (p *Pool) send(w *worker, sub *submission) {
	sub.ctx, sub.cancel = context.WithTimeout(p.ctx, sub.timeout)
	sub.timer = time.AfterFunc(sub.timeout, func() {
		p.handleTimeout(w, sub)
	})
	w.taskCh <- sub
}

// handleTimeout runs when a task's deadline fires before completion. The
// worker holding it cannot be interrupted, so it is retired and replaced;
// whatever it eventually produces is thrown away.
func (p *Pool) handleTimeout(w *worker, sub *submission) {
	if !atomic.CompareAndSwapInt32(&sub.state, subPending, subTimedOut) {
		return
	}

	sub.cancel()
	atomic.StoreInt32(&w.retired, 1)
	atomic.AddInt64(&p.timeouts, 1)

	p.logger.Warn("task timed out, retiring worker", map[string]interface{}{
		"task_id":   sub.task.ID(),
		"worker_id": w.id,
		"timeout":   sub.timeout.String(),
	})

	sub.future.resolve(Result{
		TaskID:   sub.task.ID(),
		Err:      fmt.Errorf("%w after %s", ErrTaskTimeout, sub.timeout),
		Duration: sub.timeout,
		WorkerID: w.id,
	})
	p.inflight.Done()

	atomic.AddInt64(&p.restarts, 1)
	p.spawnWorker()
}

func (p *Pool) drainPending() {
	for {
		select {
		case sub := <-p.pending:
			p.reject(sub, ErrPoolClosed)
		default:
			return
		}
	}
}

func (p *Pool) reject(sub *submission, err error) {
	if !atomic.CompareAndSwapInt32(&sub.state, subPending, subDone) {
		return
	}
	sub.future.resolve(Result{TaskID: sub.task.ID(), Err: err})
	p.inflight.Done()
}

func (p *Pool) metricsLoop() {
	defer p.loops.Done()

	ticker := time.NewTicker(p.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			p.emit(Event{Name: EventMetrics, Stats: &stats, Time: time.Now()})
		}
	}
}

func (p *Pool) emit(ev Event) {
	if p.config.OnEvent != nil {
		p.config.OnEvent(ev)
	}
}
