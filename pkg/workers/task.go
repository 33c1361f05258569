package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Task represents a unit of work that can be executed by a worker
type Task interface {
	// Execute performs the task and returns a result or error
	Execute(ctx context.Context) (interface{}, error)

	// ID returns a unique identifier for this task
	ID() string
}

// TimeoutCarrier is implemented by tasks that override the pool's default
// execution deadline.
type TimeoutCarrier interface {
	TaskTimeout() time.Duration
}

// ErrNilTaskFunc is returned when a FuncTask is executed without a function.
var ErrNilTaskFunc = errors.New("task has no function")

// FuncTask adapts a plain function to the Task interface. TaskID is assigned
// by the pool at submission when left blank.
type FuncTask struct {
	TaskID   string
	Type     string
	Payload  interface{}
	Timeout  time.Duration
	Priority int
	Metadata map[string]string
	Fn       func(ctx context.Context, payload interface{}) (interface{}, error)
}

// ID returns the task identifier
func (t *FuncTask) ID() string {
	return t.TaskID
}

// Execute invokes the wrapped function with the task payload
func (t *FuncTask) Execute(ctx context.Context) (interface{}, error) {
	if t.Fn == nil {
		return nil, ErrNilTaskFunc
	}
	return t.Fn(ctx, t.Payload)
}

// TaskTimeout returns the per-task deadline override, zero for pool default
func (t *FuncTask) TaskTimeout() time.Duration {
	return t.Timeout
}

// Result holds the outcome of a task execution
type Result struct {
	TaskID   string
	Value    interface{}
	Err      error
	Duration time.Duration
	WorkerID int
}

// Future is resolved exactly once when the task it tracks reaches a terminal
// state: completed, failed, timed out, or rejected at shutdown.
type Future struct {
	done     chan struct{}
	resolved int32
	result   Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve stores the result and unblocks waiters. Returns false if the
// future was already resolved.
func (f *Future) resolve(res Result) bool {
	if !atomic.CompareAndSwapInt32(&f.resolved, 0, 1) {
		return false
	}
	f.result = res
	close(f.done)
	return true
}

// Done returns a channel closed when the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or the context is cancelled
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Poll returns the result without blocking. The second return reports
// whether the future has resolved.
func (f *Future) Poll() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}
