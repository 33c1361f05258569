package batch

import (
	"context"
	"time"
)

// Priority orders jobs across buckets. Lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow

	numPriorities = 4
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Processor executes jobs of one registered type.
type Processor func(ctx context.Context, payload interface{}) (interface{}, error)

// Job describes a unit of batch work.
type Job struct {
	// ID is assigned at submission when blank.
	ID string

	// Type selects the registered processor.
	Type string

	Payload  interface{}
	Priority Priority

	// DependsOn lists job IDs that must complete successfully first.
	DependsOn []string

	// MaxRetries is the retry budget. Zero means the coordinator default;
	// NoRetries disables retrying for this job.
	MaxRetries int

	// Timeout bounds one attempt. Zero means the coordinator default.
	Timeout time.Duration

	CreatedAt time.Time
}

// NoRetries opts a job out of the coordinator's default retry budget.
const NoRetries = -1

// JobResult is the terminal outcome of a job.
type JobResult struct {
	JobID       string
	Type        string
	Value       interface{}
	Err         error
	Attempts    int
	Duration    time.Duration
	CompletedAt time.Time
}

// jobState tracks a job through the scheduler. Mutable fields are owned by
// the scheduler goroutine except the per-attempt outcome, which the job
// goroutine writes before handing the state back over doneCh.
type jobState struct {
	job        *Job
	maxRetries int
	timeout    time.Duration

	attempts int
	delay    retryDelayer

	// last attempt outcome
	lastValue    interface{}
	lastErr      error
	lastDuration time.Duration

	// closed once the result is recorded
	done   chan struct{}
	result JobResult
}

func (s *jobState) finish(result JobResult) {
	s.result = result
	close(s.done)
}
