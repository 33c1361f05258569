package batch

import (
	"encoding/json"
	"sort"
)

// GroupStrategy controls how ExecuteBatch orders jobs before submission.
type GroupStrategy string

const (
	// GroupByType clusters jobs of the same type together.
	GroupByType GroupStrategy = "type"

	// GroupByPriority orders jobs from critical to low.
	GroupByPriority GroupStrategy = "priority"

	// GroupBySize orders jobs by serialized payload size, smallest first.
	GroupBySize GroupStrategy = "size"

	// GroupMixed orders by priority, then clusters by type within each
	// priority.
	GroupMixed GroupStrategy = "mixed"

	// GroupNone keeps submission order.
	GroupNone GroupStrategy = ""
)

// arrangeJobs returns the jobs reordered per the strategy. Sorts are stable,
// so submission order breaks ties.
func arrangeJobs(jobs []*Job, strategy GroupStrategy) []*Job {
	arranged := make([]*Job, len(jobs))
	copy(arranged, jobs)

	switch strategy {
	case GroupByType:
		sort.SliceStable(arranged, func(i, j int) bool {
			return arranged[i].Type < arranged[j].Type
		})
	case GroupByPriority:
		sort.SliceStable(arranged, func(i, j int) bool {
			return arranged[i].Priority < arranged[j].Priority
		})
	case GroupBySize:
		sizes := make([]int, len(arranged))
		for i, job := range arranged {
			sizes[i] = payloadSize(job)
		}
		indexed := make([]int, len(arranged))
		for i := range indexed {
			indexed[i] = i
		}
		sort.SliceStable(indexed, func(i, j int) bool {
			return sizes[indexed[i]] < sizes[indexed[j]]
		})
		out := make([]*Job, len(arranged))
		for i, idx := range indexed {
			out[i] = arranged[idx]
		}
		arranged = out
	case GroupMixed:
		sort.SliceStable(arranged, func(i, j int) bool {
			if arranged[i].Priority != arranged[j].Priority {
				return arranged[i].Priority < arranged[j].Priority
			}
			return arranged[i].Type < arranged[j].Type
		})
	}
	return arranged
}

// payloadSize charges a job by its serialized payload; unserializable
// payloads sort last.
func payloadSize(job *Job) int {
	data, err := json.Marshal(job.Payload)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return len(data)
}
