package scheduler

import (
	"context"
	"time"

	"github.com/aristath/swarm/internal/task"
)

// FailedTask is one permanently failed task in a run summary.
type FailedTask struct {
	TaskID string
	Error  string
	Kind   task.ErrorKind
}

// SwarmResult aggregates one coordinator run.
type SwarmResult struct {
	RunID     string
	Total     int
	Completed int
	Failed    []FailedTask
	NotRun    []string // Tasks never dispatched because the run was cancelled
	Duration  time.Duration
	StartedAt time.Time
	Results   []task.Result // Every attempt, in completion order
}

// Success reports whether every task completed.
func (r *SwarmResult) Success() bool {
	return r.Completed == r.Total
}

// ResultSink receives results as a run progresses. It is how run history
// leaves the scheduler; errors are logged and never abort a run.
type ResultSink interface {
	RecordTaskResult(ctx context.Context, runID string, res task.Result) error
	RecordRun(ctx context.Context, res *SwarmResult) error
}
