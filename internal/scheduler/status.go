package scheduler

// TaskStatus is the scheduling state of a queued task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies or a worker
	TaskRunning                     // Dispatched to a worker
	TaskBackoff                     // Failed attempt, waiting out the retry delay
	TaskCompleted                   // Finished successfully
	TaskFailed                      // Failed permanently or blocked
	TaskNotRun                      // Never dispatched because the run was cancelled
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskBackoff:
		return "backoff"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskNotRun:
		return "not_run"
	}
	return "unknown"
}

// Terminal reports whether the status can no longer change within a run.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskNotRun
}
