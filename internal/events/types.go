package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// Subject identifies what the event is about: a task id, worker id, or provider name.
	Subject() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicWorker   = "worker"
	TopicProvider = "provider"
	TopicRun      = "run"
)

// Event type constants
const (
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskRetrying      = "task.retrying"
	EventTypeTaskBlocked       = "task.blocked"
	EventTypeWorkerSpawned     = "worker.spawned"
	EventTypeWorkerExited      = "worker.exited"
	EventTypeProviderStarting  = "provider.starting"
	EventTypeProviderStarted   = "provider.started"
	EventTypeProviderFailed    = "provider.launch_failed"
	EventTypeProviderStopped   = "provider.stopped"
	EventTypeProviderRestarted = "provider.restarted"
	EventTypeRunFinished       = "run.finished"
)

// TaskStartedEvent is published when a task attempt is dispatched to a worker.
type TaskStartedEvent struct {
	ID        string
	WorkerID  string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Subject() string   { return e.ID }

// TaskCompletedEvent is published when a task attempt succeeds.
type TaskCompletedEvent struct {
	ID        string
	Attempt   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Subject() string   { return e.ID }

// TaskFailedEvent is published when a task fails permanently.
type TaskFailedEvent struct {
	ID        string
	Attempt   int
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Subject() string   { return e.ID }

// TaskRetryingEvent is published when a failed attempt is scheduled again.
type TaskRetryingEvent struct {
	ID          string
	NextAttempt int
	Delay       time.Duration
	Err         string
	Timestamp   time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) Subject() string   { return e.ID }

// TaskBlockedEvent is published when a task can never run because a dependency failed.
type TaskBlockedEvent struct {
	ID         string
	Dependency string
	Timestamp  time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) Subject() string   { return e.ID }

// WorkerSpawnedEvent is published when a worker process starts.
type WorkerSpawnedEvent struct {
	WorkerID  string
	TaskID    string
	PID       int
	Timestamp time.Time
}

func (e WorkerSpawnedEvent) EventType() string { return EventTypeWorkerSpawned }
func (e WorkerSpawnedEvent) Subject() string   { return e.WorkerID }

// WorkerExitedEvent is published when a worker process has exited.
type WorkerExitedEvent struct {
	WorkerID  string
	TaskID    string
	ExitCode  int
	TimedOut  bool
	Killed    bool
	Timestamp time.Time
}

func (e WorkerExitedEvent) EventType() string { return EventTypeWorkerExited }
func (e WorkerExitedEvent) Subject() string   { return e.WorkerID }

// ProviderEvent covers provider lifecycle transitions. Kind is one of the
// EventTypeProvider* constants.
type ProviderEvent struct {
	Kind      string
	Provider  string
	Err       string
	Timestamp time.Time
}

func (e ProviderEvent) EventType() string { return e.Kind }
func (e ProviderEvent) Subject() string   { return e.Provider }

// RunFinishedEvent is published once a coordinator run has drained.
type RunFinishedEvent struct {
	RunID     string
	Total     int
	Completed int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Subject() string   { return e.RunID }
