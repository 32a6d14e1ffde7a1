package task

import "time"

// ErrorKind classifies why an attempt did not succeed.
type ErrorKind string

const (
	ErrorNone         ErrorKind = ""
	ErrorExitNonZero  ErrorKind = "exit_non_zero"
	ErrorTimeout      ErrorKind = "timeout"
	ErrorSpawnFailure ErrorKind = "spawn_failure"
	ErrorBlocked      ErrorKind = "blocked_by_failed_dependency"
	ErrorCancelled    ErrorKind = "cancelled"
)

// Retryable reports whether the retry policy applies to this kind of failure.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorExitNonZero, ErrorTimeout, ErrorSpawnFailure:
		return true
	}
	return false
}

// Artifacts is advisory metadata scraped from task output. It never decides
// success or failure.
type Artifacts struct {
	ChangedFiles []string `json:"changed_files,omitempty"`
	CommitRef    string   `json:"commit_ref,omitempty"`
}

// Result records one attempt at running a task. A retry produces a new Result.
type Result struct {
	TaskID      string
	WorkerID    string
	Attempt     int // 1-based
	Success     bool
	Output      string // Combined stdout and stderr
	Error       string // Set iff !Success
	ErrorKind   ErrorKind
	ExitCode    int
	Duration    time.Duration
	StartedAt   time.Time
	CompletedAt time.Time
	Artifacts   Artifacts
}
