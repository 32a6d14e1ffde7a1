// Package worker runs tasks in isolated child processes and bounds how many
// of them may be alive at once.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/proc"
	"github.com/aristath/swarm/internal/task"
)

// Worker owns at most one child process at a time. All state transitions
// happen inside Execute, Kill and Reset.
type Worker struct {
	id     string
	cfg    Config
	logger *slog.Logger

	// signal is swapped in tests to observe termination signals.
	signal func(pid int, sig syscall.Signal) error

	mu          sync.Mutex
	state       State
	currentTask string
	startedAt   time.Time
	completedAt time.Time
	output      *outputBuffer
	cmd         *exec.Cmd
	done        chan struct{} // Closed once the current process has been waited for
	terminating bool
}

// New creates an idle worker.
func New(id string, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		id:     id,
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).With("worker_id", id),
		signal: proc.SignalGroup,
		state:  StateIdle,
		output: &outputBuffer{},
	}
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Execute runs t in a fresh child process and blocks until it exits, times
// out, or ctx is cancelled. Task failures are reported in the Result; the
// error is non-nil only when the worker could not accept the task.
func (w *Worker) Execute(ctx context.Context, t task.Task, attempt int) (task.Result, error) {
	out := &outputBuffer{}

	w.mu.Lock()
	if w.state == StateRunning {
		w.mu.Unlock()
		return task.Result{}, ErrWorkerBusy
	}
	started := time.Now()
	w.state = StateRunning
	w.currentTask = t.ID
	w.startedAt = started
	w.completedAt = time.Time{}
	w.output = out
	w.terminating = false
	w.mu.Unlock()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}

	res := task.Result{
		TaskID:    t.ID,
		WorkerID:  w.id,
		Attempt:   attempt,
		StartedAt: started,
	}
	log := w.logger.With("task_id", t.ID, "attempt", attempt)

	cmd := proc.Command(nil, w.cfg.GracePeriod, w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.Dir
	cmd.Env = proc.Environ(w.cfg.Env, "SWARM_WORKER_ID="+w.id, "SWARM_TASK_ID="+t.ID)
	cmd.Stdin = strings.NewReader(t.Payload())
	cmd.Stdout = out
	cmd.Stderr = out
	// Bounds Wait when a grandchild keeps the output pipe open.
	cmd.WaitDelay = w.cfg.GracePeriod

	if err := cmd.Start(); err != nil {
		log.Warn("failed to spawn worker process", "error", err)
		res.Error = fmt.Sprintf("failed to spawn %s: %v", w.cfg.Command, err)
		res.ErrorKind = task.ErrorSpawnFailure
		res.ExitCode = -1
		return w.finish(res), nil
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.cmd = cmd
	w.done = done
	w.mu.Unlock()

	w.cfg.Tracker.Track(cmd)
	log.Debug("worker process spawned", "pid", cmd.Process.Pid)
	w.cfg.Bus.Publish(events.TopicWorker, events.WorkerSpawnedEvent{
		WorkerID:  w.id,
		TaskID:    t.ID,
		PID:       cmd.Process.Pid,
		Timestamp: time.Now(),
	})

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		w.cfg.Tracker.Untrack(cmd)
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, cancelled bool
	select {
	case <-done:
	case <-timer.C:
		timedOut = true
		log.Warn("task timed out, terminating worker process", "timeout", timeout)
		if err := w.Kill(); err != nil {
			log.Warn("failed to terminate worker process", "error", err)
		}
	case <-ctx.Done():
		cancelled = true
		if err := w.Kill(); err != nil {
			log.Warn("failed to terminate worker process", "error", err)
		}
	}
	<-done

	w.mu.Lock()
	killed := w.terminating
	w.cmd = nil
	w.mu.Unlock()

	res.Output = out.String()
	res.ExitCode = cmd.ProcessState.ExitCode()

	switch {
	case timedOut:
		res.Error = fmt.Sprintf("timed out after %s", timeout)
		res.ErrorKind = task.ErrorTimeout
	case cancelled || killed:
		res.Error = "terminated before completion"
		res.ErrorKind = task.ErrorCancelled
	case cmd.ProcessState != nil && cmd.ProcessState.Success():
		// ErrWaitDelay after a clean exit only means a descendant held the pipes open.
		res.Success = true
	default:
		res.Error = exitSummary(waitErr)
		res.ErrorKind = task.ErrorExitNonZero
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		log.Debug("worker process exited with error", "error", waitErr)
	}

	w.cfg.Bus.Publish(events.TopicWorker, events.WorkerExitedEvent{
		WorkerID:  w.id,
		TaskID:    t.ID,
		ExitCode:  res.ExitCode,
		TimedOut:  timedOut,
		Killed:    killed,
		Timestamp: time.Now(),
	})

	return w.finish(res), nil
}

func (w *Worker) finish(res task.Result) task.Result {
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	res.Artifacts = ScanArtifacts(res.Output)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.completedAt = res.CompletedAt
	if res.Success {
		w.state = StateCompleted
	} else {
		w.state = StateFailed
	}
	return res
}

func exitSummary(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return fmt.Sprintf("process terminated by signal %s", status.Signal())
		}
		return fmt.Sprintf("process exited with status %d", exitErr.ExitCode())
	}
	if err != nil {
		return err.Error()
	}
	return "process exited unsuccessfully"
}

// Kill terminates the running process group: SIGTERM first, SIGKILL once the
// grace period has passed. It is a no-op when nothing is running or a
// termination is already in progress.
func (w *Worker) Kill() error {
	w.mu.Lock()
	if w.cmd == nil || w.terminating {
		w.mu.Unlock()
		return nil
	}
	w.terminating = true
	pid := w.cmd.Process.Pid
	done := w.done
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.cmd = nil
		w.mu.Unlock()
	}()

	if err := w.signal(pid, syscall.SIGTERM); err != nil {
		w.logger.Warn("graceful termination failed, escalating", "pid", pid, "error", err)
		return w.signal(pid, syscall.SIGKILL)
	}

	select {
	case <-done:
		return nil
	case <-time.After(w.cfg.GracePeriod):
	}

	w.logger.Warn("worker process ignored SIGTERM, sending SIGKILL", "pid", pid)
	return w.signal(pid, syscall.SIGKILL)
}

// Reset returns a finished worker to idle and clears its output.
func (w *Worker) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		return ErrWorkerBusy
	}
	w.state = StateIdle
	w.currentTask = ""
	w.startedAt = time.Time{}
	w.completedAt = time.Time{}
	w.output = &outputBuffer{}
	w.terminating = false
	return nil
}

// IsAvailable reports whether the worker can accept a task after a reset.
func (w *Worker) IsAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != StateRunning
}

// IsBusy reports whether the worker is running a process.
func (w *Worker) IsBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateRunning
}

// Output returns the output captured so far for the current or last task.
func (w *Worker) Output() string {
	w.mu.Lock()
	out := w.output
	w.mu.Unlock()
	return out.String()
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		ID:            w.id,
		State:         w.state,
		CurrentTaskID: w.currentTask,
		StartedAt:     w.startedAt,
		CompletedAt:   w.completedAt,
	}
	if w.state == StateRunning && w.cmd != nil {
		s.PID = w.cmd.Process.Pid
	}
	return s
}

// outputBuffer collects stdout and stderr from the child while allowing
// concurrent reads.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
