// Package proc holds the subprocess plumbing shared by workers and provider
// launchers: process-group isolation, group signalling, and a table of live
// processes that shutdown paths can sweep.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command creates an exec.Cmd in its own process group so that signals reach
// the whole subprocess tree. When ctx is non-nil the command is bound to it:
// cancellation sends SIGTERM to the group and Wait gives up after grace,
// at which point the runtime falls back to SIGKILL.
func Command(ctx context.Context, grace time.Duration, name string, args ...string) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx != nil {
		cmd = exec.CommandContext(ctx, name, args...)
		cmd.Cancel = func() error {
			return SignalGroup(cmd.Process.Pid, syscall.SIGTERM)
		}
		cmd.WaitDelay = grace
	} else {
		cmd = exec.Command(name, args...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// Environ returns the current environment followed by the given overrides.
// Later entries win when the child looks a variable up.
func Environ(overrides map[string]string, extra ...string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return append(env, extra...)
}

// SignalGroup sends sig to the process group led by pid (negative PID).
// A group that has already exited is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}
	return nil
}

// Tracker records running subprocesses so that a shutdown path can terminate
// everything that is still alive, including processes whose owner is stuck.
//
// Usage pattern (typically in main):
//
//	tracker := proc.NewTracker()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//		<-ctx.Done()
//		tracker.KillAll()
//	}()
type Tracker struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess. A nil Tracker ignores the call.
func (t *Tracker) Track(cmd *exec.Cmd) {
	if t == nil || cmd == nil || cmd.Process == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess once it has been waited for.
func (t *Tracker) Untrack(cmd *exec.Cmd) {
	if t == nil || cmd == nil || cmd.Process == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, cmd.Process.Pid)
}

// KillAll sends SIGKILL to the process group of every tracked subprocess.
func (t *Tracker) KillAll() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for pid := range t.procs {
		if err := SignalGroup(pid, syscall.SIGKILL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked subprocesses.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
