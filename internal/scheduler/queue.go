// Package scheduler queues tasks by priority and dependency and drives them
// through a worker pool.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/swarm/internal/task"
)

var (
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrTaskNotFound  = errors.New("task not found")
)

type entry struct {
	task     task.Task
	seq      int
	status   TaskStatus
	attempts int
	err      string
	kind     task.ErrorKind
}

// Blocked describes a task that can never run because a dependency failed.
type Blocked struct {
	ID         string
	Dependency string
}

// TaskQueue holds submitted tasks and decides which one may run next.
// It is safe for concurrent use.
type TaskQueue struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSeq int
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		entries: make(map[string]*entry),
	}
}

// Submit enqueues a copy of t. IDs must be unique and non-empty.
func (q *TaskQueue) Submit(t task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id must not be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[t.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
	}
	q.entries[t.ID] = &entry{
		task:   t.Clone(),
		seq:    q.nextSeq,
		status: TaskPending,
	}
	q.nextSeq++
	return nil
}

// Validate checks that every dependency names a submitted task and that the
// dependency graph is acyclic. It returns the task ids in a valid execution order.
func (q *TaskQueue) Validate() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.idsLocked() {
		for _, dep := range q.entries[id].task.Dependencies {
			if _, exists := q.entries[dep]; !exists {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
		}
	}

	var edges []toposort.Edge
	for _, id := range q.idsLocked() {
		deps := q.entries[id].task.Dependencies
		if len(deps) == 0 {
			// Edge from nil keeps isolated tasks in the sort output
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task dependencies contain a cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(q.entries) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, id := range q.idsLocked() {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// HasReady reports whether NextReady would return a task.
func (q *TaskQueue) HasReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyLocked() != nil
}

// NextReady claims the ready task with the lowest priority value, breaking
// ties by submission order. The task is marked running and the returned
// attempt number is 1-based.
func (q *TaskQueue) NextReady() (task.Task, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.readyLocked()
	if e == nil {
		return task.Task{}, 0, false
	}
	e.status = TaskRunning
	e.attempts++
	return e.task.Clone(), e.attempts, true
}

func (q *TaskQueue) readyLocked() *entry {
	var best *entry
	for _, e := range q.entries {
		if e.status != TaskPending || !q.depsCompletedLocked(e) {
			continue
		}
		if best == nil ||
			e.task.Priority < best.task.Priority ||
			(e.task.Priority == best.task.Priority && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

func (q *TaskQueue) depsCompletedLocked(e *entry) bool {
	for _, dep := range e.task.Dependencies {
		d, ok := q.entries[dep]
		if !ok || d.status != TaskCompleted {
			return false
		}
	}
	return true
}

// MarkCompleted records a successful run of a running task.
func (q *TaskQueue) MarkCompleted(id string) error {
	return q.transition(id, TaskRunning, TaskCompleted, "", task.ErrorNone)
}

// MarkFailed records a permanent failure of a running task.
func (q *TaskQueue) MarkFailed(id, errMsg string, kind task.ErrorKind) error {
	return q.transition(id, TaskRunning, TaskFailed, errMsg, kind)
}

// Hold parks a running task while it waits out its retry delay.
func (q *TaskQueue) Hold(id string) error {
	return q.transition(id, TaskRunning, TaskBackoff, "", task.ErrorNone)
}

// Release makes a held task eligible again.
func (q *TaskQueue) Release(id string) error {
	return q.transition(id, TaskBackoff, TaskPending, "", task.ErrorNone)
}

func (q *TaskQueue) transition(id string, from, to TaskStatus, errMsg string, kind task.ErrorKind) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if e.status != from {
		return fmt.Errorf("task %q is %s, expected %s", id, e.status, from)
	}
	e.status = to
	if errMsg != "" {
		e.err = errMsg
		e.kind = kind
	}
	return nil
}

// ResolveBlocked fails every waiting task that has a failed, cancelled or
// unknown dependency, repeating until no more tasks are affected so that
// whole chains are resolved at once.
func (q *TaskQueue) ResolveBlocked() []Blocked {
	q.mu.Lock()
	defer q.mu.Unlock()

	var blocked []Blocked
	for {
		changed := false
		for _, id := range q.idsLocked() {
			e := q.entries[id]
			if e.status != TaskPending && e.status != TaskBackoff {
				continue
			}
			for _, dep := range e.task.Dependencies {
				d, ok := q.entries[dep]
				if ok && d.status != TaskFailed && d.status != TaskNotRun {
					continue
				}
				e.status = TaskFailed
				e.kind = task.ErrorBlocked
				e.err = fmt.Sprintf("blocked by failed dependency %q", dep)
				blocked = append(blocked, Blocked{ID: id, Dependency: dep})
				changed = true
				break
			}
		}
		if !changed {
			return blocked
		}
	}
}

// CancelPending marks every task that has not started, or is waiting to be
// retried, as not run. It returns their ids in submission order.
func (q *TaskQueue) CancelPending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for _, id := range q.idsLocked() {
		e := q.entries[id]
		if e.status == TaskPending || e.status == TaskBackoff {
			e.status = TaskNotRun
			ids = append(ids, id)
		}
	}
	return ids
}

// Status returns the scheduling state of a task.
func (q *TaskQueue) Status(id string) (TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Attempts returns how many times a task has been dispatched.
func (q *TaskQueue) Attempts(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		return e.attempts
	}
	return 0
}

// Unfinished counts tasks that are not yet in a terminal state.
func (q *TaskQueue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if !e.status.Terminal() {
			n++
		}
	}
	return n
}

// Len returns the number of submitted tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// idsLocked returns task ids in submission order.
func (q *TaskQueue) idsLocked() []string {
	ids := make([]string, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return q.entries[ids[i]].seq < q.entries[ids[j]].seq
	})
	return ids
}
