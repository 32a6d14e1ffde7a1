package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/task"
	"github.com/aristath/swarm/internal/worker"
)

// ErrRunInProgress is returned when a coordinator is asked to run, or accept
// tasks, while a run is already underway.
var ErrRunInProgress = errors.New("coordinator run in progress")

// Config wires a Coordinator to its collaborators. Pool is required.
type Config struct {
	Pool           *worker.Pool
	RetryBaseDelay time.Duration // Zero means DefaultRetryBaseDelay
	Sink           ResultSink    // Optional
	Bus            *events.EventBus
	Logger         *slog.Logger
}

// Coordinator drains a TaskQueue through a worker pool.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	queue   *TaskQueue
	running bool
}

// NewCoordinator creates a coordinator with an empty queue.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		queue:  NewTaskQueue(),
	}
}

// Submit enqueues a task for the next run.
func (c *Coordinator) Submit(t task.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRunInProgress
	}
	return c.queue.Submit(t)
}

type outcome struct {
	task   task.Task
	result task.Result
}

// run holds the state of one Run call. Only the control loop touches it.
type run struct {
	id       string
	queue    *TaskQueue
	result   *SwarmResult
	retry    *retryPolicy
	inFlight int
	backoff  int

	outcomes chan outcome
	requeue  chan string
	stop     chan struct{}
}

// Run executes every submitted task and returns the aggregate result. At most
// concurrency tasks run at once; values <= 0 or above the pool size mean the
// pool size. Task failures are reported in the result. The error is non-nil
// when the task graph is invalid or ctx was cancelled; on cancellation every
// running worker is killed and undispatched tasks are listed as NotRun.
//
// After Run returns the coordinator starts over with an empty queue.
func (c *Coordinator) Run(ctx context.Context, concurrency int) (*SwarmResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrRunInProgress
	}
	c.running = true
	q := c.queue
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.queue = NewTaskQueue()
		c.running = false
		c.mu.Unlock()
	}()

	if _, err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task graph: %w", err)
	}

	limit := c.cfg.Pool.Max()
	if concurrency > 0 && concurrency < limit {
		limit = concurrency
	}

	r := &run{
		id:       uuid.NewString(),
		queue:    q,
		retry:    newRetryPolicy(c.cfg.RetryBaseDelay),
		outcomes: make(chan outcome, limit),
		requeue:  make(chan string),
		stop:     make(chan struct{}),
		result: &SwarmResult{
			Total:     q.Len(),
			StartedAt: time.Now(),
		},
	}
	r.result.RunID = r.id
	defer close(r.stop)

	log := c.logger.With("run_id", r.id)
	log.Info("run started", "tasks", r.result.Total, "concurrency", limit)

	err := c.loop(ctx, r, limit, log)

	r.result.Duration = time.Since(r.result.StartedAt)
	c.finish(r, log)
	return r.result, err
}

func (c *Coordinator) loop(ctx context.Context, r *run, limit int, log *slog.Logger) error {
	for {
		c.resolveBlocked(r, log)

		for ctx.Err() == nil && r.inFlight < limit && r.queue.HasReady() {
			w, err := c.cfg.Pool.Acquire(ctx)
			if err != nil {
				break
			}
			t, attempt, ok := r.queue.NextReady()
			if !ok {
				if err := c.cfg.Pool.ReleaseWorker(w); err != nil {
					log.Error("failed to release worker", "worker_id", w.ID(), "error", err)
				}
				break
			}
			r.inFlight++
			log.Debug("dispatching task", "task_id", t.ID, "attempt", attempt, "worker_id", w.ID())
			c.cfg.Bus.Publish(events.TopicTask, events.TaskStartedEvent{
				ID:        t.ID,
				WorkerID:  w.ID(),
				Attempt:   attempt,
				Timestamp: time.Now(),
			})
			go c.dispatch(ctx, w, t, attempt, r.outcomes)
		}

		if ctx.Err() != nil {
			return c.cancel(ctx, r, log)
		}

		if r.inFlight == 0 && r.backoff == 0 {
			if n := r.queue.Unfinished(); n > 0 {
				// Validate rules this out; kept so a bad graph cannot hang a run.
				log.Error("tasks can never become ready", "count", n)
				r.result.NotRun = append(r.result.NotRun, r.queue.CancelPending()...)
			}
			return nil
		}

		select {
		case o := <-r.outcomes:
			r.inFlight--
			c.handle(ctx, r, o, log)
		case id := <-r.requeue:
			r.backoff--
			if err := r.queue.Release(id); err != nil {
				log.Error("failed to requeue task", "task_id", id, "error", err)
			}
		case <-ctx.Done():
		}
	}
}

// dispatch runs one attempt and hands the worker back before reporting.
func (c *Coordinator) dispatch(ctx context.Context, w *worker.Worker, t task.Task, attempt int, out chan<- outcome) {
	res, err := w.Execute(ctx, t, attempt)
	if err != nil {
		now := time.Now()
		res = task.Result{
			TaskID:      t.ID,
			WorkerID:    w.ID(),
			Attempt:     attempt,
			Error:       err.Error(),
			ErrorKind:   task.ErrorSpawnFailure,
			ExitCode:    -1,
			StartedAt:   now,
			CompletedAt: now,
		}
	}
	if err := c.cfg.Pool.ReleaseWorker(w); err != nil {
		c.logger.Error("failed to release worker", "worker_id", w.ID(), "error", err)
	}
	out <- outcome{task: t, result: res}
}

func (c *Coordinator) handle(ctx context.Context, r *run, o outcome, log *slog.Logger) {
	res := o.result
	id := o.task.ID
	c.record(ctx, r, res, log)

	if res.Success {
		if err := r.queue.MarkCompleted(id); err != nil {
			log.Error("failed to mark task completed", "task_id", id, "error", err)
		}
		r.result.Completed++
		log.Info("task completed", "task_id", id, "attempt", res.Attempt, "duration", res.Duration)
		c.cfg.Bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        id,
			Attempt:   res.Attempt,
			Duration:  res.Duration,
			Timestamp: time.Now(),
		})
		return
	}

	if res.ErrorKind.Retryable() && res.Attempt <= o.task.Retries && ctx.Err() == nil {
		delay := r.retry.next(id)
		if err := r.queue.Hold(id); err != nil {
			log.Error("failed to hold task for retry", "task_id", id, "error", err)
		} else {
			r.backoff++
			log.Warn("task attempt failed, retrying",
				"task_id", id, "attempt", res.Attempt, "delay", delay, "error", res.Error)
			c.cfg.Bus.Publish(events.TopicTask, events.TaskRetryingEvent{
				ID:          id,
				NextAttempt: res.Attempt + 1,
				Delay:       delay,
				Err:         res.Error,
				Timestamp:   time.Now(),
			})
			go requeueAfter(id, delay, r.requeue, r.stop)
			return
		}
	}

	c.fail(r, FailedTask{TaskID: id, Error: res.Error, Kind: res.ErrorKind}, log)
	if err := r.queue.MarkFailed(id, res.Error, res.ErrorKind); err != nil {
		log.Error("failed to mark task failed", "task_id", id, "error", err)
	}
	c.cfg.Bus.Publish(events.TopicTask, events.TaskFailedEvent{
		ID:        id,
		Attempt:   res.Attempt,
		Err:       res.Error,
		Duration:  res.Duration,
		Timestamp: time.Now(),
	})
}

func requeueAfter(id string, delay time.Duration, requeue chan<- string, stop <-chan struct{}) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		select {
		case requeue <- id:
		case <-stop:
		}
	case <-stop:
	}
}

func (c *Coordinator) resolveBlocked(r *run, log *slog.Logger) {
	for _, b := range r.queue.ResolveBlocked() {
		msg := fmt.Sprintf("blocked by failed dependency %q", b.Dependency)
		c.fail(r, FailedTask{TaskID: b.ID, Error: msg, Kind: task.ErrorBlocked}, log)
		c.cfg.Bus.Publish(events.TopicTask, events.TaskBlockedEvent{
			ID:         b.ID,
			Dependency: b.Dependency,
			Timestamp:  time.Now(),
		})
	}
}

// cancel kills every running worker, collects their results and marks the
// rest of the queue as not run.
func (c *Coordinator) cancel(ctx context.Context, r *run, log *slog.Logger) error {
	log.Warn("run cancelled, terminating workers", "in_flight", r.inFlight)
	if err := c.cfg.Pool.KillAll(); err != nil {
		log.Error("failed to kill workers", "error", err)
	}

	for r.inFlight > 0 {
		o := <-r.outcomes
		r.inFlight--
		c.handle(ctx, r, o, log)
	}
	r.result.NotRun = append(r.result.NotRun, r.queue.CancelPending()...)
	return ctx.Err()
}

func (c *Coordinator) fail(r *run, f FailedTask, log *slog.Logger) {
	r.result.Failed = append(r.result.Failed, f)
	log.Warn("task failed", "task_id", f.TaskID, "kind", f.Kind, "error", f.Error)
}

func (c *Coordinator) record(ctx context.Context, r *run, res task.Result, log *slog.Logger) {
	r.result.Results = append(r.result.Results, res)
	if c.cfg.Sink == nil {
		return
	}
	if err := c.cfg.Sink.RecordTaskResult(context.WithoutCancel(ctx), r.id, res); err != nil {
		log.Error("failed to record task result", "task_id", res.TaskID, "error", err)
	}
}

func (c *Coordinator) finish(r *run, log *slog.Logger) {
	res := r.result
	log.Info("run finished",
		"total", res.Total, "completed", res.Completed,
		"failed", len(res.Failed), "not_run", len(res.NotRun), "duration", res.Duration)

	if c.cfg.Sink != nil {
		if err := c.cfg.Sink.RecordRun(context.Background(), res); err != nil {
			log.Error("failed to record run", "error", err)
		}
	}
	c.cfg.Bus.Publish(events.TopicRun, events.RunFinishedEvent{
		RunID:     res.RunID,
		Total:     res.Total,
		Completed: res.Completed,
		Failed:    len(res.Failed),
		Duration:  res.Duration,
		Timestamp: time.Now(),
	})
}
