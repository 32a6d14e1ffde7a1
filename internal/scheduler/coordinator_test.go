package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/task"
	"github.com/aristath/swarm/internal/worker"
)

// memorySink records everything it receives.
type memorySink struct {
	mu      sync.Mutex
	results map[string][]task.Result
	runs    []*SwarmResult
	failErr error
}

func newMemorySink() *memorySink {
	return &memorySink{results: make(map[string][]task.Result)}
}

func (s *memorySink) RecordTaskResult(ctx context.Context, runID string, res task.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[runID] = append(s.results[runID], res)
	return s.failErr
}

func (s *memorySink) RecordRun(ctx context.Context, res *SwarmResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, res)
	return s.failErr
}

func newTestCoordinator(t *testing.T, maxWorkers int, bus *events.EventBus, sink ResultSink) *Coordinator {
	t.Helper()
	pool := worker.NewPool(worker.Config{
		Command:        "sh",
		Args:           []string{"-s"},
		DefaultTimeout: 10 * time.Second,
		GracePeriod:    200 * time.Millisecond,
		Logger:         logging.Discard(),
		Bus:            bus,
	}, maxWorkers)
	return NewCoordinator(Config{
		Pool:           pool,
		RetryBaseDelay: 10 * time.Millisecond,
		Sink:           sink,
		Bus:            bus,
		Logger:         logging.Discard(),
	})
}

func mustSubmit(t *testing.T, c *Coordinator, tasks ...task.Task) {
	t.Helper()
	for _, tk := range tasks {
		if err := c.Submit(tk); err != nil {
			t.Fatalf("Submit(%q): %v", tk.ID, err)
		}
	}
}

// drain collects every event already buffered on sub.
func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func findFailed(res *SwarmResult, id string) (FailedTask, bool) {
	for _, f := range res.Failed {
		if f.TaskID == id {
			return f, true
		}
	}
	return FailedTask{}, false
}

func TestCoordinator_AllSucceed(t *testing.T) {
	sink := newMemorySink()
	c := newTestCoordinator(t, 2, nil, sink)
	mustSubmit(t, c,
		task.Task{ID: "a", Description: "echo a"},
		task.Task{ID: "b", Description: "echo b"},
	)

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success() || res.Total != 2 || res.Completed != 2 || len(res.Failed) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.RunID == "" || res.Duration <= 0 {
		t.Errorf("run id %q, duration %v", res.RunID, res.Duration)
	}
	if got := len(sink.results[res.RunID]); got != 2 {
		t.Errorf("sink received %d task results, want 2", got)
	}
	if len(sink.runs) != 1 || sink.runs[0] != res {
		t.Errorf("sink runs = %v", sink.runs)
	}
}

// Three independent tasks on a pool of two: the third starts only after one
// of the first two has finished.
func TestCoordinator_BoundedByPool(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 100)

	c := newTestCoordinator(t, 2, bus, nil)
	mustSubmit(t, c,
		task.Task{ID: "t1", Description: "sleep 0.3"},
		task.Task{ID: "t2", Description: "sleep 0.3"},
		task.Task{ID: "t3", Description: "sleep 0.3"},
	)

	res, err := c.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 3 {
		t.Fatalf("completed = %d, want 3", res.Completed)
	}

	running, peak, finished := 0, 0, 0
	starts := 0
	for _, ev := range drain(sub) {
		switch ev.EventType() {
		case events.EventTypeTaskStarted:
			starts++
			running++
			if running > peak {
				peak = running
			}
			if starts == 3 && finished == 0 {
				t.Error("third task started before any task finished")
			}
		case events.EventTypeTaskCompleted, events.EventTypeTaskFailed:
			running--
			finished++
		}
	}
	if peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak)
	}
}

// T2 depends on T1; T1 fails permanently, so T2 never dispatches.
func TestCoordinator_BlockedByFailedDependency(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 100)

	c := newTestCoordinator(t, 2, bus, nil)
	mustSubmit(t, c,
		task.Task{ID: "T1", Description: "exit 1", Retries: 0},
		task.Task{ID: "T2", Description: "echo never", Dependencies: []string{"T1"}},
		task.Task{ID: "T3", Description: "echo never", Dependencies: []string{"T2"}},
	)

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 0 || len(res.Failed) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, id := range []string{"T2", "T3"} {
		f, ok := findFailed(res, id)
		if !ok || f.Kind != task.ErrorBlocked {
			t.Errorf("%s: failed entry %+v (found=%v), want blocked_by_failed_dependency", id, f, ok)
		}
	}
	if f, _ := findFailed(res, "T1"); f.Kind != task.ErrorExitNonZero {
		t.Errorf("T1 kind = %s, want exit_non_zero", f.Kind)
	}

	for _, ev := range drain(sub) {
		if ev.EventType() == events.EventTypeTaskStarted && ev.Subject() != "T1" {
			t.Errorf("%s was dispatched despite a failed dependency", ev.Subject())
		}
	}
}

func TestCoordinator_DependencyOrder(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "order.log")

	c := newTestCoordinator(t, 4, nil, nil)
	mustSubmit(t, c,
		task.Task{ID: "build", Description: fmt.Sprintf("sleep 0.1; echo build >> %s", log)},
		task.Task{ID: "test", Description: fmt.Sprintf("echo test >> %s", log), Dependencies: []string{"build"}},
		task.Task{ID: "deploy", Description: fmt.Sprintf("echo deploy >> %s", log), Dependencies: []string{"test", "build"}},
	)

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 3 {
		t.Fatalf("completed = %d, want 3 (%+v)", res.Completed, res.Failed)
	}

	var order []string
	for _, r := range res.Results {
		order = append(order, r.TaskID)
	}
	want := []string{"build", "test", "deploy"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order = %v, want %v", order, want)
		}
	}
}

func TestCoordinator_RetryCeiling(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 100)

	c := newTestCoordinator(t, 1, bus, nil)
	mustSubmit(t, c, task.Task{ID: "flaky", Description: "exit 7", Retries: 2})

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 3 {
		t.Fatalf("attempts = %d, want 3", len(res.Results))
	}
	for i, r := range res.Results {
		if r.Attempt != i+1 {
			t.Errorf("result %d has attempt %d", i, r.Attempt)
		}
	}
	f, ok := findFailed(res, "flaky")
	if !ok || f.Error == "" {
		t.Errorf("flaky missing from failed tasks: %+v", res.Failed)
	}

	var delays []time.Duration
	for _, ev := range drain(sub) {
		if r, ok := ev.(events.TaskRetryingEvent); ok {
			delays = append(delays, r.Delay)
		}
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Errorf("retry delays = %v, want [10ms 20ms]", delays)
	}
}

func TestCoordinator_RetryThenSucceed(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	script := fmt.Sprintf(`n=$(cat %[1]s 2>/dev/null || echo 0); n=$((n+1)); echo $n > %[1]s; [ "$n" -ge 2 ]`, counter)

	c := newTestCoordinator(t, 1, nil, nil)
	mustSubmit(t, c, task.Task{ID: "eventually", Description: script, Retries: 3})

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 1 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Results) != 2 || res.Results[0].Success || !res.Results[1].Success {
		t.Errorf("expected a failed first attempt and a successful second, got %+v", res.Results)
	}
}

func TestCoordinator_TimeoutIsRetried(t *testing.T) {
	c := newTestCoordinator(t, 1, nil, nil)
	mustSubmit(t, c, task.Task{ID: "slow", Description: "sleep 5", Timeout: 100 * time.Millisecond, Retries: 1})

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Results))
	}
	f, ok := findFailed(res, "slow")
	if !ok || f.Kind != task.ErrorTimeout {
		t.Errorf("failed entry = %+v, want timeout", f)
	}
}

func TestCoordinator_Cancellation(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 100)

	c := newTestCoordinator(t, 2, bus, nil)
	mustSubmit(t, c,
		task.Task{ID: "a", Description: "sleep 30"},
		task.Task{ID: "b", Description: "sleep 30"},
		task.Task{ID: "c", Description: "sleep 30"},
		task.Task{ID: "d", Description: "echo after", Dependencies: []string{"a"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel once both slots are busy.
		started := 0
		for ev := range sub.C {
			if ev.EventType() == events.EventTypeTaskStarted {
				started++
				if started == 2 {
					time.Sleep(50 * time.Millisecond)
					cancel()
					return
				}
			}
		}
	}()

	start := time.Now()
	res, err := c.Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
	if len(res.NotRun) != 2 {
		t.Errorf("NotRun = %v, want c and d", res.NotRun)
	}
	if len(res.Failed) != 2 {
		t.Errorf("Failed = %+v, want the two killed tasks", res.Failed)
	}
	for _, f := range res.Failed {
		if f.Kind != task.ErrorCancelled {
			t.Errorf("%s kind = %s, want cancelled", f.TaskID, f.Kind)
		}
	}
}

func TestCoordinator_InvalidGraph(t *testing.T) {
	c := newTestCoordinator(t, 1, nil, nil)
	mustSubmit(t, c,
		task.Task{ID: "a", Dependencies: []string{"b"}},
		task.Task{ID: "b", Dependencies: []string{"a"}},
	)
	if _, err := c.Run(context.Background(), 0); err == nil {
		t.Fatal("expected error for cyclic dependencies")
	}
}

func TestCoordinator_ResetsAfterRun(t *testing.T) {
	c := newTestCoordinator(t, 1, nil, nil)
	mustSubmit(t, c, task.Task{ID: "a", Description: "true"})
	if _, err := c.Run(context.Background(), 0); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// The same id can be submitted again for a fresh run.
	mustSubmit(t, c, task.Task{ID: "a", Description: "true"})
	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Total != 1 || res.Completed != 1 {
		t.Errorf("second run result = %+v", res)
	}
}

func TestCoordinator_SinkErrorsAreNotFatal(t *testing.T) {
	sink := newMemorySink()
	sink.failErr = errors.New("disk full")
	c := newTestCoordinator(t, 1, nil, sink)
	mustSubmit(t, c, task.Task{ID: "a", Description: "true"})

	res, err := c.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed != 1 {
		t.Errorf("completed = %d, want 1", res.Completed)
	}
}
