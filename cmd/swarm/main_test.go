package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/persistence"
)

func writeTasks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing tasks file: %v", err)
	}
	return path
}

func testConfig(t *testing.T, tasks string) *config.SwarmConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pool.MaxWorkers = 2
	cfg.Pool.GracePeriod = 200 * time.Millisecond
	cfg.Pool.DefaultTimeout = 10 * time.Second
	cfg.Scheduler.RetryBaseDelay = 10 * time.Millisecond
	cfg.Scheduler.TasksFile = writeTasks(t, tasks)
	return cfg
}

func TestLoadTasks(t *testing.T) {
	path := writeTasks(t, `
tasks:
  - id: build
    description: echo build
    timeout: 30s
    retries: 2
    scope:
      files: [main.go]
  - id: test
    description: echo test
    priority: 1
    dependencies: [build]
`)

	tasks, err := loadTasks(path)
	if err != nil {
		t.Fatalf("loadTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Timeout != 30*time.Second || tasks[0].Retries != 2 {
		t.Errorf("unexpected build task: %+v", tasks[0])
	}
	if len(tasks[0].Scope.Files) != 1 || tasks[0].Scope.Files[0] != "main.go" {
		t.Errorf("scope not parsed: %+v", tasks[0].Scope)
	}
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != "build" {
		t.Errorf("dependencies not parsed: %v", tasks[1].Dependencies)
	}
}

func TestLoadTasks_Errors(t *testing.T) {
	if _, err := loadTasks(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadTasks(writeTasks(t, "tasks: [unterminated")); err == nil {
		t.Error("expected error for malformed YAML")
	}
	if _, err := loadTasks(writeTasks(t, "tasks: []")); err == nil {
		t.Error("expected error for empty task list")
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	cfg := testConfig(t, `
tasks:
  - id: a
    description: echo hello from a
  - id: b
    description: exit 3
  - id: c
    description: echo never
    dependencies: [b]
`)
	cfg.Persistence.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.Providers["files"] = config.ProviderConfig{
		Command:      "files-server",
		Capabilities: []string{"read_file"},
	}

	var out bytes.Buffer
	res, err := run(context.Background(), cfg, logging.Discard(), &out)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Completed != 1 || len(res.Failed) != 2 {
		t.Fatalf("unexpected result: completed=%d failed=%v", res.Completed, res.Failed)
	}
	if !strings.Contains(out.String(), "capability files__read_file") {
		t.Errorf("declared capability not listed: %q", out.String())
	}

	store, err := persistence.NewSQLiteStore(context.Background(), cfg.Persistence.Path)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer store.Close()

	saved, err := store.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if saved.Completed != 1 || len(saved.Failed) != 2 {
		t.Errorf("history mismatch: %+v", saved)
	}
	if len(saved.Results) != 2 {
		t.Errorf("expected 2 recorded attempts (a and b), got %d", len(saved.Results))
	}
}

func TestRun_PassesGatewayURLToWorkers(t *testing.T) {
	cfg := testConfig(t, `
tasks:
  - id: url
    description: echo "$SWARM_CAPABILITY_URL"
`)
	cfg.Pool.Env = map[string]string{"KEEP": "1"}
	cfg.Providers["files"] = config.ProviderConfig{
		Command:      "files-server",
		Capabilities: []string{"read_file"},
	}

	res, err := run(context.Background(), cfg, logging.Discard(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.Success() || len(res.Results) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	url := strings.TrimSpace(res.Results[0].Output)
	if !strings.HasPrefix(url, "http://127.0.0.1:") || !strings.HasSuffix(url, "/mcp") {
		t.Errorf("worker saw gateway URL %q", url)
	}
	if len(cfg.Pool.Env) != 1 {
		t.Errorf("configured pool env was modified: %v", cfg.Pool.Env)
	}
}

func TestRun_NoGatewayWithoutProviders(t *testing.T) {
	cfg := testConfig(t, `
tasks:
  - id: url
    description: test -z "$SWARM_CAPABILITY_URL"
`)
	res, err := run(context.Background(), cfg, logging.Discard(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.Success() {
		t.Errorf("gateway URL set with no providers configured: %+v", res.Failed)
	}
}

func TestRun_Interrupted(t *testing.T) {
	cfg := testConfig(t, `
tasks:
  - id: slow
    description: sleep 30
  - id: after
    description: echo after
    dependencies: [slow]
`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := run(ctx, cfg, logging.Discard(), &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error from interrupted run")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("interrupted run took %v", time.Since(start))
	}
	if res == nil || len(res.NotRun) != 1 || res.NotRun[0] != "after" {
		t.Errorf("expected 'after' to be not run, got %+v", res)
	}
}

func TestRun_RequiresTasksFile(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := run(context.Background(), cfg, logging.Discard(), &bytes.Buffer{}); err == nil {
		t.Fatal("expected error without tasks file")
	}
}

func TestPrintSummary(t *testing.T) {
	cfg := testConfig(t, `
tasks:
  - id: ok
    description: "true"
  - id: bad
    description: exit 1
`)
	res, err := run(context.Background(), cfg, logging.Discard(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var buf bytes.Buffer
	printSummary(&buf, res)
	got := buf.String()
	if !strings.Contains(got, "1/2 completed") {
		t.Errorf("summary missing counts: %q", got)
	}
	if !strings.Contains(got, "failed   bad [exit_non_zero]") {
		t.Errorf("summary missing failure: %q", got)
	}
}
