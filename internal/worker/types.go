package worker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/proc"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrWorkerBusy is returned when a running worker is asked to run or reset.
	ErrWorkerBusy = errors.New("worker is busy")
	// ErrPoolExhausted is returned by GetWorker when every slot is in use.
	ErrPoolExhausted = errors.New("worker pool exhausted")
)

// Status is a read-only snapshot of a worker.
type Status struct {
	ID            string
	PID           int // Zero unless running
	State         State
	CurrentTaskID string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Config describes how worker processes are launched.
type Config struct {
	Command        string
	Args           []string
	Env            map[string]string
	Dir            string
	DefaultTimeout time.Duration
	GracePeriod    time.Duration

	Logger  *slog.Logger
	Bus     *events.EventBus
	Tracker *proc.Tracker
}

const (
	defaultTimeout = 10 * time.Minute
	defaultGrace   = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGrace
	}
	return c
}
