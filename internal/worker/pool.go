package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/proc"
)

// Pool hands out workers and never lets more than max of them be in use.
// Workers are created lazily and reused after a reset once max exist.
type Pool struct {
	cfg    Config
	max    int
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	workers []*Worker
	inUse   map[*Worker]bool
	nextID  int
}

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	Max       int
	Live      int // Workers created so far
	InUse     int // Handed out and not yet released
	Busy      int // Running a process
	Available int // Live workers that could take a task after reset
}

// NewPool creates a pool of at most maxWorkers workers sharing cfg. A
// process tracker is created when cfg has none so KillAll can sweep every
// spawned process group.
func NewPool(cfg Config, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if cfg.Tracker == nil {
		cfg.Tracker = proc.NewTracker()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:    cfg,
		max:    maxWorkers,
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		logger: logging.OrDefault(cfg.Logger),
		inUse:  make(map[*Worker]bool),
	}
}

// Max returns the configured maximum number of workers.
func (p *Pool) Max() int { return p.max }

// GetWorker returns a worker without blocking, or ErrPoolExhausted when all
// max workers are in use.
func (p *Pool) GetWorker() (*Worker, error) {
	if !p.sem.TryAcquire(1) {
		return nil, ErrPoolExhausted
	}
	return p.take()
}

// Acquire blocks until a worker is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return p.take()
}

// take is called holding one semaphore slot.
func (p *Pool) take() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) < p.max {
		p.nextID++
		w := New(fmt.Sprintf("worker-%d", p.nextID), p.cfg)
		p.workers = append(p.workers, w)
		p.inUse[w] = true
		p.logger.Debug("worker created", "worker_id", w.ID(), "live", len(p.workers))
		return w, nil
	}

	for _, w := range p.workers {
		if p.inUse[w] || !w.IsAvailable() {
			continue
		}
		if err := w.Reset(); err != nil {
			continue
		}
		p.inUse[w] = true
		return w, nil
	}

	p.sem.Release(1)
	return nil, ErrPoolExhausted
}

// ReleaseWorker returns w to the pool. Its last state is kept so callers can
// inspect it; the reset happens on the next hand-out. Releasing a worker that
// is not in use is a no-op. A worker still running a process stays in use and
// ErrWorkerBusy is returned, so its slot cannot be handed to anyone else.
func (p *Pool) ReleaseWorker(w *Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[w] {
		return nil
	}
	if w.IsBusy() {
		return fmt.Errorf("releasing %s: %w", w.ID(), ErrWorkerBusy)
	}
	delete(p.inUse, w)
	p.sem.Release(1)
	return nil
}

// KillAll terminates every worker process and sweeps any process group that
// is still tracked.
func (p *Pool) KillAll() error {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(w.Kill)
	}
	err := g.Wait()

	return errors.Join(err, p.cfg.Tracker.KillAll())
}

// Workers returns status snapshots of every live worker.
func (p *Pool) Workers() []Status {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	out := make([]Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	return out
}

// Stats returns current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{Max: p.max, Live: len(p.workers), InUse: len(p.inUse)}
	for _, w := range p.workers {
		if w.IsBusy() {
			s.Busy++
		} else {
			s.Available++
		}
	}
	return s
}
