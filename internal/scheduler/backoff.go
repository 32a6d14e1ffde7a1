package scheduler

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryBaseDelay is the delay before the first retry of a failed task.
const DefaultRetryBaseDelay = 2 * time.Second

// newRetryBackOff returns a deterministic exponential policy: base, 2*base,
// 4*base, ... with no jitter and no elapsed-time cutoff. The retry budget is
// enforced by the task's Retries, not by the policy.
func newRetryBackOff(base time.Duration) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryDelay returns the wait before re-running a task whose attempt n
// (1-based) just failed: base * 2^(n-1).
func RetryDelay(base time.Duration, attempt int) time.Duration {
	b := newRetryBackOff(base)
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// retryPolicy keeps one backoff sequence per task for the duration of a run.
// It is only touched by the coordinator's control loop.
type retryPolicy struct {
	base  time.Duration
	tasks map[string]*backoff.ExponentialBackOff
}

func newRetryPolicy(base time.Duration) *retryPolicy {
	return &retryPolicy{base: base, tasks: make(map[string]*backoff.ExponentialBackOff)}
}

func (p *retryPolicy) next(taskID string) time.Duration {
	b, ok := p.tasks[taskID]
	if !ok {
		b = newRetryBackOff(p.base)
		p.tasks[taskID] = b
	}
	return b.NextBackOff()
}
