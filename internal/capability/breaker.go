package capability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/swarm/internal/logging"
)

// BreakerRegistry keeps one launch circuit breaker per provider. After
// threshold consecutive launch failures a provider's breaker opens and
// launches fail fast until cooldown has passed. A nil registry disables
// the breaker entirely.
type BreakerRegistry struct {
	threshold uint32
	cooldown  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry returns nil when threshold is zero.
func NewBreakerRegistry(threshold uint32, cooldown time.Duration, logger *slog.Logger) *BreakerRegistry {
	if threshold == 0 {
		return nil
	}
	return &BreakerRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logging.OrDefault(logger),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
func (r *BreakerRegistry) Get(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1, // One trial launch while half-open
		Interval:    0, // Counts reset only on state change
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("provider launch breaker changed state", "provider", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Callers giving up is not a provider failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	r.breakers[provider] = cb
	return cb
}

// Launch runs fn through provider's breaker.
func (r *BreakerRegistry) Launch(provider string, fn func() (Session, error)) (Session, error) {
	if r == nil {
		return fn()
	}
	res, err := r.Get(provider).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return res.(Session), nil
}

// State reports the breaker state for provider. Providers without a breaker
// are reported closed.
func (r *BreakerRegistry) State(provider string) gobreaker.State {
	if r == nil {
		return gobreaker.StateClosed
	}
	return r.Get(provider).State()
}
