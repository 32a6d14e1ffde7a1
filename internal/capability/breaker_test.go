package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/swarm/internal/logging"
)

func TestBreakerRegistry_DisabledWhenThresholdZero(t *testing.T) {
	r := NewBreakerRegistry(0, time.Second, logging.Discard())
	assert.Nil(t, r)

	calls := 0
	for i := 0; i < 5; i++ {
		_, err := r.Launch("p", func() (Session, error) {
			calls++
			return nil, errors.New("boom")
		})
		assert.Error(t, err)
	}
	assert.Equal(t, 5, calls)
	assert.Equal(t, gobreaker.StateClosed, r.State("p"))
}

func TestBreakerRegistry_OpensAndRecovers(t *testing.T) {
	r := NewBreakerRegistry(3, 50*time.Millisecond, logging.Discard())
	fail := func() (Session, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		_, err := r.Launch("p", fail)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, r.State("p"))
	assert.Equal(t, gobreaker.StateClosed, r.State("other"), "breakers are per provider")

	_, err := r.Launch("p", func() (Session, error) {
		t.Fatal("launch must not run while the breaker is open")
		return nil, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	time.Sleep(80 * time.Millisecond)
	s, err := r.Launch("p", func() (Session, error) { return &fakeSession{}, nil })
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, gobreaker.StateClosed, r.State("p"))
}

func TestBreakerRegistry_CancellationDoesNotTrip(t *testing.T) {
	r := NewBreakerRegistry(1, time.Minute, logging.Discard())

	_, err := r.Launch("p", func() (Session, error) { return nil, context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, r.State("p"))
}
