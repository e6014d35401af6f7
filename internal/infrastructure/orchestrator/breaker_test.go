package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	from, to State
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *clock.Mock, *[]transition) {
	t.Helper()
	mock := clock.NewMock()
	var mu sync.Mutex
	var changes []transition
	b := NewCircuitBreaker("orchestrator", 5, 30*time.Second,
		WithBreakerClock(mock),
		WithStateChange(func(name string, from, to State) {
			assert.Equal(t, "orchestrator", name)
			mu.Lock()
			changes = append(changes, transition{from, to})
			mu.Unlock()
		}),
	)
	return b, mock, &changes
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b, _, changes := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		require.NoError(t, b.Allow(), "still closed after %d failures", i+1)
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *changes)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	b, _, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.NoError(t, b.Allow(), "failures must be consecutive")
	assert.Equal(t, 4, b.Snapshot().ConsecutiveFailures)
}

func TestCircuitBreaker_ProbeAfterCoolDown(t *testing.T) {
	t.Run("successful probe closes", func(t *testing.T) {
		b, mock, changes := newTestBreaker(t)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}

		mock.Add(29 * time.Second)
		assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

		mock.Add(time.Second)
		require.NoError(t, b.Allow(), "cool-down elapsed, next call is a probe")

		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
		assert.Equal(t, []transition{{StateClosed, StateOpen}, {StateOpen, StateClosed}}, *changes)
	})

	t.Run("failed probe re-opens with a fresh cool-down", func(t *testing.T) {
		b, mock, _ := newTestBreaker(t)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		mock.Add(30 * time.Second)
		require.NoError(t, b.Allow())

		b.RecordFailure()
		assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

		snap := b.Snapshot()
		assert.Equal(t, "open", snap.State)
		assert.Equal(t, mock.Now().Add(30*time.Second), snap.OpenUntil)

		mock.Add(30 * time.Second)
		assert.NoError(t, b.Allow())
	})
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	b := NewCircuitBreaker("x", 0, 0)
	assert.Equal(t, "x", b.Name())
	assert.Equal(t, DefaultFailureThreshold, b.threshold)
	assert.Equal(t, DefaultCoolDown, b.coolDown)
	assert.Equal(t, "closed", b.Snapshot().State)
	assert.True(t, b.Snapshot().OpenUntil.IsZero())
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	b, _, changes := newTestBreaker(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Allow()
			b.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 50, b.Snapshot().ConsecutiveFailures)
	assert.Len(t, *changes, 1, "only the first threshold crossing is reported")
}
