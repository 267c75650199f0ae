package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwheel/sentinel/internal/domain"
)

var errBroker = errors.New("venue unreachable")

func failingCall(ctx context.Context) error { return errBroker }
func okCall(ctx context.Context) error      { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Call(ctx, failingCall), errBroker)
		assert.Equal(t, BreakerClosed, cb.State())
	}

	require.ErrorIs(t, cb.Call(ctx, failingCall), errBroker)
	assert.Equal(t, BreakerOpen, cb.State())

	// Open breaker short-circuits without invoking the call.
	invoked := false
	err := cb.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second)
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, failingCall))
	require.Error(t, cb.Call(ctx, failingCall))
	require.NoError(t, cb.Call(ctx, okCall))
	assert.Equal(t, 0, cb.Failures())

	// Two more failures are below threshold again.
	require.Error(t, cb.Call(ctx, failingCall))
	require.Error(t, cb.Call(ctx, failingCall))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	t.Run("probe success closes", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 30*time.Second)
		cb.now = clock
		ctx := context.Background()

		require.Error(t, cb.Call(ctx, failingCall))
		require.Equal(t, BreakerOpen, cb.State())

		// Before the timeout nothing passes.
		assert.ErrorIs(t, cb.Call(ctx, okCall), domain.ErrCircuitOpen)

		now = now.Add(31 * time.Second)
		require.NoError(t, cb.Call(ctx, okCall))
		assert.Equal(t, BreakerClosed, cb.State())
		assert.Equal(t, 0, cb.Failures())
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 30*time.Second)
		cb.now = clock
		ctx := context.Background()

		require.Error(t, cb.Call(ctx, failingCall))
		now = now.Add(31 * time.Second)
		require.ErrorIs(t, cb.Call(ctx, failingCall), errBroker)
		assert.Equal(t, BreakerOpen, cb.State())

		// The fresh open period starts over.
		assert.ErrorIs(t, cb.Call(ctx, okCall), domain.ErrCircuitOpen)
	})
}

func TestBreakerSingleProbeUnderConcurrency(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, cb.Call(ctx, failingCall))
	now = now.Add(2 * time.Second)

	var mu sync.Mutex
	invocations := 0
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Call(ctx, func(ctx context.Context) error {
				mu.Lock()
				invocations++
				mu.Unlock()
				<-release
				return nil
			})
		}()
	}

	// Give the goroutines a moment to contend, then let the probe finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, invocations, "half-open admits exactly one probe")
}
