package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"TourLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream exploded")

func testBreakerConfig() conf.BreakerConfig {
	return conf.BreakerConfig{
		Timeout:                  time.Second,
		ErrorThresholdPercentage: 50,
		ResetTimeout:             30 * time.Second,
		RollingWindow:            10 * time.Second,
		VolumeThreshold:          10,
	}
}

// fakeClock drives the breaker's internal clock in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(t *testing.T, cfg conf.BreakerConfig) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker("payment", cfg, log.DefaultLogger)
	b.now = clock.now
	return b, clock
}

func succeed(ctx context.Context) error { return nil }
func fail(ctx context.Context) error    { return errUpstream }

func TestCircuitBreaker_OpensAtErrorThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())

	// Five successes and five failures: ten calls at a 50% error rate.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(context.Background(), succeed))
	}
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errUpstream)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(context.Background(), fail), errUpstream)

	assert.Equal(t, StateOpen, b.State())

	// Subsequent calls are rejected without executing.
	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_BelowVolumeThresholdStaysClosed(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())

	// A 100% error rate over fewer than volume_threshold calls must not
	// trip the breaker.
	for i := 0; i < 9; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errUpstream)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_FailuresOutsideWindowExpire(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())

	for i := 0; i < 9; i++ {
		_ = b.Execute(context.Background(), fail)
	}

	// The earlier failures fall out of the 10s rolling window.
	clock.advance(11 * time.Second)

	require.ErrorIs(t, b.Execute(context.Background(), fail), errUpstream)
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	// Before the reset timeout: still rejecting.
	clock.advance(10 * time.Second)
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), ErrCircuitOpen)

	// After the reset timeout a single trial call is admitted; success
	// closes the breaker and clears the statistics.
	clock.advance(21 * time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Successes)
	assert.Equal(t, int64(0), snap.Failures)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	clock.advance(31 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())

	// The reset timer restarts from the failed trial.
	clock.advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(context.Background(), succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(t, testBreakerConfig())

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	clock.advance(31 * time.Second)

	// Hold the trial call in flight and make a second attempt.
	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()

	// Wait until the trial has been admitted.
	require.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, b.Execute(context.Background(), succeed), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Timeout = 20 * time.Millisecond
	b, _ := newTestBreaker(t, cfg)

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.ErrorIs(t, err, ErrCallTimeout)

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Timeouts)
	assert.Equal(t, int64(0), snap.Successes)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())

	for i := 0; i < 10; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())

	snap := b.Snapshot()
	assert.Equal(t, int64(0), snap.Failures)
	assert.Nil(t, snap.OpenedAt)

	require.NoError(t, b.Execute(context.Background(), succeed))
}

func TestCircuitBreaker_SnapshotStatistics(t *testing.T) {
	b, _ := newTestBreaker(t, testBreakerConfig())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(context.Background(), succeed))
	}
	_ = b.Execute(context.Background(), fail)
	b.RecordFallback()

	snap := b.Snapshot()
	assert.Equal(t, "CLOSED", snap.State)
	assert.Equal(t, int64(3), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.Fallbacks)
	assert.Contains(t, snap.Percentiles, "p50")
	assert.Contains(t, snap.Percentiles, "p90")
	assert.Contains(t, snap.Percentiles, "p99")
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	assert.Equal(t, float64(50), percentile(sorted, 0.50))
	assert.Equal(t, float64(90), percentile(sorted, 0.90))
	assert.Equal(t, float64(100), percentile(sorted, 0.99))
	assert.Equal(t, float64(0), percentile(nil, 0.50))
}
