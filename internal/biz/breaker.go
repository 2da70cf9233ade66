package biz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"TourLane/internal/conf"
	"TourLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	// StateClosed allows calls to execute normally.
	StateClosed CircuitState = iota
	// StateOpen rejects calls immediately without touching the dependency.
	StateOpen
	// StateHalfOpen lets a single trial call through after the reset timeout.
	StateHalfOpen
)

// String returns the canonical state name used on the admin surface.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors returned by CircuitBreaker.Execute. Callers (the relay
// usecase) map these to structured fallback results; they never reach the
// HTTP boundary as raw errors.
var (
	// ErrCircuitOpen is returned when the breaker rejects a call without
	// attempting it.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCallTimeout is returned when the wrapped call exceeds the
	// per-call timeout.
	ErrCallTimeout = errors.New("call timed out")
)

// maxLatencySamplesPerBucket bounds per-bucket latency sample retention so
// percentile computation stays O(window) regardless of traffic.
const maxLatencySamplesPerBucket = 128

// statsBucket accumulates call outcomes for a one second slice of the
// rolling window.
type statsBucket struct {
	start     time.Time
	successes int64
	failures  int64
	timeouts  int64
	rejects   int64
	fallbacks int64
	latencies []float64 // milliseconds
}

// CircuitBreaker is a per-dependency synchronous failure-tracking state
// machine. All methods are safe for concurrent use; callers never hold an
// external lock.
type CircuitBreaker struct {
	name string
	cfg  conf.BreakerConfig

	mu               sync.Mutex
	state            CircuitState
	openedAt         time.Time
	halfOpenInFlight bool
	buckets          []*statsBucket

	logger *log.Helper

	// now is swappable in tests to drive the reset timer.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named dependency.
func NewCircuitBreaker(name string, cfg conf.BreakerConfig, logger log.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		logger: log.NewHelper(logger),
		now:    time.Now,
	}
}

// Execute runs fn under the breaker with the configured per-call timeout.
// Success and failure outcomes feed the rolling statistics; exceeding the
// timeout aborts the call and counts as a timeout failure.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	start := b.now()

	tctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = ErrCallTimeout
		}
	case <-tctx.Done():
		// The deadline fired before fn returned; the call is abandoned.
		err = ErrCallTimeout
	}

	b.afterCall(err, b.now().Sub(start))
	return err
}

// beforeCall decides whether the call may proceed and handles the
// OPEN to HALF_OPEN transition when the reset timeout has elapsed.
func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.currentBucket().rejects++
			return ErrCircuitOpen
		}
		// Reset timer expired: admit a single trial call.
		b.state = StateHalfOpen
		b.halfOpenInFlight = true
		b.logger.Infow("circuit breaker half-open, admitting trial call", "dependency", b.name)
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight {
			b.currentBucket().rejects++
			return ErrCircuitOpen
		}
		b.halfOpenInFlight = true
		return nil
	}

	return nil
}

// afterCall records the outcome and applies state transitions.
func (b *CircuitBreaker) afterCall(err error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := b.currentBucket()
	switch {
	case err == nil:
		bucket.successes++
		if len(bucket.latencies) < maxLatencySamplesPerBucket {
			bucket.latencies = append(bucket.latencies, float64(latency.Milliseconds()))
		}
	case errors.Is(err, ErrCallTimeout):
		bucket.timeouts++
	default:
		bucket.failures++
	}

	if b.state == StateHalfOpen {
		b.halfOpenInFlight = false
		if err == nil {
			b.state = StateClosed
			b.buckets = nil
			b.logger.Infow("circuit breaker closed after successful trial", "dependency", b.name)
		} else {
			b.state = StateOpen
			b.openedAt = b.now()
			b.logger.Warnw("circuit breaker reopened after failed trial", "dependency", b.name, "error", err)
		}
		return
	}

	if b.state == StateClosed && err != nil {
		b.evaluateThreshold()
	}
}

// evaluateThreshold opens the breaker when the rolling window holds at
// least volumeThreshold calls and the error rate crosses the configured
// percentage. Caller must hold b.mu.
func (b *CircuitBreaker) evaluateThreshold() {
	var total, errored int64
	for _, bucket := range b.liveBuckets() {
		total += bucket.successes + bucket.failures + bucket.timeouts
		errored += bucket.failures + bucket.timeouts
	}

	if total < int64(b.cfg.VolumeThreshold) {
		return
	}

	errorRate := float64(errored) / float64(total) * 100
	if errorRate >= float64(b.cfg.ErrorThresholdPercentage) {
		b.state = StateOpen
		b.openedAt = b.now()
		b.logger.Warnw("circuit breaker opened",
			"dependency", b.name,
			"window_calls", total,
			"error_rate", fmt.Sprintf("%.1f%%", errorRate),
			"threshold", b.cfg.ErrorThresholdPercentage)
	}
}

// RecordFallback counts a fallback response served in place of the
// dependency's answer.
func (b *CircuitBreaker) RecordFallback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentBucket().fallbacks++
}

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED with cleared statistics. This is
// an administrative recovery action, not a normal transition.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.halfOpenInFlight = false
	b.openedAt = time.Time{}
	b.buckets = nil
	b.logger.Infow("circuit breaker reset to closed", "dependency", b.name)
}

// Snapshot returns the observable state and rolling-window statistics.
func (b *CircuitBreaker) Snapshot() *model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := &model.BreakerSnapshot{
		Name:        b.name,
		State:       b.state.String(),
		Percentiles: map[string]float64{},
	}
	if b.state == StateOpen {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}

	var latencies []float64
	for _, bucket := range b.liveBuckets() {
		snap.Successes += bucket.successes
		snap.Failures += bucket.failures
		snap.Timeouts += bucket.timeouts
		snap.Rejects += bucket.rejects
		snap.Fallbacks += bucket.fallbacks
		latencies = append(latencies, bucket.latencies...)
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		snap.LatencyMean = sum / float64(len(latencies))
		snap.Percentiles["p50"] = percentile(latencies, 0.50)
		snap.Percentiles["p90"] = percentile(latencies, 0.90)
		snap.Percentiles["p99"] = percentile(latencies, 0.99)
	}

	return snap
}

// currentBucket returns the bucket covering the current second, creating
// it if needed. Caller must hold b.mu.
func (b *CircuitBreaker) currentBucket() *statsBucket {
	now := b.now().Truncate(time.Second)
	if n := len(b.buckets); n > 0 && b.buckets[n-1].start.Equal(now) {
		return b.buckets[n-1]
	}

	bucket := &statsBucket{start: now}
	b.buckets = append(b.buckets, bucket)

	// Drop buckets that fell out of the rolling window.
	cutoff := now.Add(-b.cfg.RollingWindow)
	trim := 0
	for trim < len(b.buckets) && !b.buckets[trim].start.After(cutoff) {
		trim++
	}
	b.buckets = b.buckets[trim:]

	return bucket
}

// liveBuckets returns the buckets still inside the rolling window.
// Caller must hold b.mu.
func (b *CircuitBreaker) liveBuckets() []*statsBucket {
	cutoff := b.now().Truncate(time.Second).Add(-b.cfg.RollingWindow)
	live := b.buckets[:0:0]
	for _, bucket := range b.buckets {
		if bucket.start.After(cutoff) {
			live = append(live, bucket)
		}
	}
	return live
}

// percentile returns the p-th percentile of sorted samples using
// nearest-rank selection.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
