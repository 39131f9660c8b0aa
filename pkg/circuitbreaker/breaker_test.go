package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider down")

func failingCalls(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func() error { return errProvider })
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 3, Timeout: time.Minute})

	failingCalls(cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	failingCalls(cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker must fail fast")
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 3})

	failingCalls(cb, 2)
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	failingCalls(cb, 2)

	assert.Equal(t, StateClosed, cb.State(), "non-consecutive failures must not trip")
}

func TestBreakerHalfOpenProbesAndCloses(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		MaxRequests:      2,
		Timeout:          10 * time.Millisecond,
	})

	failingCalls(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})

	failingCalls(cb, 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	failingCalls(cb, 1)
	assert.Equal(t, StateOpen, cb.State(), "a failed probe reopens immediately")
}

func TestBreakerHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		SuccessThreshold: 5,
		MaxRequests:      1,
		Timeout:          10 * time.Millisecond,
	})

	failingCalls(cb, 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests, "probes beyond the half-open budget are rejected")
}

func TestBreakerHonorsCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
