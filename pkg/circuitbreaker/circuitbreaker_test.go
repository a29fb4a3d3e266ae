package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []State
	cb := New("test",
		WithFailureThreshold(2),
		WithTimeout(time.Hour),
		WithOnStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.True(t, cb.IsClosed())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(1),
		WithHalfOpenRequests(2),
		WithTimeout(10*time.Millisecond),
	)
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.True(t, cb.IsOpen())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.True(t, cb.IsClosed())
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentTrials(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithHalfOpenRequests(1), WithTimeout(10*time.Millisecond))
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrTooManyRequests)
	close(release)
	require.NoError(t, <-done)
	assert.True(t, cb.IsClosed())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("test", WithFailureThreshold(1), WithTimeout(10*time.Millisecond))
	ctx := context.Background()

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	time.Sleep(20 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	errIgnored := errors.New("user problem")
	cb := New("test",
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, errIgnored) }),
	)

	err := cb.Execute(context.Background(), func(context.Context) error { return errIgnored })
	assert.ErrorIs(t, err, errIgnored)
	assert.True(t, cb.IsClosed())
}

func TestCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cb := New("test", WithFailureThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, cb.IsClosed())
}

func TestCircuitBreaker_DoneContextSkipsCall(t *testing.T) {
	cb := New("test", WithFailureThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, cb.Counts().Requests)
}

func TestPresets(t *testing.T) {
	errAuth := errors.New("denied")
	isFailure := func(err error) bool { return !errors.Is(err, errAuth) }

	classifier := ClassifierBreaker(nil, isFailure, WithFailureThreshold(2))
	assert.Equal(t, "classifier", classifier.Name())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = classifier.Execute(ctx, func(context.Context) error { return errAuth })
	}
	assert.True(t, classifier.IsClosed(), "authorization errors do not trip")

	_ = classifier.Execute(ctx, fail)
	_ = classifier.Execute(ctx, fail)
	assert.True(t, classifier.IsOpen())

	calendar := CalendarBreaker(nil, isFailure)
	assert.Equal(t, "calendar", calendar.Name())
	for i := 0; i < 4; i++ {
		_ = calendar.Execute(ctx, fail)
	}
	assert.True(t, calendar.IsClosed())
	_ = calendar.Execute(ctx, fail)
	assert.True(t, calendar.IsOpen())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
