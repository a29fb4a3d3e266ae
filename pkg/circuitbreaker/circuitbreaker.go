// Package circuitbreaker wraps sony/gobreaker with the context-aware call
// shape and presets the external clients share. It keeps calendar and
// classifier outages from piling up blocked analysis runs.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// State is the breaker state as reported by gobreaker.
type State = gobreaker.State

// Counts are the request counters of the current generation.
type Counts = gobreaker.Counts

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

var (
	// ErrCircuitOpen is returned without calling fn while the breaker is open.
	ErrCircuitOpen = gobreaker.ErrOpenState

	// ErrTooManyRequests is returned when every half-open slot is taken.
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// Config holds breaker settings.
type Config struct {
	Name string

	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int

	// HalfOpenRequests is both the number of trial calls let through after
	// Timeout and the number of consecutive successes that close the circuit.
	HalfOpenRequests int

	// Timeout is the time spent open before trial calls are allowed.
	Timeout time.Duration

	OnStateChange func(name string, from, to State)

	// IsFailure filters which errors count against the service. Nil counts
	// every error except caller cancellation.
	IsFailure func(error) bool
}

// DefaultConfig returns the settings New starts from.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		HalfOpenRequests: 1,
		Timeout:          30 * time.Second,
	}
}

// Option adjusts a Config.
type Option func(*Config)

// WithFailureThreshold sets the consecutive failures that open the circuit.
func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

// WithHalfOpenRequests sets the trial calls of the half-open state.
func WithHalfOpenRequests(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.HalfOpenRequests = n
		}
	}
}

// WithTimeout sets how long the circuit stays open.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) { c.OnStateChange = fn }
}

func WithIsFailure(fn func(error) bool) Option {
	return func(c *Config) { c.IsFailure = fn }
}

// CircuitBreaker guards calls to one external dependency.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker named name.
func New(name string, opts ...Option) *CircuitBreaker {
	cfg := DefaultConfig(name)
	for _, opt := range opts {
		opt(&cfg)
	}

	threshold := uint32(cfg.FailureThreshold)
	isFailure := cfg.IsFailure
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenRequests),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var gone callerGone
			if errors.As(err, &gone) {
				return true
			}
			return isFailure != nil && !isFailure(err)
		},
	})}
}

// callerGone marks an error caused by the caller's context ending, which
// says nothing about the health of the dependency.
type callerGone struct{ err error }

func (e callerGone) Error() string { return e.err.Error() }
func (e callerGone) Unwrap() error { return e.err }

// Execute runs fn unless the circuit is open. A context already done
// fails fast without taking a half-open slot.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		err := fn(ctx)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, callerGone{err}
		}
		return nil, err
	})

	var gone callerGone
	if errors.As(err, &gone) {
		return gone.err
	}
	return err
}

func (b *CircuitBreaker) State() State   { return b.cb.State() }
func (b *CircuitBreaker) Counts() Counts { return b.cb.Counts() }
func (b *CircuitBreaker) Name() string   { return b.cb.Name() }
func (b *CircuitBreaker) IsOpen() bool   { return b.cb.State() == StateOpen }
func (b *CircuitBreaker) IsClosed() bool { return b.cb.State() == StateClosed }

// ══════════════════════════════════════════════════════════════════════════════
// PRESETS
// ══════════════════════════════════════════════════════════════════════════════

// ClassifierBreaker guards the event classifier. Pass an isFailure that
// excludes authorization rejections: those are a user problem, not an
// outage. Options override the preset.
func ClassifierBreaker(onStateChange func(name string, from, to State), isFailure func(error) bool, opts ...Option) *CircuitBreaker {
	preset := []Option{
		WithFailureThreshold(3),
		WithHalfOpenRequests(1),
		WithTimeout(time.Minute),
		WithOnStateChange(onStateChange),
		WithIsFailure(isFailure),
	}
	return New("classifier", append(preset, opts...)...)
}

// CalendarBreaker guards calendar feed downloads.
func CalendarBreaker(onStateChange func(name string, from, to State), isFailure func(error) bool, opts ...Option) *CircuitBreaker {
	preset := []Option{
		WithFailureThreshold(5),
		WithHalfOpenRequests(2),
		WithTimeout(30 * time.Second),
		WithOnStateChange(onStateChange),
		WithIsFailure(isFailure),
	}
	return New("calendar", append(preset, opts...)...)
}
