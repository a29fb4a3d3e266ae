// Package messaging carries domain events between components. The
// in-memory bus serves a single process; the Redis bus relays events
// between the API server and the worker over Pub/Sub.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
	"github.com/studyquest/study-companion/pkg/logger"
)

var (
	// ErrEventBusClosed is returned by Publish and Subscribe after Close.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")

	errNilHandler = errors.New("handler cannot be nil")
	errNilEvent   = errors.New("event cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBusConfig configures an InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// Async runs handlers on goroutines bounded by Workers. Publish then
	// returns before handlers finish.
	Async   bool
	Workers int

	Logger *logger.Logger
}

// DefaultInMemoryEventBusConfig returns an asynchronous bus with ten workers.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{Async: true, Workers: 10}
}

// InMemoryEventBus delivers events to handlers of this process. A handler
// error or panic is logged and counted; it never reaches the publisher.
type InMemoryEventBus struct {
	mu      sync.RWMutex
	byType  map[shared.EventType][]shared.EventHandler
	global  []shared.EventHandler
	closed  bool
	pending sync.WaitGroup

	async bool
	slots chan struct{}
	stop  chan struct{}
	log   *logger.Logger
}

// NewInMemoryEventBus creates a bus.
func NewInMemoryEventBus(cfg InMemoryEventBusConfig) *InMemoryEventBus {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultInMemoryEventBusConfig().Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &InMemoryEventBus{
		byType: make(map[shared.EventType][]shared.EventHandler),
		async:  cfg.Async,
		slots:  make(chan struct{}, cfg.Workers),
		stop:   make(chan struct{}),
		log:    cfg.Logger.With(logger.Component("eventbus")),
	}
}

// Subscribe registers handler for one event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.register(handler, func() {
		b.byType[eventType] = append(b.byType[eventType], handler)
		b.log.Debug("subscribed handler", logger.String("event_type", string(eventType)))
	})
}

// SubscribeAll registers handler for every event type.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.register(handler, func() { b.global = append(b.global, handler) })
}

func (b *InMemoryEventBus) register(handler shared.EventHandler, add func()) error {
	if handler == nil {
		return errNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrEventBusClosed
	}
	add()
	return nil
}

// Publish hands event to the typed handlers, then to the global ones.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	targets, err := b.targets(event.EventType())
	if err != nil {
		return err
	}
	metrics.EventsPublished.WithLabelValues(string(event.EventType())).Inc()

	for _, h := range targets {
		if b.async {
			go b.runPooled(event, h)
			continue
		}
		b.run(event, h)
	}
	return nil
}

// targets snapshots the handlers of eventType. In async mode the pending
// count is raised under the lock so Close cannot start waiting in between.
func (b *InMemoryEventBus) targets(eventType shared.EventType) ([]shared.EventHandler, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrEventBusClosed
	}

	typed := b.byType[eventType]
	out := make([]shared.EventHandler, 0, len(typed)+len(b.global))
	out = append(out, typed...)
	out = append(out, b.global...)
	if b.async {
		b.pending.Add(len(out))
	}
	return out, nil
}

func (b *InMemoryEventBus) runPooled(event shared.Event, h shared.EventHandler) {
	defer b.pending.Done()
	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	case <-b.stop:
		return
	}
	b.run(event, h)
}

// run executes h and records its outcome.
func (b *InMemoryEventBus) run(event shared.Event, h shared.EventHandler) {
	eventType := string(event.EventType())
	start := time.Now()

	err := b.call(event, h)
	metrics.EventHandlerDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrHandlerPanic):
		metrics.EventHandlerRuns.WithLabelValues(eventType, metrics.OutcomePanic).Inc()
	case err != nil:
		metrics.EventHandlerRuns.WithLabelValues(eventType, metrics.OutcomeFailed).Inc()
	default:
		metrics.EventHandlerRuns.WithLabelValues(eventType, metrics.OutcomeOK).Inc()
		return
	}
	b.log.Error("event handler failed", logger.String("event_type", eventType), logger.Err(err))
}

// call converts a panic of h into ErrHandlerPanic.
func (b *InMemoryEventBus) call(event shared.Event, h shared.EventHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(event)
}

// Close rejects new work and waits for handlers already dispatched.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.pending.Wait()
	close(b.stop)
	b.log.Info("event bus closed")
	return nil
}
