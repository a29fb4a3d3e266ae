package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/internal/infrastructure/metrics"
)

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{Async: false})
}

func handlerRuns(eventType shared.EventType, outcome string) float64 {
	return testutil.ToFloat64(metrics.EventHandlerRuns.WithLabelValues(string(eventType), outcome))
}

func TestInMemoryEventBus_DeliversToTypedAndGlobalHandlers(t *testing.T) {
	bus := syncBus()

	published := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(string(shared.EventAnalysisCompleted)))
	okRuns := handlerRuns(shared.EventAnalysisCompleted, metrics.OutcomeOK)

	var typed, global int
	require.NoError(t, bus.Subscribe(shared.EventAnalysisCompleted, func(shared.Event) error {
		typed++
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		global++
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewAnalysisCompletedEvent("u1", 10, 2, 1, nil)))
	require.NoError(t, bus.Publish(shared.NewAnalysisBlockedEvent("u1", "fetching", "denied")))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, global)

	assert.Equal(t, published+1, testutil.ToFloat64(metrics.EventsPublished.WithLabelValues(string(shared.EventAnalysisCompleted))))
	assert.Equal(t, okRuns+2, handlerRuns(shared.EventAnalysisCompleted, metrics.OutcomeOK))
}

func TestInMemoryEventBus_HandlerPanicIsContained(t *testing.T) {
	bus := syncBus()

	panics := handlerRuns(shared.EventAnalysisFailed, metrics.OutcomePanic)
	failures := handlerRuns(shared.EventAnalysisFailed, metrics.OutcomeFailed)

	var after bool
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("refused") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		after = true
		return nil
	}))

	assert.NotPanics(t, func() {
		require.NoError(t, bus.Publish(shared.NewAnalysisFailedEvent("u1", "saving", errors.New("x"))))
	})
	assert.True(t, after)
	assert.Equal(t, panics+1, handlerRuns(shared.EventAnalysisFailed, metrics.OutcomePanic))
	assert.Equal(t, failures+1, handlerRuns(shared.EventAnalysisFailed, metrics.OutcomeFailed))

	err := bus.call(shared.NewAnalysisFailedEvent("u1", "saving", nil), func(shared.Event) error { panic("again") })
	assert.ErrorIs(t, err, ErrHandlerPanic)
}

func TestInMemoryEventBus_AsyncCloseWaitsForHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Async: true, Workers: 2})

	var count int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&count, 1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewLevelReachedEvent("u1", 1, 2, "Apprenti", 120)))
	}
	require.NoError(t, bus.Close())

	assert.Equal(t, int32(5), atomic.LoadInt32(&count))
	assert.ErrorIs(t, bus.Publish(shared.NewLevelReachedEvent("u1", 1, 2, "Apprenti", 120)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLevelReached, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus()
	assert.Error(t, bus.Subscribe(shared.EventReminderDue, nil))
	assert.Error(t, bus.SubscribeAll(nil))
	assert.Error(t, bus.Publish(nil))
}

// loopbackRedis delivers published messages to every subscriber.
type loopbackRedis struct {
	mu   sync.Mutex
	subs []chan RedisMessage
}

func (l *loopbackRedis) Publish(_ context.Context, channel string, message interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.subs {
		s <- RedisMessage{Channel: channel, Payload: message.(string)}
	}
	return nil
}

func (l *loopbackRedis) Subscribe(_ context.Context, _ ...string) (<-chan RedisMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan RedisMessage, 16)
	l.subs = append(l.subs, ch)
	return ch, nil
}

func (l *loopbackRedis) Close() error { return nil }

func TestRedisEventBus_DeliversRemoteEventsOnce(t *testing.T) {
	redis := &loopbackRedis{}
	local := InMemoryEventBusConfig{Async: false}

	server, err := NewRedisEventBus(RedisEventBusConfig{Client: redis, InstanceID: "server", Local: local})
	require.NoError(t, err)
	worker, err := NewRedisEventBus(RedisEventBusConfig{Client: redis, InstanceID: "worker", Local: local})
	require.NoError(t, err)

	var serverSeen, workerSeen int32
	received := make(chan shared.Event, 1)
	require.NoError(t, server.Subscribe(shared.EventReminderDue, func(e shared.Event) error {
		atomic.AddInt32(&serverSeen, 1)
		received <- e
		return nil
	}))
	require.NoError(t, worker.Subscribe(shared.EventReminderDue, func(shared.Event) error {
		atomic.AddInt32(&workerSeen, 1)
		return nil
	}))

	due := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Publish(shared.NewReminderDueEvent("u1", "g1", "Partiel", 7, due)))

	select {
	case e := <-received:
		assert.Equal(t, shared.EventReminderDue, e.EventType())
		assert.Equal(t, "g1", e.AggregateID())
		assert.Equal(t, "Partiel", e.Payload()["goal_title"])
	case <-time.After(time.Second):
		t.Fatal("remote event not delivered")
	}

	require.NoError(t, worker.Close())
	require.NoError(t, server.Close())

	assert.Equal(t, int32(1), atomic.LoadInt32(&serverSeen))
	assert.Equal(t, int32(1), atomic.LoadInt32(&workerSeen))
}
