package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/pkg/logger"
)

// DefaultChannel is the Pub/Sub channel events travel on.
const DefaultChannel = "study-companion:events"

// RedisClient is the Pub/Sub surface RedisEventBus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error)
	Close() error
}

// RedisMessage is one Pub/Sub delivery.
type RedisMessage struct {
	Channel string
	Payload string
	Err     error
}

// RedisEventBusConfig configures a RedisEventBus.
type RedisEventBusConfig struct {
	Client  RedisClient
	Channel string

	// InstanceID tags outgoing messages; messages carrying our own tag are
	// dropped on receipt. Defaults to a random UUID.
	InstanceID string

	Local  InMemoryEventBusConfig
	Logger *logger.Logger
}

// RedisEventBus publishes every event both locally and on a Redis channel.
// Events from other instances are replayed on the local bus.
type RedisEventBus struct {
	local    *InMemoryEventBus
	client   RedisClient
	channel  string
	instance string
	log      *logger.Logger

	stop context.CancelFunc
	ctx  context.Context
	done sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRedisEventBus subscribes to the channel and starts relaying.
func NewRedisEventBus(cfg RedisEventBusConfig) (*RedisEventBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Local.Logger == nil {
		cfg.Local.Logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	inbox, err := cfg.Client.Subscribe(ctx, cfg.Channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Channel, err)
	}

	b := &RedisEventBus{
		local:    NewInMemoryEventBus(cfg.Local),
		client:   cfg.Client,
		channel:  cfg.Channel,
		instance: cfg.InstanceID,
		log:      cfg.Logger.With(logger.Component("redis_eventbus")),
		stop:     cancel,
		ctx:      ctx,
	}
	b.done.Add(1)
	go b.relay(inbox)
	return b, nil
}

// Subscribe registers a local handler for one event type.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.local.Subscribe(eventType, handler)
}

// SubscribeAll registers a local handler for every event type.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.local.SubscribeAll(handler)
}

// Publish delivers locally even when Redis rejects the message.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrEventBusClosed
	}

	raw, err := json.Marshal(wireEvent{
		Origin:    b.instance,
		Type:      event.EventType(),
		Aggregate: event.AggregateID(),
		At:        event.OccurredAt(),
		Data:      event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.EventType(), err)
	}
	if err := b.client.Publish(b.ctx, b.channel, string(raw)); err != nil {
		b.log.Error("failed to publish to redis",
			logger.String("event_type", string(event.EventType())),
			logger.Err(err),
		)
	}
	return b.local.Publish(event)
}

func (b *RedisEventBus) relay(inbox <-chan RedisMessage) {
	defer b.done.Done()
	for {
		var msg RedisMessage
		var ok bool
		select {
		case <-b.ctx.Done():
			return
		case msg, ok = <-inbox:
			if !ok {
				return
			}
		}
		if msg.Err != nil {
			b.log.Error("redis subscription error", logger.Err(msg.Err))
			continue
		}

		var w wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
			b.log.Error("dropping undecodable event", logger.Err(err))
			continue
		}
		if w.Origin == b.instance {
			continue
		}
		if err := b.local.Publish(w); err != nil {
			b.log.Error("failed to deliver remote event", logger.Err(err))
		}
	}
}

// Close stops relaying, drains the local bus and closes the client.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.stop()
	b.done.Wait()
	if err := b.local.Close(); err != nil {
		b.log.Error("failed to close local bus", logger.Err(err))
	}
	return b.client.Close()
}

// wireEvent is the JSON form of an event on the channel. Received copies
// satisfy shared.Event directly.
type wireEvent struct {
	Origin    string                 `json:"instance_id"`
	Type      shared.EventType       `json:"event_type"`
	Aggregate string                 `json:"aggregate_id"`
	At        time.Time              `json:"occurred_at"`
	Data      map[string]interface{} `json:"payload"`
}

func (w wireEvent) EventType() shared.EventType     { return w.Type }
func (w wireEvent) AggregateID() string             { return w.Aggregate }
func (w wireEvent) OccurredAt() time.Time           { return w.At }
func (w wireEvent) Payload() map[string]interface{} { return w.Data }
