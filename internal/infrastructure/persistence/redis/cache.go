// Package redis holds the Redis-backed adapters: the shared classifier
// result cache and the scheduler job lease. Both sit on Cache, a thin
// layer over go-redis that stores JSON values.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable reports that the server could not be reached at startup.
	ErrUnavailable = errors.New("redis: unavailable")

	// ErrEncode reports a value that could not be encoded as JSON.
	ErrEncode = errors.New("redis: cannot encode value")

	errEmptyKey    = errors.New("redis: empty key")
	errNegativeTTL = errors.New("redis: negative ttl")
)

// Config is the connection setup. Zero durations and sizes fall back to
// the go-redis defaults.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig targets a local server.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr is host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
		MaxRetries:   c.MaxRetries,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// Cache stores JSON-encoded values.
type Cache struct {
	client redis.UniversalClient
}

// NewCache dials the server and fails with ErrUnavailable when it does
// not answer a PING within the dial timeout.
func NewCache(cfg Config) (*Cache, error) {
	client := redis.NewClient(cfg.options())

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().DialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w at %s: %v", ErrUnavailable, cfg.Addr(), err)
	}
	return &Cache{client: client}, nil
}

// Client exposes the connection to the Pub/Sub event bus.
func (c *Cache) Client() redis.UniversalClient { return c.client }

func (c *Cache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *Cache) Close() error { return c.client.Close() }

// MSet writes every pair with the same ttl in one pipeline round trip.
// Empty keys are skipped.
func (c *Cache) MSet(ctx context.Context, pairs map[string]interface{}, ttl time.Duration) error {
	if ttl < 0 {
		return errNegativeTTL
	}
	if len(pairs) == 0 {
		return nil
	}

	encoded := make(map[string][]byte, len(pairs))
	for key, value := range pairs {
		if key == "" {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w under %q: %v", ErrEncode, key, err)
		}
		encoded[key] = raw
	}

	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for key, raw := range encoded {
			p.Set(ctx, key, raw, ttl)
		}
		return nil
	})
	return err
}

// MGet returns the raw values of the keys that exist.
func (c *Cache) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			found[keys[i]] = s
		}
	}
	return found, nil
}

// SetNX writes value only when key is absent and reports whether it did.
func (c *Cache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	switch {
	case key == "":
		return false, errEmptyKey
	case ttl < 0:
		return false, errNegativeTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w under %q: %v", ErrEncode, key, err)
	}
	return c.client.SetNX(ctx, key, raw, ttl).Result()
}
