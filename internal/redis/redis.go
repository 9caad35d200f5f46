// Package redis holds the shared go-redis client used by the memory recall cache.
package redis

import (
	"context"
	"fmt"
	"time"

	"flowchat/internal/config"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 6379
	pingTimeout = 3 * time.Second
)

// ErrCacheMiss is returned by Get for an absent key.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

type Client struct {
	inner *redis.Client
	addr  string
}

// NewClient connects with the redis section of the config and pings the server.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	host := cfg.Host
	if host == "" {
		host = defaultHost
	}
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	inner := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := inner.Ping(pingCtx).Err(); err != nil {
		inner.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return &Client{inner: inner, addr: addr}, nil
}

func (c *Client) Addr() string { return c.addr }

// Get returns the raw value of key, or ErrCacheMiss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	return c.inner.Get(ctx, key).Bytes()
}

// Set stores value under key; a zero ttl keeps it forever.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Incr bumps a counter key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if c == nil || c.inner == nil {
		return 0, errNotInitialized
	}
	return c.inner.Incr(ctx, key).Result()
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the go-redis client for maintenance calls such as FlushDB in tests.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
