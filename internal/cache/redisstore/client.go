// Package redisstore wraps the Redis operations used by the job store and
// the analysis layer cache.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("redis: key not found")

type Option func(*redis.Options)

func WithPassword(p string) Option { return func(o *redis.Options) { o.Password = p } }

func WithDB(db int) Option { return func(o *redis.Options) { o.DB = db } }

func WithPoolSize(n int) Option { return func(o *redis.Options) { o.PoolSize = n } }

// WithTimeout sets the dial, read and write timeouts together.
func WithTimeout(d time.Duration) Option {
	return func(o *redis.Options) {
		o.DialTimeout, o.ReadTimeout, o.WriteTimeout = d, d, d
	}
}

type Client struct {
	rdb *redis.Client
}

// New connects to addr and fails fast when the server does not answer a PING.
func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	ro := &redis.Options{
		Addr:     addr,
		PoolSize: 8,
		// job snapshots and cached layers are small; a stalled server
		// should surface as a failed probe rather than a hung job
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, opt := range opts {
		opt(ro)
	}
	c := &Client{rdb: redis.NewClient(ro)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Ping is used by readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, nil
}

// GetMany fetches keys in one round trip. The result is aligned with keys;
// missing keys yield a nil entry.
func (c *Client) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// Set stores val; a zero ttl keeps the key forever.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

// SetIndexed stores val and adds member to the set at index in one
// MULTI/EXEC so a listed member always had a value written.
func (c *Client) SetIndexed(ctx context.Context, key string, val []byte, ttl time.Duration, index, member string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, val, ttl)
		p.SAdd(ctx, index, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis SET+SADD %q: %w", key, err)
	}
	return nil
}

func (c *Client) Members(ctx context.Context, index string) ([]string, error) {
	m, err := c.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %q: %w", index, err)
	}
	return m, nil
}

// Unindex drops members from the set at index, typically ids whose value
// has expired.
func (c *Client) Unindex(ctx context.Context, index string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SRem(ctx, index, args...).Err(); err != nil {
		return fmt.Errorf("redis SREM %q: %w", index, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Client) Close() error { return c.rdb.Close() }
