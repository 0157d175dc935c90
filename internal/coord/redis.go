// Package coord is the Coordination Store: Redis-backed locks with
// compare-and-delete release and a deferred, deduplicated job queue.
package coord

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client wraps a redis.Client with the lock/queue primitives the rest of
// the system needs. It holds no broadcast-domain knowledge.
type Client struct {
	rdb *redis.Client
}

// Options configures the underlying redis.Client.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis and verifies connectivity with a Ping.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Client{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// compareAndDelete removes key only if it still holds token. Mirrors the
// classic "SET NX" / Lua release pattern used for distributed locks.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock attempts to create key with a random token and the given TTL,
// create-if-absent (SET NX PX). Returns the token to present to Unlock and
// whether the lock was acquired.
func (c *Client) Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	acquired, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "lock: SETNX")
	}
	return token, acquired, nil
}

// Unlock releases key only if it still holds token (compare-and-delete),
// so a lock that already expired and was re-acquired by someone else is
// left untouched.
func (c *Client) Unlock(ctx context.Context, key, token string) error {
	if err := compareAndDeleteScript.Run(ctx, c.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "unlock: compare-and-delete")
	}
	return nil
}
