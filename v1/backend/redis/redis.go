// Package redis provides lock backends on top of a go-redis client. A single
// Client works as a token backend or as one member of a quorum.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// heldValue marks keys taken through the plain Acquirer capability.
const heldValue = "1"

// Client implements the lock backend capabilities using Redis.
type Client struct {
	client redis.UniversalClient
}

// compile-time interface checks.
var (
	_ mutex.Member   = (*Client)(nil)
	_ mutex.Acquirer = (*Client)(nil)
)

// New returns a backend using the provided client.
func New(client redis.UniversalClient) *Client {
	return &Client{client: client}
}

// SetNX implements mutex.Member.SetNX with SET NX PX.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// DeleteIfEquals implements mutex.Member.DeleteIfEquals with an atomic
// compare-and-delete script.
func (c *Client) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := delScript.Run(ctx, c.client, []string{key}, value).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Acquire implements mutex.Acquirer.Acquire. Keys taken this way never
// expire.
func (c *Client) Acquire(ctx context.Context, key string) (bool, error) {
	return c.SetNX(ctx, key, heldValue, 0)
}

// Release implements mutex.Acquirer.Release.
func (c *Client) Release(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %s: %w", key, err)
	}
	return n == 1, nil
}

// NewMutex returns a token based Mutex guarding name on a single Redis.
func NewMutex(client redis.UniversalClient, name string, acquireTimeout, expireTimeout time.Duration, opts ...mutex.Option) *mutex.LockingMutex {
	return mutex.NewTokenSpinlockMutex(name, mutex.NewSingle(New(client)), acquireTimeout, expireTimeout, opts...)
}
