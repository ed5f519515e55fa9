package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseLockScript deletes the lock only while it still holds the caller's token
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Client stores browser-scoped state: a local storage area (no expiry) and a
// cookie area (per-key expiry), both keyed by session id.
type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func localKey(sid, key string) string {
	return fmt.Sprintf("storage:%s:%s", sid, key)
}

func cookieKey(sid, name string) string {
	return fmt.Sprintf("cookie:%s:%s", sid, name)
}

// GetItem reads a local storage entry. ok is false when the key is absent.
func (c *Client) GetItem(ctx context.Context, sid, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, localKey(sid, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get item %s: %w", key, err)
	}
	return val, true, nil
}

// SetItem writes a local storage entry, replacing any previous value
func (c *Client) SetItem(ctx context.Context, sid, key, value string) error {
	if err := c.rdb.Set(ctx, localKey(sid, key), value, 0).Err(); err != nil {
		return fmt.Errorf("set item %s: %w", key, err)
	}
	return nil
}

// RemoveItem deletes a local storage entry
func (c *Client) RemoveItem(ctx context.Context, sid, key string) error {
	if err := c.rdb.Del(ctx, localKey(sid, key)).Err(); err != nil {
		return fmt.Errorf("remove item %s: %w", key, err)
	}
	return nil
}

// GetCookie reads a cookie; expired cookies are absent
func (c *Client) GetCookie(ctx context.Context, sid, name string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, cookieKey(sid, name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cookie %s: %w", name, err)
	}
	return val, true, nil
}

// SetCookie writes a cookie that expires after ttl
func (c *Client) SetCookie(ctx context.Context, sid, name, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, cookieKey(sid, name), value, ttl).Err(); err != nil {
		return fmt.Errorf("set cookie %s: %w", name, err)
	}
	return nil
}

// DeleteCookie removes a cookie
func (c *Client) DeleteCookie(ctx context.Context, sid, name string) error {
	if err := c.rdb.Del(ctx, cookieKey(sid, name)).Err(); err != nil {
		return fmt.Errorf("delete cookie %s: %w", name, err)
	}
	return nil
}

// AcquireLock acquires a distributed lock. The returned token must be passed
// to ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it. A lock that
// expired and was taken by someone else is left alone.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
}
