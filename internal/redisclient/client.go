package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/issue_token.lua
var issueTokenScript string

//go:embed scripts/consume_token.lua
var consumeTokenScript string

//go:embed scripts/invalidate_tokens.lua
var invalidateTokensScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

var (
	// ErrTokenNotFound is returned for unknown or expired download tokens
	ErrTokenNotFound = errors.New("download token not found or expired")

	// ErrTokenExhausted is returned once a token has no attempts left
	ErrTokenExhausted = errors.New("download token attempts exhausted")
)

type Client struct {
	rdb              *redis.Client
	issueScript      *redis.Script
	consumeScript    *redis.Script
	invalidateScript *redis.Script
	unlockScript     *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
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
		rdb:              rdb,
		issueScript:      redis.NewScript(issueTokenScript),
		consumeScript:    redis.NewScript(consumeTokenScript),
		invalidateScript: redis.NewScript(invalidateTokensScript),
		unlockScript:     redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func tokenKey(token string) string {
	return fmt.Sprintf("download:token:%s", token)
}

func deliveryTokensKey(deliveryID int64) string {
	return fmt.Sprintf("download:delivery:%d", deliveryID)
}

// IssueToken atomically stores a download token with its payload, attempt budget and TTL,
// and indexes it under the delivery so it can be invalidated later.
// Returns false if the token already exists.
func (c *Client) IssueToken(ctx context.Context, deliveryID int64, token string, payload []byte, maxAttempts int, ttl time.Duration) (bool, error) {
	keys := []string{tokenKey(token), deliveryTokensKey(deliveryID)}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	result, err := c.issueScript.Run(ctx, c.rdb, keys, string(payload), maxAttempts, seconds).Result()
	if err != nil {
		return false, fmt.Errorf("issue token script failed: %w", err)
	}

	ok, isInt := result.(int64)
	if !isInt {
		return false, fmt.Errorf("unexpected script result type")
	}
	return ok == 1, nil
}

// ConsumeToken spends one attempt of a token and returns its payload
func (c *Client) ConsumeToken(ctx context.Context, token string) ([]byte, error) {
	result, err := c.consumeScript.Run(ctx, c.rdb, []string{tokenKey(token)}).Result()
	if err != nil {
		return nil, fmt.Errorf("consume token script failed: %w", err)
	}

	switch v := result.(type) {
	case string:
		return []byte(v), nil
	case int64:
		if v == -2 {
			return nil, ErrTokenExhausted
		}
		return nil, ErrTokenNotFound
	default:
		return nil, fmt.Errorf("unexpected script result type")
	}
}

// InvalidateTokens deletes every token issued for a delivery and returns how many were removed
func (c *Client) InvalidateTokens(ctx context.Context, deliveryID int64) (int, error) {
	result, err := c.invalidateScript.Run(ctx, c.rdb, []string{deliveryTokensKey(deliveryID)}).Result()
	if err != nil {
		return 0, fmt.Errorf("invalidate tokens script failed: %w", err)
	}

	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result type")
	}
	return int(n), nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// GetIdempotencyKey returns the stored value of an idempotency key; found is false when absent
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (value []byte, found bool, err error) {
	value, err = c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// AcquireLock acquires a distributed lock owned by owner
func (c *Client) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), owner, ttl).Result()
}

// ReleaseLock releases a distributed lock if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	return c.unlockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, owner).Err()
}
