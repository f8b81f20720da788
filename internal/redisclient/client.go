package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_headroom.lua
var reserveHeadroomScript string

//go:embed scripts/release_headroom.lua
var releaseHeadroomScript string

// Headroom fast-path results
const (
	HeadroomClaimed      = 1
	HeadroomInsufficient = 0
	HeadroomUnknown      = -1
)

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
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
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveHeadroomScript),
		releaseScript: redis.NewScript(releaseHeadroomScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func offerKey(offerID string) string {
	return fmt.Sprintf("offer:%s", offerID)
}

// ReserveHeadroom atomically claims qty kWh of an offer's mirrored
// headroom. Returns HeadroomClaimed, HeadroomInsufficient or
// HeadroomUnknown when the offer is not mirrored and the database must
// decide.
func (c *Client) ReserveHeadroom(ctx context.Context, offerID string, qty float64) (int, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{offerKey(offerID)}, qty).Result()
	if err != nil {
		return HeadroomUnknown, fmt.Errorf("reserve headroom script failed: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return HeadroomUnknown, fmt.Errorf("unexpected script result type")
	}
	return int(code), nil
}

// ReleaseHeadroom returns qty kWh to an offer's mirrored headroom
func (c *Client) ReleaseHeadroom(ctx context.Context, offerID string, qty float64) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{offerKey(offerID)}, qty).Result()
	if err != nil {
		return fmt.Errorf("release headroom script failed: %w", err)
	}
	return nil
}

// InitOfferHeadroom seeds an offer's quantity counters in Redis
func (c *Client) InitOfferHeadroom(ctx context.Context, offerID string, maxKWh, heldKWh float64) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, offerKey(offerID), "max", maxKWh)
	pipe.HSet(ctx, offerKey(offerID), "held", heldKWh)

	_, err := pipe.Exec(ctx)
	return err
}

// GetHeadroom retrieves an offer's mirrored quantity counters
func (c *Client) GetHeadroom(ctx context.Context, offerID string) (maxKWh, heldKWh float64, err error) {
	result, err := c.rdb.HGetAll(ctx, offerKey(offerID)).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, fmt.Errorf("offer %s not mirrored", offerID)
	}

	fmt.Sscanf(result["max"], "%f", &maxKWh)
	fmt.Sscanf(result["held"], "%f", &heldKWh)

	return maxKWh, heldKWh, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
