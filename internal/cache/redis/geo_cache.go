// Package redis implements the geolocation cache on top of a shared Redis
// instance so several catalog processes reuse each other's lookups.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "geo:"

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	// TTL expires entries. Zero keeps them until evicted by Redis.
	TTL time.Duration
}

// GeoCache stores IP to location strings in Redis.
type GeoCache struct {
	client *goredis.Client
	ttl    time.Duration
}

// New connects and pings Redis.
func New(ctx context.Context, cfg Config) (*GeoCache, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &GeoCache{client: client, ttl: cfg.TTL}, nil
}

// Get returns the cached location for ip.
func (c *GeoCache) Get(ctx context.Context, ip string) (string, bool, error) {
	loc, err := c.client.Get(ctx, KeyPrefix+ip).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return loc, true, nil
}

// Set stores location for ip.
func (c *GeoCache) Set(ctx context.Context, ip, location string) error {
	if err := c.client.Set(ctx, KeyPrefix+ip, location, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *GeoCache) Close(_ context.Context) error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
