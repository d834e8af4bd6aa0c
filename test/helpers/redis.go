// Package helpers holds shared setup for the integration tests.
package helpers

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avacord/internal/ratelimit/store"
)

// GetRedisURL returns the Redis URL used by integration tests.
func GetRedisURL() string {
	if v := os.Getenv("TEST_REDIS_URL"); v != "" {
		return v
	}
	return "redis://127.0.0.1:6379"
}

// IsRedisAvailable reports whether Redis answers a ping.
func IsRedisAvailable() bool {
	opts, err := redis.ParseURL(GetRedisURL())
	if err != nil {
		return false
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// SkipIfRedisUnavailable skips the test without a reachable Redis.
func SkipIfRedisUnavailable(t *testing.T) {
	t.Helper()
	if !IsRedisAvailable() {
		t.Skip("Redis not available at", GetRedisURL(), "- skipping test")
	}
}

// GenerateTestKeyPrefix returns a prefix unique to one test run.
func GenerateTestKeyPrefix(testName string) string {
	return fmt.Sprintf("test:%s:%s:", testName, uuid.NewString())
}

// NewRedisStore opens a store on the test Redis under a unique prefix.
func NewRedisStore(t *testing.T, testName string) *store.RedisStore {
	t.Helper()

	opts, err := redis.ParseURL(GetRedisURL())
	if err != nil {
		t.Fatalf("invalid TEST_REDIS_URL: %v", err)
	}
	cfg := store.DefaultRedisConfig()
	cfg.Address = opts.Addr
	cfg.Password = opts.Password
	cfg.DB = opts.DB
	cfg.Prefix = GenerateTestKeyPrefix(testName)
	cfg.ConnectionRetries = 1

	s, err := store.NewRedisStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
