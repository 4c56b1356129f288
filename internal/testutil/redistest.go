package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTest opens a test Redis connection and returns the client plus a
// cleanup function. If REDIS_URL is not set, the test is skipped.
//
// The instance may be shared, so tests must namespace their keys with
// UniqueID and delete what they create.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("redistest: connect: %v", err)
	}

	return rdb, func() { _ = rdb.Close() }
}

// UniqueID returns an identifier unlikely to collide across test runs
// against a shared Redis instance.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, time.Now().UnixNano(), rand.Intn(10000))
}
