//go:build integration

package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestTracker_Integration_HeadersRoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	tracker := NewTracker(redisClient, zerolog.New(os.Stderr).Level(zerolog.Disabled))

	h := http.Header{}
	h.Set(HeaderLimit, "50")
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderReset, "1744272060")

	d, err := ParseHeaders(h, time.Now())
	if err != nil {
		t.Fatalf("ParseHeaders() error = %v", err)
	}
	if err := tracker.Observe(ctx, d); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	got, err := tracker.Last(ctx)
	if err != nil {
		t.Fatalf("Last() error = %v", err)
	}
	if got.Remaining != 0 || got.Limit != 50 {
		t.Errorf("Last() = %d/%d, want 50/0", got.Limit, got.Remaining)
	}
	if got.ResetAt.Unix() != 1744272060 {
		t.Errorf("ResetAt = %d, want 1744272060", got.ResetAt.Unix())
	}

	ttl, err := redisClient.TTL(ctx, RedisKeyLastUpdate).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > DefaultRetention {
		t.Errorf("TTL = %v, want (0, %v]", ttl, DefaultRetention)
	}
}
