//go:build integration

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer starts a Redis container for integration testing.
func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		container.Terminate(context.Background())
	})

	return client
}

func TestManager_Integration_TTLExpiry(t *testing.T) {
	client := setupRedisContainer(t)
	manager := NewManager(client)
	ctx := context.Background()

	key := CacheKey{MunicipalityID: "28079", Date: "2025-04-10"}
	if err := manager.Set(ctx, key, NewEntry("28079", []byte(`[]`), 1500*time.Millisecond)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := manager.Get(ctx, key); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	ttl, err := client.TTL(ctx, key.String()).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("redis TTL = %v, want (0, 2s]", ttl)
	}

	time.Sleep(2 * time.Second)

	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after expiry error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Integration_Purge(t *testing.T) {
	client := setupRedisContainer(t)
	manager := NewManager(client)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		id := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format("2006-01-02")
		key := CacheKey{MunicipalityID: "28079", Date: id}
		if err := manager.Set(ctx, key, NewEntry("28079", []byte(`[]`), time.Minute)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	deleted, err := manager.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if deleted != 250 {
		t.Errorf("Purge() = %d, want 250", deleted)
	}
}
