//go:build integration

package client

import (
	"context"
	"testing"

	"github.com/Sternrassler/aemet-forecast-etl/internal/testutil"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/cache"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) *redis.Client {
	t.Helper()

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
		t.Fatalf("Failed to get container endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() {
		client.Close()
		redisContainer.Terminate(context.Background())
	})

	return client
}

func TestIntegration_CacheAndRateLimitTracking(t *testing.T) {
	redisClient := setupRedisContainer(t)
	ctx := context.Background()

	mock := testutil.NewMockAEMET(testDate)
	defer mock.Close()
	mock.ScriptStage2("08019", testutil.NewRateLimitResponse(), testutil.NewOKResponse())

	tracker := ratelimit.NewTracker(redisClient, testLogger())
	c, _ := newTestClient(t, mock, []string{"k1"},
		WithCache(cache.NewManager(redisClient)),
		WithTracker(tracker),
	)

	// First fetch hits the stage-2 rate limit.
	if _, err := c.FetchForecast(ctx, "08019"); err == nil {
		t.Fatal("expected a stage-2 rate limit failure")
	}

	last, err := tracker.Last(ctx)
	if err != nil {
		t.Fatalf("tracker.Last() error = %v", err)
	}
	if last.Remaining != 0 || last.Limit != 50 {
		t.Errorf("observation = %+v, want limit 50 remaining 0", last)
	}

	// Second fetch succeeds and is cached; the third never reaches AEMET.
	if _, err := c.FetchForecast(ctx, "08019"); err != nil {
		t.Fatalf("second FetchForecast() error = %v", err)
	}
	if _, err := c.FetchForecast(ctx, "08019"); err != nil {
		t.Fatalf("third FetchForecast() error = %v", err)
	}

	if got := mock.Stage1Count("08019"); got != 2 {
		t.Errorf("metadata requests = %d, want 2", got)
	}
}
