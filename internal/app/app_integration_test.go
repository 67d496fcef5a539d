//go:build integration

package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/aemet-forecast-etl/internal/testutil"
)

// setupRedis starts a Redis container and returns its address.
func setupRedis(t *testing.T) string {
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
	require.NoError(t, err, "start redis container")
	t.Cleanup(func() { container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestIntegration_RunServedFromCache(t *testing.T) {
	mock := testutil.NewMockAEMET(runDay)
	defer mock.Close()

	cfg := testConfig(t, mock.URL())
	cfg.Redis.Addr = setupRedis(t)
	a, out := newTestApp(cfg)

	first, err := a.Run(context.Background(), RunOptions{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 2, first.Succeeded)
	assert.Equal(t, 1, mock.Stage1Count("28079"))

	// Same forecast date: both municipalities come from Redis.
	second, err := a.Run(context.Background(), RunOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Succeeded)
	assert.Equal(t, 1, mock.Stage1Count("28079"))
	assert.Equal(t, 1, mock.Stage2Count("08019"))

	out.Reset()
	require.NoError(t, a.Clean(context.Background(), CleanOptions{WorkDir: t.TempDir(), KeepDictionary: true, Cache: true}))
	assert.Contains(t, out.String(), "purged 2 cached forecasts")

	third, err := a.Run(context.Background(), RunOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, third.Succeeded)
	assert.Equal(t, 2, mock.Stage1Count("28079"), "purged cache forces a fetch")
}

func TestIntegration_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	cfg.Redis.Addr = "127.0.0.1:1"
	a, _ := newTestApp(cfg)

	_, err := a.Run(context.Background(), RunOptions{Limit: 1})
	assert.Error(t, err)
}
