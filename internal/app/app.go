// Package app wires configuration into the forecast pipeline and backs the
// CLI commands.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/aemet-forecast-etl/internal/config"
	"github.com/Sternrassler/aemet-forecast-etl/internal/ledger"
	"github.com/Sternrassler/aemet-forecast-etl/internal/municipality"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/batch"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/cache"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/client"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/keypool"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/ratelimit"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// Out receives human-readable reports. Defaults to os.Stdout.
	Out io.Writer

	// base is the logger handed to subsystems, which add their own component.
	base zerolog.Logger
	now  func() time.Time
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
		base:   logger,
		now:    time.Now,
	}
}

// ForecastDate returns today's date in the configured timezone.
func (a *App) ForecastDate() time.Time {
	now := a.now().In(a.Config.Location())
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func (a *App) loadDictionary(rebuild bool) (*municipality.Dictionary, error) {
	return municipality.Load(
		a.Config.Municipalities.Spreadsheet,
		a.Config.Municipalities.Dictionary,
		rebuild,
		a.base,
	)
}

func (a *App) newPool() (*keypool.Pool, error) {
	keys, err := a.Config.Credentials()
	if err != nil {
		return nil, err
	}

	return keypool.New(keys, keypool.Config{
		RequestsPerMinute: a.Config.AEMET.RequestsPerMinute,
		PollInterval:      a.Config.AEMET.PollInterval,
	}, a.base)
}

// openRedis connects to Redis when an address is configured. A nil client
// means caching and rate-limit storage are disabled.
func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.Config.Redis.Addr, err)
	}

	a.Logger.Info().Str("addr", a.Config.Redis.Addr).Msg("Connected to Redis")
	return rdb, nil
}

func (a *App) openLedger() (*ledger.Ledger, error) {
	if a.Config.Ledger.Path == "" {
		return nil, nil
	}
	l, err := ledger.Open(a.Config.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}

func (a *App) clientConfig(date time.Time) client.Config {
	cfg := client.DefaultConfig()
	cfg.BaseURL = a.Config.AEMET.BaseURL
	cfg.UserAgent = a.Config.AEMET.UserAgent
	cfg.RotationThreshold = a.Config.AEMET.RotationThreshold
	cfg.MaxAttempts = a.Config.AEMET.MaxAttempts
	cfg.Backoff = a.Config.AEMET.Backoff
	cfg.ProgressInterval = a.Config.AEMET.ProgressInterval
	cfg.HTTPTimeout = a.Config.AEMET.HTTPTimeout
	if a.Config.Redis.CacheTTL > 0 {
		cfg.CacheTTL = a.Config.Redis.CacheTTL
	}
	cfg.CacheDate = date.Format("2006-01-02")
	return cfg
}

// fetchers bundles what every shard's client shares.
type fetchers struct {
	pool    *keypool.Pool
	tracker *ratelimit.Tracker
	cache   *cache.Manager
	config  client.Config
	logger  zerolog.Logger
}

func (f *fetchers) newClient() (*client.Client, error) {
	opts := []client.Option{client.WithTracker(f.tracker)}
	if f.cache != nil {
		opts = append(opts, client.WithCache(f.cache))
	}
	return client.New(f.pool, f.config, f.logger, opts...)
}

// factory builds one client per shard over the shared pool.
func (f *fetchers) factory(shard int) (batch.Fetcher, func() error, error) {
	c, err := f.newClient()
	if err != nil {
		return nil, nil, fmt.Errorf("shard %d client: %w", shard, err)
	}
	return c, c.Close, nil
}
