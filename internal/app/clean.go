package app

import (
	"context"
	"fmt"

	"github.com/Sternrassler/aemet-forecast-etl/internal/export"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/cache"
)

// CleanOptions configure the clean command.
type CleanOptions struct {
	// WorkDir is scanned for leftover forecast JSON files.
	WorkDir string

	// KeepDictionary leaves the municipality JSON dictionary in place.
	KeepDictionary bool

	// Cache also purges cached forecasts from Redis when it is configured.
	Cache bool
}

// Clean removes files produced by earlier runs and, optionally, the cached
// forecasts.
func (a *App) Clean(ctx context.Context, opts CleanOptions) error {
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}

	var extra []string
	if !opts.KeepDictionary && a.Config.Municipalities.Dictionary != "" {
		extra = append(extra, a.Config.Municipalities.Dictionary)
	}

	removed, err := export.Clean(opts.WorkDir, a.Config.Export.Dir, extra...)
	for _, p := range removed {
		fmt.Fprintf(a.Out, "removed %s\n", p)
	}
	if err != nil {
		return err
	}

	if !opts.Cache {
		return nil
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	if rdb == nil {
		a.Logger.Warn().Msg("redis.addr not configured; no cache to purge")
		return nil
	}
	defer rdb.Close()

	n, err := cache.NewManager(rdb).Purge(ctx)
	if err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	fmt.Fprintf(a.Out, "purged %d cached forecasts\n", n)
	return nil
}
