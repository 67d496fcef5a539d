package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
	"github.com/rs/zerolog"
)

// FetcherFactory builds the fetcher for one shard. The returned close
// function is called when the shard is done.
type FetcherFactory func(shard int) (Fetcher, func() error, error)

// ParallelConfig holds parallel runner configuration.
type ParallelConfig struct {
	// Workers is the number of shards processed concurrently.
	Workers int

	// Runner configures each shard's sequential runner.
	Runner Config
}

// DefaultParallelConfig returns a single-worker configuration.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Workers: 1,
		Runner:  DefaultConfig(),
	}
}

// ParallelRunner processes contiguous shards of the entity list concurrently.
type ParallelRunner struct {
	newFetcher FetcherFactory
	config     ParallelConfig
	logger     zerolog.Logger
}

// NewParallelRunner creates a parallel runner.
func NewParallelRunner(newFetcher FetcherFactory, config ParallelConfig, logger zerolog.Logger) *ParallelRunner {
	if config.Workers <= 0 {
		config.Workers = 1
	}

	return &ParallelRunner{
		newFetcher: newFetcher,
		config:     config,
		logger:     logger.With().Str("component", "batch-runner").Logger(),
	}
}

type shardResult struct {
	index  int
	result forecast.BatchResult
	err    error
}

// Run splits entities into Workers contiguous shards and runs them
// concurrently. Results are merged in shard order, so both lists keep input
// order. A shard whose fetcher cannot be built marks all its entities failed.
// Like Runner.Run, a cancelled context yields the partial result and the
// context error.
func (p *ParallelRunner) Run(ctx context.Context, entities []forecast.Entity) (forecast.BatchResult, error) {
	start := time.Now()
	shards := split(entities, p.config.Workers)

	p.logger.Info().
		Int("entities", len(entities)).
		Int("workers", len(shards)).
		Msg("Starting parallel batch")

	results := make(chan shardResult, len(shards))

	var wg sync.WaitGroup
	for i, shard := range shards {
		wg.Add(1)
		go p.worker(ctx, i, shard, results, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]shardResult, len(shards))
	for r := range results {
		ordered[r.index] = r
	}

	merged := forecast.BatchResult{
		Succeeded: make([]forecast.Record, 0, len(entities)),
		Failed:    make([]forecast.Entity, 0),
	}
	var errs []error
	for _, r := range ordered {
		merged.Succeeded = append(merged.Succeeded, r.result.Succeeded...)
		merged.Failed = append(merged.Failed, r.result.Failed...)
		if r.err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", r.index, r.err))
		}
	}

	p.logger.Info().
		Int("succeeded", len(merged.Succeeded)).
		Int("failed", len(merged.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Parallel batch complete")

	return merged, errors.Join(errs...)
}

func (p *ParallelRunner) worker(ctx context.Context, index int, shard []forecast.Entity, results chan<- shardResult, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With().Int("worker_id", index).Logger()

	fetcher, closeFetcher, err := p.newFetcher(index)
	if err != nil {
		logger.Error().Err(err).Int("entities", len(shard)).Msg("Failed to build fetcher, marking shard failed")
		batchEntitiesTotal.WithLabelValues("failed").Add(float64(len(shard)))
		results <- shardResult{
			index:  index,
			result: forecast.BatchResult{Failed: append([]forecast.Entity(nil), shard...)},
		}
		return
	}
	defer func() {
		if closeFetcher == nil {
			return
		}
		if err := closeFetcher(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close fetcher")
		}
	}()

	runner := NewRunner(fetcher, p.config.Runner, logger)
	result, err := runner.Run(ctx, shard)

	logger.Debug().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("Worker completed")

	results <- shardResult{index: index, result: result, err: err}
}

// split cuts entities into at most n contiguous shards whose sizes differ by
// at most one, larger shards first.
func split(entities []forecast.Entity, n int) [][]forecast.Entity {
	if len(entities) == 0 {
		return nil
	}
	if n > len(entities) {
		n = len(entities)
	}

	shards := make([][]forecast.Entity, 0, n)
	size, extra := len(entities)/n, len(entities)%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + size
		if i < extra {
			end++
		}
		shards = append(shards, entities[start:end])
		start = end
	}
	return shards
}
