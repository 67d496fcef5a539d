package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch runs.
var (
	batchEntitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_batch_entities_total",
		Help: "Total municipalities processed by outcome",
	}, []string{"outcome"})

	batchAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aemet_batch_attempts_total",
		Help: "Total entity-level fetch attempts",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aemet_batch_duration_seconds",
		Help:    "Duration of batch runs in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

// ErrEmptyResult is recorded when a fetch returns no error and no forecast.
var ErrEmptyResult = errors.New("fetch returned an empty forecast")

// Fetcher fetches one municipality's forecast. *client.Client implements it.
type Fetcher interface {
	FetchForecast(ctx context.Context, municipalityID string) (forecast.Forecast, error)
}

// Config holds runner configuration.
type Config struct {
	// Attempts is the number of fetches per entity before it is marked failed.
	Attempts int

	// RetryDelay is an optional pause between attempts of the same entity.
	RetryDelay time.Duration
}

// DefaultConfig returns three attempts per entity with no extra delay.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
	}
}

// Runner processes entities sequentially.
type Runner struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// NewRunner creates a sequential runner.
func NewRunner(fetcher Fetcher, config Config, logger zerolog.Logger) *Runner {
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}

	return &Runner{
		fetcher: fetcher,
		config:  config,
		logger:  logger.With().Str("component", "batch-runner").Logger(),
	}
}

// Run fetches every entity in order. Entities whose attempts all fail are
// appended to Failed and the run continues. When ctx is done Run stops and
// returns the partial result with the context error; the entity in progress
// and those after it appear in neither list.
func (r *Runner) Run(ctx context.Context, entities []forecast.Entity) (forecast.BatchResult, error) {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	result := forecast.BatchResult{
		Succeeded: make([]forecast.Record, 0, len(entities)),
		Failed:    make([]forecast.Entity, 0),
	}

	for i, entity := range entities {
		r.logger.Info().
			Int("index", i+1).
			Int("total", len(entities)).
			Str("municipality", entity.ID).
			Str("name", entity.Name).
			Msg("Processing municipality")

		record, ok, err := r.process(ctx, entity)
		if err != nil {
			r.logger.Warn().
				Err(err).
				Int("succeeded", len(result.Succeeded)).
				Int("failed", len(result.Failed)).
				Int("remaining", len(entities)-i).
				Msg("Batch cancelled - returning partial result")
			return result, fmt.Errorf("batch cancelled at %d/%d: %w", i+1, len(entities), err)
		}

		if ok {
			result.Succeeded = append(result.Succeeded, record)
			batchEntitiesTotal.WithLabelValues("succeeded").Inc()
			continue
		}

		result.Failed = append(result.Failed, entity)
		batchEntitiesTotal.WithLabelValues("failed").Inc()
	}

	r.logger.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return result, nil
}

// process runs the attempt loop for one entity. It returns an error only for
// context cancellation.
func (r *Runner) process(ctx context.Context, entity forecast.Entity) (forecast.Record, bool, error) {
	for attempt := 1; attempt <= r.config.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return forecast.Record{}, false, err
		}

		batchAttemptsTotal.Inc()
		f, err := r.fetch(ctx, entity.ID)
		if err == nil && len(f) == 0 {
			err = ErrEmptyResult
		}

		if err == nil {
			f.StripTransient()
			return forecast.Record{
				MunicipalityID: entity.ID,
				Name:           entity.Name,
				Forecast:       f,
			}, true, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil && isContextError(err) {
			return forecast.Record{}, false, ctxErr
		}

		if attempt == r.config.Attempts {
			r.logger.Error().
				Err(err).
				Str("municipality", entity.ID).
				Str("name", entity.Name).
				Int("attempts", attempt).
				Msg("Municipality failed")
			break
		}

		r.logger.Warn().
			Err(err).
			Str("municipality", entity.ID).
			Int("attempt", attempt).
			Int("max_attempts", r.config.Attempts).
			Msg("Fetch attempt failed, retrying municipality")

		if err := sleep(ctx, r.config.RetryDelay); err != nil {
			return forecast.Record{}, false, err
		}
	}

	return forecast.Record{}, false, nil
}

// fetch calls the fetcher, turning a panic into an error so one bad entity
// cannot take down the batch.
func (r *Runner) fetch(ctx context.Context, id string) (f forecast.Forecast, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("fetcher panic: %v", p)
		}
	}()
	return r.fetcher.FetchForecast(ctx, id)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
