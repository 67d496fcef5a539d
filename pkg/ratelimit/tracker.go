package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit observations.
var (
	aemetRateLimitResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aemet_rate_limit_responses_total",
		Help: "Total number of rate-limited responses observed",
	})

	aemetRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aemet_rate_limit_remaining",
		Help: "Last observed X-RateLimit-Remaining value",
	})

	aemetRateLimitLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aemet_rate_limit_limit",
		Help: "Last observed X-RateLimit-Limit value",
	})

	aemetRateLimitResetTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aemet_rate_limit_reset_timestamp_seconds",
		Help: "Last observed X-RateLimit-Reset as a Unix timestamp",
	})
)

// ErrNoObservation is returned by Last when nothing has been recorded.
var ErrNoObservation = errors.New("no rate limit observation recorded")

// DefaultRetention is how long an observation is kept in Redis.
const DefaultRetention = 24 * time.Hour

// Tracker records rate-limit observations. Redis is optional: without it
// observations are only logged and exported as metrics.
type Tracker struct {
	redis     *redis.Client
	logger    zerolog.Logger
	retention time.Duration
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:     redisClient,
		logger:    logger,
		retention: DefaultRetention,
	}
}

// Observe logs the diagnostics of a throttled response, updates the gauges and
// stores the observation when Redis is configured.
func (t *Tracker) Observe(ctx context.Context, d Diagnostics) error {
	aemetRateLimitResponsesTotal.Inc()

	event := t.logger.Warn()
	if d.ResetAt.IsZero() {
		event = event.Str("reset_at", "unknown")
	} else {
		event = event.Str("reset_at", d.ResetAt.Format("2006-01-02 15:04:05 MST"))
		aemetRateLimitResetTimestamp.Set(float64(d.ResetAt.Unix()))
	}
	if d.RetryAfter > 0 {
		event = event.Dur("retry_after", d.RetryAfter)
	} else {
		event = event.Str("retry_after", "unknown")
	}
	if d.Limit != Unknown {
		event = event.Int("limit", d.Limit)
		aemetRateLimitLimit.Set(float64(d.Limit))
	} else {
		event = event.Str("limit", "unknown")
	}
	if d.Remaining != Unknown {
		event = event.Int("remaining", d.Remaining)
		aemetRateLimitRemaining.Set(float64(d.Remaining))
	} else {
		event = event.Str("remaining", "unknown")
	}
	event.Msg("AEMET rate limit reached")

	if t.redis == nil {
		return nil
	}

	observed, err := json.Marshal(d.ObservedAt)
	if err != nil {
		return fmt.Errorf("marshal observed at: %w", err)
	}

	var reset int64
	if !d.ResetAt.IsZero() {
		reset = d.ResetAt.Unix()
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyLimit, d.Limit, t.retention)
	pipe.Set(ctx, RedisKeyRemaining, d.Remaining, t.retention)
	pipe.Set(ctx, RedisKeyResetTimestamp, reset, t.retention)
	pipe.Set(ctx, RedisKeyRetryAfter, int64(d.RetryAfter/time.Second), t.retention)
	pipe.Set(ctx, RedisKeyLastUpdate, observed, t.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit observation in redis: %w", err)
	}

	return nil
}

// Last returns the most recent observation stored in Redis.
func (t *Tracker) Last(ctx context.Context) (*Diagnostics, error) {
	if t.redis == nil {
		return nil, ErrNoObservation
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoObservation
	}
	if err != nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	var observed time.Time
	if err := json.Unmarshal([]byte(lastUpdateStr), &observed); err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}

	limit, err := t.redis.Get(ctx, RedisKeyLimit).Int()
	if err != nil {
		return nil, fmt.Errorf("get limit: %w", err)
	}

	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Int()
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	reset, err := t.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
	if err != nil {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	retryAfter, err := t.redis.Get(ctx, RedisKeyRetryAfter).Int64()
	if err != nil {
		return nil, fmt.Errorf("get retry after: %w", err)
	}

	d := &Diagnostics{
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfter) * time.Second,
		ObservedAt: observed,
	}
	if reset > 0 {
		d.ResetAt = time.Unix(reset, 0).UTC()
	}

	return d, nil
}
