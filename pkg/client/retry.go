package client

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the metadata retry loop of one fetch.
type RetryPolicy struct {
	// MaxAttempts is the number of metadata attempts, including the first.
	MaxAttempts int

	// Backoff is the fixed wait after a rate-limited, failed or unreachable
	// metadata request, and after a rate-limited data download.
	Backoff time.Duration
}

// DefaultRetryPolicy returns the AEMET retry policy: three attempts, one minute apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     60 * time.Second,
	}
}

// BackoffEvent is reported to the backoff hook before each wait.
type BackoffEvent struct {
	MunicipalityID string
	Stage          int
	Attempt        int
	Class          ErrorClass
	Wait           time.Duration
}

// backoff blocks for policy.Backoff, logging progress every ProgressInterval.
// It returns early with the context error when ctx is done.
func (c *Client) backoff(ctx context.Context, event BackoffEvent) error {
	aemetRetriesTotal.WithLabelValues(string(event.Class)).Inc()
	aemetBackoffSeconds.WithLabelValues(string(event.Class)).Observe(event.Wait.Seconds())

	c.logger.Warn().
		Str("municipality", event.MunicipalityID).
		Int("stage", event.Stage).
		Int("attempt", event.Attempt).
		Str("error_class", string(event.Class)).
		Dur("backoff", event.Wait).
		Msg("Waiting before next request")

	if c.onBackoff != nil {
		c.onBackoff(event)
	}

	if event.Wait <= 0 {
		return nil
	}

	timer := time.NewTimer(event.Wait)
	defer timer.Stop()

	var progress <-chan time.Time
	if interval := c.config.ProgressInterval; interval > 0 && interval < event.Wait {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		progress = ticker.C
	}

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			c.logger.Warn().
				Str("municipality", event.MunicipalityID).
				Str("error_class", string(event.Class)).
				Msg("Context cancelled during backoff")
			return fmt.Errorf("backoff: %w", ctx.Err())
		case <-timer.C:
			return nil
		case <-progress:
			elapsed := time.Since(started)
			c.logger.Info().
				Str("municipality", event.MunicipalityID).
				Dur("elapsed", elapsed.Round(time.Second)).
				Dur("remaining", (event.Wait - elapsed).Round(time.Second)).
				Msg("Backoff in progress")
		}
	}
}
