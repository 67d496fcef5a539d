// Package ratelimit reads the rate-limit headers AEMET attaches to throttled
// responses and keeps the last observation for diagnostics.
//
// AEMET answers an over-quota data download with HTTP 429 and, when it feels
// like it, the headers below. The reset header is an epoch-seconds value and
// is always interpreted in UTC.
package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rate-limit response headers.
const (
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
)

// Redis keys for the last observation.
const (
	RedisKeyLimit          = "aemet:rate_limit:limit"
	RedisKeyRemaining      = "aemet:rate_limit:remaining"
	RedisKeyResetTimestamp = "aemet:rate_limit:reset_timestamp"
	RedisKeyRetryAfter     = "aemet:rate_limit:retry_after_seconds"
	RedisKeyLastUpdate     = "aemet:rate_limit:last_update"
)

// Unknown marks a numeric header that was absent.
const Unknown = -1

// Diagnostics is one parsed set of rate-limit headers.
type Diagnostics struct {
	// Limit is X-RateLimit-Limit, or Unknown.
	Limit int `json:"limit"`

	// Remaining is X-RateLimit-Remaining, or Unknown.
	Remaining int `json:"remaining"`

	// ResetAt is X-RateLimit-Reset in UTC. Zero when absent.
	ResetAt time.Time `json:"reset_at"`

	// RetryAfter is Retry-After as a duration. Zero when absent.
	RetryAfter time.Duration `json:"retry_after"`

	// ObservedAt is when the response was received.
	ObservedAt time.Time `json:"observed_at"`
}

// HasHeaders reports whether any rate-limit header was present.
func (d Diagnostics) HasHeaders() bool {
	return d.Limit != Unknown || d.Remaining != Unknown || !d.ResetAt.IsZero() || d.RetryAfter > 0
}

// TimeUntilReset returns the duration from ObservedAt until the window resets.
// Returns 0 if the reset time is unknown or has already passed.
func (d Diagnostics) TimeUntilReset() time.Duration {
	if d.ResetAt.IsZero() {
		return 0
	}
	if until := d.ResetAt.Sub(d.ObservedAt); until > 0 {
		return until
	}
	return 0
}

// IsStale returns true if the observation is older than maxAge.
func (d Diagnostics) IsStale(maxAge time.Duration) bool {
	return time.Since(d.ObservedAt) > maxAge
}

// ParseHeaders extracts the rate-limit headers from h. Malformed headers are
// reported in the returned error while every well-formed header is still
// filled in.
func ParseHeaders(h http.Header, observedAt time.Time) (Diagnostics, error) {
	d := Diagnostics{
		Limit:      Unknown,
		Remaining:  Unknown,
		ObservedAt: observedAt,
	}
	var errs []error

	if v := strings.TrimSpace(h.Get(HeaderLimit)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s header: %w", HeaderLimit, err))
		} else {
			d.Limit = n
		}
	}

	if v := strings.TrimSpace(h.Get(HeaderRemaining)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s header: %w", HeaderRemaining, err))
		} else {
			d.Remaining = n
		}
	}

	if v := strings.TrimSpace(h.Get(HeaderReset)); v != "" {
		reset, err := parseEpoch(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s header: %w", HeaderReset, err))
		} else {
			d.ResetAt = reset
		}
	}

	if v := strings.TrimSpace(h.Get(HeaderRetryAfter)); v != "" {
		wait, err := parseRetryAfter(v, observedAt)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err))
		} else {
			d.RetryAfter = wait
		}
	}

	return d, errors.Join(errs...)
}

// parseEpoch accepts integer or fractional epoch seconds.
func parseEpoch(v string) (time.Time, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC(), nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative delay %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, err
	}
	if wait := at.Sub(now); wait > 0 {
		return wait, nil
	}
	return 0, nil
}
