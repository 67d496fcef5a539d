// Package keypool coordinates a pool of AEMET API keys against a per-key,
// per-minute request quota. Callers lease a key with Acquire, return it with
// Release, and account for further requests under the same lease with
// RecordExtraRequest.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for key leasing.
var (
	keypoolLeasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_keypool_leases_total",
		Help: "Total key leases by pool slot",
	}, []string{"slot"})

	keypoolRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_keypool_requests_total",
		Help: "Total requests accounted against each pool slot",
	}, []string{"slot"})

	keypoolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aemet_keypool_exhausted_total",
		Help: "Total scans that found no eligible key",
	})

	keypoolAcquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aemet_keypool_acquire_wait_seconds",
		Help:    "Time callers spent blocked in Acquire",
		Buckets: []float64{0.001, 0.1, 1, 5, 15, 30, 60, 120},
	})

	keypoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aemet_keypool_in_use",
		Help: "Number of keys currently leased",
	})
)

// Defaults matching the AEMET OpenData quota.
const (
	DefaultRequestsPerMinute = 20
	DefaultPollInterval      = 5 * time.Second
)

var (
	// ErrEmptyPool is returned when a pool is built without keys.
	ErrEmptyPool = errors.New("keypool: no credentials configured")

	// ErrDuplicateCredential is returned when the same key is configured twice.
	ErrDuplicateCredential = errors.New("keypool: duplicate credential")
)

// Config tunes the pool.
type Config struct {
	// RequestsPerMinute is the cap shared by every key.
	RequestsPerMinute int

	// PollInterval is how long Acquire sleeps between scans when every key is
	// leased or at its cap.
	PollInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the AEMET quota configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: DefaultRequestsPerMinute,
		PollInterval:      DefaultPollInterval,
	}
}

// Usage is a copy of one key's bookkeeping.
type Usage struct {
	Credential   string
	InUse        bool
	RequestCount int
	WindowMinute int64
}

type usageRecord struct {
	slot         string
	inUse        bool
	requestCount int
	windowMinute int64
}

// Pool owns the usage records of a fixed, ordered set of keys.
// All reads and writes of the records happen under mu.
type Pool struct {
	mu     sync.Mutex
	order  []string
	usage  map[string]*usageRecord
	config Config
	logger zerolog.Logger
}

// New builds a pool from the configured keys, in configuration order.
func New(credentials []string, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if len(credentials) == 0 {
		return nil, ErrEmptyPool
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	p := &Pool{
		order:  make([]string, 0, len(credentials)),
		usage:  make(map[string]*usageRecord, len(credentials)),
		config: cfg,
		logger: logger.With().Str("component", "keypool").Logger(),
	}

	minute := p.currentMinute()
	for i, cred := range credentials {
		if cred == "" {
			return nil, fmt.Errorf("keypool: credential %d is empty", i+1)
		}
		if _, ok := p.usage[cred]; ok {
			return nil, fmt.Errorf("%w: slot %d", ErrDuplicateCredential, i+1)
		}
		p.order = append(p.order, cred)
		p.usage[cred] = &usageRecord{
			slot:         "key_" + strconv.Itoa(i+1),
			windowMinute: minute,
		}
	}

	p.logger.Debug().
		Int("keys", len(p.order)).
		Int("requests_per_minute", cfg.RequestsPerMinute).
		Msg("Key pool initialised")

	return p, nil
}

// Acquire leases the first eligible key in configuration order. A key is
// eligible when it is not leased and has used fewer than RequestsPerMinute
// requests in the current minute. The lease counts as one request.
//
// When no key is eligible Acquire sleeps PollInterval and rescans until a key
// frees up or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	return p.acquire(ctx, 0)
}

// AcquireAfter is Acquire with the scan starting at the key configured after
// previous, wrapping around. It implements round-robin rotation.
func (p *Pool) AcquireAfter(ctx context.Context, previous string) (string, error) {
	start := 0
	for i, cred := range p.order {
		if cred == previous {
			start = (i + 1) % len(p.order)
			break
		}
	}
	return p.acquire(ctx, start)
}

func (p *Pool) acquire(ctx context.Context, start int) (string, error) {
	began := time.Now()
	waited := false

	for {
		if cred, ok := p.tryLease(start); ok {
			keypoolAcquireWaitSeconds.Observe(time.Since(began).Seconds())
			if waited {
				p.logger.Info().
					Str("slot", p.Slot(cred)).
					Dur("waited", time.Since(began)).
					Msg("Key available after wait")
			}
			return cred, nil
		}

		waited = true
		keypoolExhaustedTotal.Inc()
		p.logger.Warn().
			Dur("poll_interval", p.config.PollInterval).
			Dur("waited", time.Since(began)).
			Msg("All keys leased or at their per-minute cap, waiting")

		timer := time.NewTimer(p.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			keypoolAcquireWaitSeconds.Observe(time.Since(began).Seconds())
			return "", fmt.Errorf("keypool: acquire: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryLease performs one scan under the lock.
func (p *Pool) tryLease(start int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.order)
	for i := 0; i < n; i++ {
		cred := p.order[(start+i)%n]
		rec := p.usage[cred]
		p.resetIfNewMinute(rec)
		if rec.inUse || rec.requestCount >= p.config.RequestsPerMinute {
			continue
		}

		rec.inUse = true
		rec.requestCount++
		keypoolLeasesTotal.WithLabelValues(rec.slot).Inc()
		keypoolRequestsTotal.WithLabelValues(rec.slot).Inc()
		keypoolInUse.Inc()

		p.logger.Debug().
			Str("slot", rec.slot).
			Str("key", Mask(cred)).
			Int("request_count", rec.requestCount).
			Msg("Key leased")
		return cred, true
	}

	return "", false
}

// Release ends the lease on a key. Unknown keys and keys that are not leased
// are ignored.
func (p *Pool) Release(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.usage[credential]
	if !ok || !rec.inUse {
		return
	}
	rec.inUse = false
	keypoolInUse.Dec()

	p.logger.Debug().Str("slot", rec.slot).Str("key", Mask(credential)).Msg("Key released")
}

// RecordExtraRequest counts one more request against a key without leasing
// it. Callers use it for every request after the first under one lease.
func (p *Pool) RecordExtraRequest(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.usage[credential]
	if !ok {
		return
	}
	p.resetIfNewMinute(rec)
	rec.requestCount++
	keypoolRequestsTotal.WithLabelValues(rec.slot).Inc()
}

// Remaining returns how many requests a key has left in the current minute.
func (p *Pool) Remaining(credential string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.usage[credential]
	if !ok {
		return 0
	}
	p.resetIfNewMinute(rec)
	if left := p.config.RequestsPerMinute - rec.requestCount; left > 0 {
		return left
	}
	return 0
}

// Snapshot returns a copy of every usage record in configuration order.
// Windows are reported as stored; they are reset lazily on the next access.
func (p *Pool) Snapshot() []Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Usage, 0, len(p.order))
	for _, cred := range p.order {
		rec := p.usage[cred]
		out = append(out, Usage{
			Credential:   cred,
			InUse:        rec.inUse,
			RequestCount: rec.requestCount,
			WindowMinute: rec.windowMinute,
		})
	}
	return out
}

// Size returns the number of keys in the pool.
func (p *Pool) Size() int {
	return len(p.order)
}

// Limit returns the per-key requests-per-minute cap.
func (p *Pool) Limit() int {
	return p.config.RequestsPerMinute
}

// Slot returns the log-safe name of a key ("key_1", "key_2", ...).
func (p *Pool) Slot(credential string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot(credential)
}

func (p *Pool) slot(credential string) string {
	if rec, ok := p.usage[credential]; ok {
		return rec.slot
	}
	return "unknown"
}

// Mask shortens a credential to its first and last four characters so it can
// be logged.
func Mask(credential string) string {
	if len(credential) <= 8 {
		return strings.Repeat("*", len(credential))
	}
	return credential[:4] + "…" + credential[len(credential)-4:]
}

// resetIfNewMinute must be called with mu held.
func (p *Pool) resetIfNewMinute(rec *usageRecord) {
	minute := p.currentMinute()
	if rec.windowMinute != minute {
		rec.requestCount = 0
		rec.windowMinute = minute
	}
}

func (p *Pool) currentMinute() int64 {
	return p.config.Clock().Unix() / 60
}
