package client

import (
	"context"
	"fmt"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/keypool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var aemetKeyRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aemet_key_rotations_total",
	Help: "Total session key rotations by reason",
}, []string{"reason"})

// Rotation reasons.
const (
	rotateThreshold = "threshold"
	rotateQuota     = "quota"
)

// Session holds one lease from the key pool and decides which key signs the
// next metadata request. Every request is counted in the pool: the first by
// Acquire, the rest by RecordExtraRequest. After RotationThreshold requests,
// or when the held key has no quota left this minute, the session releases
// its key and leases the next one in configuration order.
//
// A Session is owned by one Client and is not safe for concurrent use.
type Session struct {
	pool      *keypool.Pool
	threshold int
	logger    zerolog.Logger

	credential string
	requests   int
	rotations  int
}

func newSession(pool *keypool.Pool, threshold int, logger zerolog.Logger) *Session {
	return &Session{
		pool:      pool,
		threshold: threshold,
		logger:    logger,
	}
}

// next returns the key to sign one request with, accounting for it.
// It blocks while the pool has no eligible key.
func (s *Session) next(ctx context.Context) (string, error) {
	switch {
	case s.credential == "":
		cred, err := s.pool.Acquire(ctx)
		if err != nil {
			return "", fmt.Errorf("lease key: %w", err)
		}
		s.credential = cred
		s.requests = 1
		s.logger.Debug().Str("slot", s.pool.Slot(cred)).Msg("Session leased key")

	case s.requests >= s.threshold:
		if err := s.rotate(ctx, rotateThreshold); err != nil {
			return "", err
		}

	case s.pool.Remaining(s.credential) == 0:
		if err := s.rotate(ctx, rotateQuota); err != nil {
			return "", err
		}

	default:
		s.pool.RecordExtraRequest(s.credential)
		s.requests++
	}

	return s.credential, nil
}

func (s *Session) rotate(ctx context.Context, reason string) error {
	previous := s.credential
	s.pool.Release(previous)
	s.credential = ""
	s.requests = 0

	cred, err := s.pool.AcquireAfter(ctx, previous)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}

	s.credential = cred
	s.requests = 1
	s.rotations++
	aemetKeyRotationsTotal.WithLabelValues(reason).Inc()

	s.logger.Info().
		Str("from", s.pool.Slot(previous)).
		Str("to", s.pool.Slot(cred)).
		Str("reason", reason).
		Msg("Rotating API key")

	return nil
}

// Credential returns the leased key, or "" when the session holds none.
func (s *Session) Credential() string {
	return s.credential
}

// Requests returns the number of requests made under the current lease.
func (s *Session) Requests() int {
	return s.requests
}

// Rotations returns how many times the session switched keys.
func (s *Session) Rotations() int {
	return s.rotations
}

// Close releases the held key, if any.
func (s *Session) Close() {
	if s.credential == "" {
		return
	}
	s.pool.Release(s.credential)
	s.logger.Debug().Str("slot", s.pool.Slot(s.credential)).Msg("Session released key")
	s.credential = ""
	s.requests = 0
}
