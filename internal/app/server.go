package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/keypool"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/metrics"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/ratelimit"
)

// Health is the /health response body.
type Health struct {
	Status            string                 `json:"status"`
	Keys              int                    `json:"keys"`
	KeysInUse         int                    `json:"keys_in_use"`
	RequestsPerMinute int                    `json:"requests_per_minute"`
	RateLimit         *ratelimit.Diagnostics `json:"rate_limit,omitempty"`
}

func (a *App) newMux(pool *keypool.Pool, tracker *ratelimit.Tracker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(pool, tracker))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthHandler(pool *keypool.Pool, tracker *ratelimit.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := Health{Status: "ok", Keys: pool.Size(), RequestsPerMinute: pool.Limit()}
		for _, u := range pool.Snapshot() {
			if u.InUse {
				h.KeysInUse++
			}
		}
		if last, err := tracker.Last(r.Context()); err == nil {
			h.RateLimit = last
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(h)
	}
}

// startServer serves handler on server.addr until the returned stop
// function is called.
func (a *App) startServer(handler http.Handler) (stop func()) {
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("Serving /health and /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Str("addr", srv.Addr).Msg("Health server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Health server shutdown")
		}
	}
}
