// Package client implements the two-stage AEMET OpenData fetch of the
// municipal daily forecast, signing metadata requests with keys leased from a
// keypool.Pool and retrying transient failures with a fixed backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/cache"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/keypool"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"
)

// Prometheus metrics for AEMET client operations.
var (
	aemetRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_requests_total",
		Help: "Total AEMET requests by stage and status",
	}, []string{"stage", "status"})

	aemetRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aemet_request_duration_seconds",
		Help:    "AEMET request duration in seconds by stage",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"stage"})

	aemetErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_errors_total",
		Help: "Total AEMET fetch errors by class",
	}, []string{"class"})

	aemetRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_retries_total",
		Help: "Total number of backoff waits by error class",
	}, []string{"error_class"})

	aemetBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aemet_backoff_seconds",
		Help:    "Backoff duration by error class",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
	}, []string{"error_class"})

	aemetRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_retry_exhausted_total",
		Help: "Total number of fetches that ran out of metadata attempts by last error class",
	}, []string{"error_class"})

	aemetFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aemet_fetches_total",
		Help: "Total forecast fetches by outcome",
	}, []string{"outcome"})
)

// Defaults for the AEMET OpenData API.
const (
	DefaultBaseURL           = "https://opendata.aemet.es/opendata/api"
	DefaultUserAgent         = "aemet-forecast-etl/1.0"
	DefaultRotationThreshold = 19
	DefaultProgressInterval  = 10 * time.Second
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultCacheTTL          = 6 * time.Hour

	forecastPath = "/prediccion/especifica/municipio/diaria/"
	maxBodyBytes = 16 << 20
)

// Config holds the client configuration.
type Config struct {
	// BaseURL of the OpenData API, without trailing slash.
	BaseURL string

	// UserAgent sent with every request.
	UserAgent string

	// RotationThreshold is the number of metadata requests signed with one
	// key before the session moves to the next key.
	RotationThreshold int

	// MaxAttempts and Backoff form the default RetryPolicy.
	MaxAttempts int
	Backoff     time.Duration

	// ProgressInterval is how often a running backoff logs its progress.
	ProgressInterval time.Duration

	// HTTPTimeout bounds each individual request.
	HTTPTimeout time.Duration

	// CacheTTL is how long downloaded payloads stay cached when a cache is set.
	CacheTTL time.Duration

	// CacheDate is the YYYY-MM-DD part of cache keys. Empty uses Clock.
	CacheDate string

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the AEMET client defaults.
func DefaultConfig() Config {
	policy := DefaultRetryPolicy()
	return Config{
		BaseURL:           DefaultBaseURL,
		UserAgent:         DefaultUserAgent,
		RotationThreshold: DefaultRotationThreshold,
		MaxAttempts:       policy.MaxAttempts,
		Backoff:           policy.Backoff,
		ProgressInterval:  DefaultProgressInterval,
		HTTPTimeout:       DefaultHTTPTimeout,
		CacheTTL:          DefaultCacheTTL,
	}
}

// RetryPolicy returns the configured default retry policy.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.MaxAttempts, Backoff: c.Backoff}
}

// Option customises a Client.
type Option func(*Client)

// WithCache enables the payload cache.
func WithCache(m *cache.Manager) Option {
	return func(c *Client) { c.cache = m }
}

// WithTracker sets the tracker that records stage-2 rate-limit diagnostics.
func WithTracker(t *ratelimit.Tracker) Option {
	return func(c *Client) { c.tracker = t }
}

// WithBackoffHook registers a function called before every backoff wait.
func WithBackoffHook(fn func(BackoffEvent)) Option {
	return func(c *Client) { c.onBackoff = fn }
}

// Client fetches municipal forecasts. It owns one Session and is therefore
// not safe for concurrent use; build one Client per goroutine over a shared
// keypool.Pool.
type Client struct {
	httpClient *http.Client
	session    *Session
	cache      *cache.Manager
	tracker    *ratelimit.Tracker
	onBackoff  func(BackoffEvent)
	config     Config
	logger     zerolog.Logger
}

// New creates a new AEMET client drawing keys from pool.
func New(pool *keypool.Pool, cfg Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("key pool is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	if cfg.RotationThreshold < 1 {
		return nil, fmt.Errorf("rotation_threshold must be >= 1 (got %d)", cfg.RotationThreshold)
	}

	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.MaxAttempts)
	}

	if cfg.Backoff < 0 {
		return nil, fmt.Errorf("backoff must not be negative (got %v)", cfg.Backoff)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger = logger.With().Str("component", "aemet-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		session: newSession(pool, cfg.RotationThreshold, logger),
		config:  cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracker == nil {
		c.tracker = ratelimit.NewTracker(nil, logger)
	}

	return c, nil
}

// FetchForecast fetches one municipality's forecast with the configured
// retry policy.
func (c *Client) FetchForecast(ctx context.Context, municipalityID string) (forecast.Forecast, error) {
	return c.FetchForecastWith(ctx, municipalityID, c.config.RetryPolicy())
}

// FetchForecastWith fetches one municipality's forecast.
//
// Rate-limited (429), failed (500) and unreachable metadata requests are
// retried after policy.Backoff until policy.MaxAttempts is used up. A
// metadata response without datos uses up an attempt without waiting. Any
// other status abandons the fetch. Data downloads are never retried here: a
// 429 logs the rate-limit headers and waits policy.Backoff before giving up.
//
// Every outcome without a forecast is a *FetchError wrapping ErrNoResult.
// Context cancellation is returned as the context error.
func (c *Client) FetchForecastWith(ctx context.Context, municipalityID string, policy RetryPolicy) (forecast.Forecast, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	if f, ok := c.fromCache(ctx, municipalityID); ok {
		aemetFetchesTotal.WithLabelValues("cached").Inc()
		return f, nil
	}

	var last *FetchError
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", municipalityID, err)
		}

		dataURL, err := c.fetchMetadata(ctx, municipalityID)
		if err == nil {
			f, err := c.fetchData(ctx, municipalityID, dataURL, policy)
			c.recordOutcome(err)
			return f, err
		}

		var fe *FetchError
		if !errors.As(err, &fe) {
			return nil, err
		}
		fe.Attempts = attempt
		last = fe
		aemetErrorsTotal.WithLabelValues(string(fe.Class)).Inc()

		if !consumesAttempt(fe.Class) {
			c.logger.Error().
				Err(fe).
				Str("municipality", municipalityID).
				Int("attempt", attempt).
				Msg("Abandoning forecast fetch")
			c.recordOutcome(fe)
			return nil, fe
		}

		c.logger.Warn().
			Err(fe).
			Str("municipality", municipalityID).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Msg("Metadata request failed")

		if !shouldRetry(fe.Class) || attempt == policy.MaxAttempts {
			continue
		}

		if err := c.backoff(ctx, BackoffEvent{
			MunicipalityID: municipalityID,
			Stage:          1,
			Attempt:        attempt,
			Class:          fe.Class,
			Wait:           policy.Backoff,
		}); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", municipalityID, err)
		}
	}

	aemetRetryExhaustedTotal.WithLabelValues(string(last.Class)).Inc()
	c.logger.Error().
		Str("municipality", municipalityID).
		Int("max_attempts", policy.MaxAttempts).
		Str("error_class", string(last.Class)).
		Msg("No forecast after all attempts")

	cause := fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, policy.MaxAttempts)
	if last.Err != nil {
		cause = fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, policy.MaxAttempts, last.Err)
	}
	exhausted := &FetchError{
		MunicipalityID: municipalityID,
		Class:          last.Class,
		Stage:          1,
		StatusCode:     last.StatusCode,
		Attempts:       policy.MaxAttempts,
		Err:            cause,
	}
	c.recordOutcome(exhausted)
	return nil, exhausted
}

type metadataResponse struct {
	Description string `json:"descripcion"`
	Status      int    `json:"estado"`
	Datos       string `json:"datos"`
	Metadatos   string `json:"metadatos"`
}

// fetchMetadata performs stage 1 and returns the datos URL. Failures are
// *FetchError; context and key-lease errors are returned as they are.
func (c *Client) fetchMetadata(ctx context.Context, municipalityID string) (string, error) {
	credential, err := c.session.next(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", municipalityID, err)
	}

	endpoint := c.config.BaseURL + forecastPath + url.PathEscape(municipalityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &FetchError{MunicipalityID: municipalityID, Class: ErrorClassFatal, Stage: 1, Err: fmt.Errorf("create request: %w", err)}
	}
	q := req.URL.Query()
	q.Set("api_key", credential)
	req.URL.RawQuery = q.Encode()

	body, status, _, err := c.do(ctx, req, "1")
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("fetch %s: %w", municipalityID, ctx.Err())
		}
		return "", &FetchError{MunicipalityID: municipalityID, Class: ErrorClassNetwork, Stage: 1, Err: err}
	}

	switch status {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return "", &FetchError{MunicipalityID: municipalityID, Class: ErrorClassRateLimit, Stage: 1, StatusCode: status}
	case http.StatusInternalServerError:
		return "", &FetchError{MunicipalityID: municipalityID, Class: ErrorClassServer, Stage: 1, StatusCode: status}
	default:
		return "", &FetchError{
			MunicipalityID: municipalityID,
			Class:          ErrorClassFatal,
			Stage:          1,
			StatusCode:     status,
			Err:            fmt.Errorf("unexpected status: %s", snippet(body)),
		}
	}

	var meta metadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", &FetchError{MunicipalityID: municipalityID, Class: ErrorClassMalformed, Stage: 1, StatusCode: status, Err: fmt.Errorf("decode metadata: %w", err)}
	}
	if meta.Datos == "" {
		return "", &FetchError{
			MunicipalityID: municipalityID,
			Class:          ErrorClassMalformed,
			Stage:          1,
			StatusCode:     status,
			Err:            fmt.Errorf("%w (estado %d: %s)", ErrMissingDatos, meta.Status, meta.Description),
		}
	}

	return meta.Datos, nil
}

// fetchData performs stage 2.
func (c *Client) fetchData(ctx context.Context, municipalityID, dataURL string, policy RetryPolicy) (forecast.Forecast, error) {
	stage2 := func(class ErrorClass, status int, err error) *FetchError {
		aemetErrorsTotal.WithLabelValues(string(class)).Inc()
		return &FetchError{MunicipalityID: municipalityID, Class: class, Stage: 2, StatusCode: status, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dataURL, nil)
	if err != nil {
		return nil, stage2(ErrorClassStage2, 0, fmt.Errorf("create request: %w", err))
	}

	body, status, header, err := c.do(ctx, req, "2")
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", municipalityID, ctx.Err())
		}
		fe := stage2(ErrorClassStage2, 0, err)
		c.logger.Error().Err(fe).Str("municipality", municipalityID).Msg("Data download failed")
		return nil, fe
	}

	switch status {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		diag, perr := ratelimit.ParseHeaders(header, c.config.Clock())
		if perr != nil {
			c.logger.Warn().Err(perr).Msg("Malformed rate limit headers")
		}
		if err := c.tracker.Observe(ctx, diag); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rate limit observation")
		}
		fe := stage2(ErrorClassRateLimit, status, nil)
		if err := c.backoff(ctx, BackoffEvent{
			MunicipalityID: municipalityID,
			Stage:          2,
			Attempt:        1,
			Class:          ErrorClassRateLimit,
			Wait:           policy.Backoff,
		}); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", municipalityID, err)
		}
		return nil, fe
	default:
		fe := stage2(ErrorClassStage2, status, fmt.Errorf("unexpected status: %s", snippet(body)))
		c.logger.Error().Err(fe).Str("municipality", municipalityID).Msg("Data download failed")
		return nil, fe
	}

	var f forecast.Forecast
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, stage2(ErrorClassMalformed, status, fmt.Errorf("decode forecast: %w", err))
	}
	if len(f) == 0 {
		return nil, stage2(ErrorClassMalformed, status, ErrEmptyForecast)
	}

	c.toCache(ctx, municipalityID, body)
	return f, nil
}

// do executes req and returns its UTF-8 body. AEMET serves ISO-8859-15.
func (c *Client) do(ctx context.Context, req *http.Request, stage string) ([]byte, int, http.Header, error) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	started := time.Now()
	defer func() {
		aemetRequestDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		aemetRequestsTotal.WithLabelValues(stage, "network_error").Inc()
		return nil, 0, nil, redact(err)
	}
	defer resp.Body.Close()

	aemetRequestsTotal.WithLabelValues(stage, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("read body: %w", redact(err))
	}

	body, err := toUTF8(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("decode charset: %w", err)
	}

	c.logger.Debug().
		Str("stage", stage).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("duration", time.Since(started)).
		Msg("AEMET request completed")

	return body, resp.StatusCode, resp.Header, nil
}

func (c *Client) cacheKey(municipalityID string) cache.CacheKey {
	date := c.config.CacheDate
	if date == "" {
		date = c.config.Clock().Format("2006-01-02")
	}
	return cache.CacheKey{MunicipalityID: municipalityID, Date: date}
}

func (c *Client) fromCache(ctx context.Context, municipalityID string) (forecast.Forecast, bool) {
	if c.cache == nil {
		return nil, false
	}

	key := c.cacheKey(municipalityID)
	entry, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("municipality", municipalityID).Msg("Cache get error")
		}
		return nil, false
	}

	var f forecast.Forecast
	if err := json.Unmarshal(entry.Data, &f); err != nil || len(f) == 0 {
		c.logger.Warn().Err(err).Str("municipality", municipalityID).Msg("Dropping unreadable cache entry")
		_ = c.cache.Delete(ctx, key)
		return nil, false
	}

	c.logger.Debug().
		Str("municipality", municipalityID).
		Dur("age", entry.Age()).
		Msg("Forecast served from cache")
	return f, true
}

func (c *Client) toCache(ctx context.Context, municipalityID string, body []byte) {
	if c.cache == nil {
		return
	}
	entry := cache.NewEntry(municipalityID, body, c.config.CacheTTL)
	if err := c.cache.Set(ctx, c.cacheKey(municipalityID), entry); err != nil {
		c.logger.Warn().Err(err).Str("municipality", municipalityID).Msg("Failed to cache forecast")
	}
}

func (c *Client) recordOutcome(err error) {
	var fe *FetchError
	switch {
	case err == nil:
		aemetFetchesTotal.WithLabelValues("success").Inc()
	case errors.As(err, &fe):
		aemetFetchesTotal.WithLabelValues(string(fe.Class)).Inc()
	default:
		aemetFetchesTotal.WithLabelValues("cancelled").Inc()
	}
}

// Session returns the client's key session.
func (c *Client) Session() *Session {
	return c.session
}

// Close releases the session's key back to the pool.
func (c *Client) Close() error {
	c.session.Close()
	return nil
}

// toUTF8 converts an ISO-8859-15 body to UTF-8. Bodies declared or detected
// as UTF-8 pass through.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	charset := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		charset = strings.ToLower(params["charset"])
	}

	switch {
	case charset == "windows-1252":
		return charmap.Windows1252.NewDecoder().Bytes(body)
	case strings.HasPrefix(charset, "iso-8859"), charset == "latin1":
		return charmap.ISO8859_15.NewDecoder().Bytes(body)
	case charset == "" && !utf8.Valid(body):
		return charmap.ISO8859_15.NewDecoder().Bytes(body)
	default:
		return body, nil
	}
}

// redact strips the api_key query parameter from URL errors.
func redact(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	u, perr := url.Parse(ue.URL)
	if perr != nil {
		return &url.Error{Op: ue.Op, URL: "<redacted>", Err: ue.Err}
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
