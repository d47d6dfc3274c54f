// Package client provides the rate-limited HTTP client shared by all
// provider extractors: exponential backoff on throttling responses, typed
// errors, optional Redis-backed conditional caching and shared rate limit
// state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dataset-extractor/pkg/cache"
	"github.com/Sternrassler/dataset-extractor/pkg/logging"
	"github.com/Sternrassler/dataset-extractor/pkg/ratelimit"
)

// Client issues requests against one provider's API.
type Client struct {
	httpClient  *http.Client
	base        *url.URL
	policy      RetryPolicy
	retryable   map[int]bool
	cache       *cache.Manager
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Provider labels logs and metrics (e.g. "dryad").
	Provider string

	// BaseURL is the provider API root (e.g. "https://datadryad.org").
	BaseURL string

	// DefaultHeaders are sent with every request.
	DefaultHeaders map[string]string

	// UserAgent header; a default is used when empty.
	UserAgent string

	// Retry
	MaxRetries           int
	BaseInterval         time.Duration
	BackoffFactor        float64
	MaxInterval          time.Duration
	RetryableStatusCodes []int

	// RetryNetworkErrors also retries transport failures (connection reset,
	// timeout) with the same backoff. Off by default.
	RetryNetworkErrors bool

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// HTTPClient is shared across clients when set; it must be safe for
	// concurrent use. Defaults to a new client.
	HTTPClient *http.Client

	// Redis enables the conditional response cache and shared rate limit
	// tracking. Optional.
	Redis *redis.Client
}

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "dataset-extractor/0.1"

// DefaultConfig returns the retry defaults used for repository APIs:
// 10 retries starting at 5s and doubling, on 429 only.
func DefaultConfig(provider, baseURL string) Config {
	return Config{
		Provider:             provider,
		BaseURL:              baseURL,
		DefaultHeaders:       map[string]string{"Accept": "application/json"},
		UserAgent:            DefaultUserAgent,
		MaxRetries:           10,
		BaseInterval:         5 * time.Second,
		BackoffFactor:        2,
		MaxInterval:          10 * time.Minute,
		RetryableStatusCodes: []int{http.StatusTooManyRequests},
		Timeout:              60 * time.Second,
	}
}

// New creates a new provider client.
func New(cfg Config) (*Client, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.BackoffFactor < 1 {
		return nil, fmt.Errorf("backoff_factor must be >= 1 (got %v)", cfg.BackoffFactor)
	}
	if cfg.BaseInterval < 0 {
		return nil, fmt.Errorf("base_interval must be >= 0 (got %v)", cfg.BaseInterval)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	logger := logging.NewLogger("http-client").With().Str("provider", cfg.Provider).Logger()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	retryable := make(map[int]bool, len(cfg.RetryableStatusCodes))
	for _, code := range cfg.RetryableStatusCodes {
		retryable[code] = true
	}

	c := &Client{
		httpClient: httpClient,
		base:       base,
		policy: RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			BaseInterval:  cfg.BaseInterval,
			BackoffFactor: cfg.BackoffFactor,
			MaxInterval:   cfg.MaxInterval,
		},
		retryable: retryable,
		config:    cfg,
		logger:    logger,
	}

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, cfg.Provider, logger)
	}

	return c, nil
}

// Provider returns the provider label.
func (c *Client) Provider() string {
	return c.config.Provider
}

// Do sends method to path with query params, retrying retryable statuses
// with exponential backoff. It returns the final status and body of a 2xx
// response. Failures are *TransportError or *ProtocolError.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values) (int, []byte, error) {
	reqURL := c.resolve(path, params)
	provider := c.config.Provider

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	var (
		cacheKey cache.CacheKey
		cached   *cache.CacheEntry
	)
	if c.cache != nil && method == http.MethodGet {
		cacheKey = cache.CacheKey{Provider: provider, Path: path, Query: params}
		entry, err := c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("path", path).Msg("Cache get error")
		}
		cached = entry
	}

	var (
		status  int
		body    []byte
		headers http.Header
	)

	attempts, err := retryWithBackoff(ctx, c.policy, func(attempt int) error {
		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return &TransportError{Err: err}
				}
				c.logger.Warn().Err(err).Msg("Rate limit state unavailable")
			}
		}

		s, b, h, err := c.send(ctx, method, reqURL, cached)
		if err != nil {
			errorsTotal.WithLabelValues(provider, string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(provider, "network_error").Inc()
			c.logger.Warn().Err(err).Str("url", reqURL).Int("attempt", attempt+1).Msg("Provider request failed")
			return &TransportError{Err: err}
		}
		requestsTotal.WithLabelValues(provider, strconv.Itoa(s)).Inc()

		if c.rateLimiter != nil {
			if err := c.rateLimiter.UpdateFromHeaders(ctx, s, h); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
			}
		}

		status, body, headers = s, b, h

		if s == http.StatusNotModified && cached != nil {
			return nil
		}
		if s >= 200 && s < 300 {
			return nil
		}

		class := classifyStatus(s, c.retryable)
		errorsTotal.WithLabelValues(provider, string(class)).Inc()
		if class == ErrorClassRateLimit {
			retryAfter, _ := ratelimit.ParseRetryAfter(h.Get("Retry-After"), time.Now())
			return &RateLimitError{StatusCode: s, RetryAfter: retryAfter}
		}
		return &ProtocolError{StatusCode: s, Class: class, Message: snippet(b)}
	}, c.shouldRetry, func(attempt int, delay time.Duration, err error) {
		retriesTotal.WithLabelValues(provider).Inc()
		retryBackoffSeconds.WithLabelValues(provider).Observe(delay.Seconds())
		c.logger.Warn().
			Err(err).
			Str("url", reqURL).
			Int("attempt", attempt+1).
			Int("max_retries", c.policy.MaxRetries).
			Dur("backoff", delay).
			Msg("Retrying provider request after backoff")
	})

	if err != nil {
		return status, nil, c.finalError(method, reqURL, attempts, err)
	}

	if attempts > 1 {
		c.logger.Info().Str("url", reqURL).Int("attempts", attempts).Msg("Request succeeded after retry")
	}

	if status == http.StatusNotModified && cached != nil {
		cache.NotModifiedResponses.WithLabelValues(provider).Inc()
		c.logger.Debug().Str("path", path).Msg("304 Not Modified - using cache")
		if err := c.cache.Revalidated(ctx, cacheKey, cached, headers); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cached response")
		}
		return http.StatusOK, cached.Data, nil
	}

	if c.cache != nil && method == http.MethodGet && status == http.StatusOK {
		entry := cache.NewEntry(status, headers, body)
		if cache.ShouldMakeConditionalRequest(entry) {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
	}

	return status, body, nil
}

// GetJSON issues a GET and decodes the JSON body into v. An undecodable
// body is a *ProtocolError.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, v any) error {
	status, body, err := c.Do(ctx, http.MethodGet, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		errorsTotal.WithLabelValues(c.config.Provider, string(ErrorClassProtocol)).Inc()
		return &ProtocolError{
			Provider:   c.config.Provider,
			Method:     http.MethodGet,
			URL:        c.resolve(path, params),
			StatusCode: status,
			Attempts:   1,
			Class:      ErrorClassProtocol,
			Message:    "malformed JSON body",
			Err:        err,
		}
	}
	return nil
}

// send performs one attempt and reads the whole body.
func (c *Client) send(ctx context.Context, method, reqURL string, cached *cache.CacheEntry) (int, []byte, http.Header, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.config.DefaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if cached != nil && cache.ShouldMakeConditionalRequest(cached) {
		cache.AddConditionalHeaders(req, cached)
	}

	c.logger.Debug().Str("method", method).Str("url", reqURL).Msg("Executing provider request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, resp.Header, nil
}

// shouldRetry decides whether a failed attempt is retried.
func (c *Client) shouldRetry(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return c.config.RetryNetworkErrors
	}
	return false
}

// finalError fills in request context and converts an exhausted
// RateLimitError into a terminal ProtocolError.
func (c *Client) finalError(method, reqURL string, attempts int, err error) error {
	provider := c.config.Provider

	if errors.Is(err, ErrContextCancelled) {
		return &TransportError{Provider: provider, Method: method, URL: reqURL, Attempts: attempts, Err: err}
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		retryExhaustedTotal.WithLabelValues(provider).Inc()
		c.logger.Error().
			Str("url", reqURL).
			Int("attempts", attempts).
			Int("status", rl.StatusCode).
			Msg("Retry attempts exhausted")
		return &ProtocolError{
			Provider:   provider,
			Method:     method,
			URL:        reqURL,
			StatusCode: rl.StatusCode,
			Attempts:   attempts,
			Class:      ErrorClassRateLimit,
			Exhausted:  true,
			Err:        rl,
		}
	}

	var pe *ProtocolError
	if errors.As(err, &pe) {
		pe.Provider, pe.Method, pe.URL, pe.Attempts = provider, method, reqURL, attempts
		c.logger.Error().
			Str("url", reqURL).
			Int("status", pe.StatusCode).
			Str("error_class", string(pe.Class)).
			Msg("Provider request error")
		return pe
	}

	var te *TransportError
	if errors.As(err, &te) {
		te.Provider, te.Method, te.URL, te.Attempts = provider, method, reqURL, attempts
		return te
	}

	return &TransportError{Provider: provider, Method: method, URL: reqURL, Attempts: attempts, Err: err}
}

// resolve joins path and params onto the base URL. Absolute URLs are used
// as given.
func (c *Client) resolve(path string, params url.Values) string {
	var u *url.URL
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		parsed, err := url.Parse(path)
		if err != nil {
			return path
		}
		u = parsed
	} else {
		u = &url.URL{
			Scheme: c.base.Scheme,
			Host:   c.base.Host,
		}
		joined := strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
		// Escaped segments (a DOI inside a path) must survive as-is.
		unescaped, err := url.PathUnescape(joined)
		if err != nil {
			unescaped = joined
		}
		u.Path = unescaped
		u.RawPath = joined
	}

	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}
