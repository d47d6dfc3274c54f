package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extract_ratelimit_remaining",
		Help: "Requests remaining in the current provider rate limit window",
	}, []string{"provider"})

	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_ratelimit_blocks_total",
		Help: "Total number of requests held until the provider rate limit window reset",
	}, []string{"provider"})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_ratelimit_throttles_total",
		Help: "Total number of requests delayed because the provider budget is low",
	}, []string{"provider"})
)

const (
	// DefaultThrottleDelay is the delay applied in the warning state.
	DefaultThrottleDelay = 1 * time.Second

	// DefaultMaxWait bounds a single critical-state wait.
	DefaultMaxWait = 2 * time.Minute

	// stateGrace keeps state in Redis a little past its reset time.
	stateGrace = time.Minute
)

// Tracker monitors one provider's rate limit budget and gates requests.
type Tracker struct {
	redis    *redis.Client
	provider string
	logger   zerolog.Logger

	// ThrottleDelay is slept before each request in the warning state.
	ThrottleDelay time.Duration

	// MaxWait caps how long Wait blocks in the critical state.
	MaxWait time.Duration
}

// NewTracker creates a rate limit tracker for provider.
func NewTracker(redisClient *redis.Client, provider string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		provider:      provider,
		logger:        logger.With().Str("provider", provider).Logger(),
		ThrottleDelay: DefaultThrottleDelay,
		MaxWait:       DefaultMaxWait,
	}
}

// GetState retrieves the current state from Redis. Returns a healthy state
// when nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	vals, err := t.redis.MGet(ctx,
		redisKey(t.provider, fieldRemaining),
		redisKey(t.provider, fieldResetAt),
		redisKey(t.provider, fieldLastUpdate),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	if vals[0] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, assuming healthy")
		return &RateLimitState{
			Remaining:  RemainingHealthy,
			ResetAt:    time.Now(),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	var state RateLimitState
	if err := scanInt(vals[0], &state.Remaining); err != nil {
		return nil, fmt.Errorf("parse remaining: %w", err)
	}
	var resetUnix int
	if err := scanInt(vals[1], &resetUnix); err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}
	state.ResetAt = time.Unix(int64(resetUnix), 0)

	if s, ok := vals[2].(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}
	state.UpdateHealth()

	return &state, nil
}

// UpdateFromHeaders records the rate limit information carried by a
// provider response. Responses without rate limit headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, status int, headers http.Header) error {
	state, ok, err := ParseHeaders(status, headers, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return t.store(ctx, state)
}

// stateTTL is how long state with the given reset time stays in Redis. It
// is never shorter than stateGrace, so stale state always expires.
func stateTTL(resetAt, now time.Time) time.Duration {
	ttl := resetAt.Sub(now) + stateGrace
	if ttl < stateGrace {
		return stateGrace
	}
	return ttl
}

func (t *Tracker) store(ctx context.Context, state *RateLimitState) error {
	ttl := stateTTL(state.ResetAt, time.Now())

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, redisKey(t.provider, fieldRemaining), state.Remaining, ttl)
	pipe.Set(ctx, redisKey(t.provider, fieldResetAt), state.ResetAt.Unix(), ttl)
	pipe.Set(ctx, redisKey(t.provider, fieldLastUpdate), lastUpdateJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	rateLimitRemaining.WithLabelValues(t.provider).Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted - requests will wait for reset")
	case state.NeedsThrottling():
		t.logger.Info().
			Int("remaining", state.Remaining).
			Msg("Rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}
	return nil
}

// Wait blocks until a request may be sent. In the critical state it waits
// for the window reset (capped by MaxWait); in the warning state it waits
// ThrottleDelay. Returns ctx.Err() if the context ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	var delay time.Duration
	switch {
	case state.NeedsCriticalBlock():
		delay = state.TimeUntilReset()
		if t.MaxWait > 0 && delay > t.MaxWait {
			delay = t.MaxWait
		}
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait", delay).
			Msg("Rate limit critical - holding request until reset")
		rateLimitBlocksTotal.WithLabelValues(t.provider).Inc()
	case state.NeedsThrottling():
		delay = t.ThrottleDelay
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Dur("wait", delay).
			Msg("Rate limit warning - throttling request")
		rateLimitThrottlesTotal.WithLabelValues(t.provider).Inc()
	default:
		return nil
	}

	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func scanInt(v any, dst *int) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("unexpected value %T", v)
	}
	_, err := fmt.Sscanf(s, "%d", dst)
	return err
}
