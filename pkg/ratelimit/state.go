// Package ratelimit tracks provider rate-limit budgets and gates requests.
// It reads the X-RateLimit-Remaining, X-RateLimit-Reset and Retry-After
// headers returned by repository APIs and shares the resulting state
// across extractor processes through Redis.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Redis key prefix for rate limit state storage. Keys are
// "<prefix>:<provider>:<field>".
const RedisKeyPrefix = "extract:ratelimit"

const (
	fieldRemaining  = "remaining"
	fieldResetAt    = "reset_at"
	fieldLastUpdate = "last_update"
)

// Thresholds for rate limit decisions.
const (
	// RemainingCritical blocks requests until the window resets when the
	// remaining budget falls below this value.
	RemainingCritical = 2

	// RemainingWarning throttles requests when the remaining budget falls
	// below this value.
	RemainingWarning = 10

	// RemainingHealthy indicates normal operation.
	RemainingHealthy = 25
)

// epochCutoff separates X-RateLimit-Reset values sent as unix timestamps
// (Zenodo) from values sent as seconds-until-reset.
const epochCutoff = 1_000_000_000

// RateLimitState is the last known rate limit budget of one provider.
type RateLimitState struct {
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was observed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should wait for the reset.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingCritical && s.TimeUntilReset() > 0
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < RemainingWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingHealthy
}

// ParseHeaders derives a state from a provider response. ok is false when
// the response carries no rate limit information.
//
// A 429 with Retry-After yields an exhausted budget that resets after the
// given delay, regardless of the X-RateLimit headers.
func ParseHeaders(status int, headers http.Header, now time.Time) (state *RateLimitState, ok bool, err error) {
	if status == http.StatusTooManyRequests {
		if ra, found := ParseRetryAfter(headers.Get("Retry-After"), now); found {
			s := &RateLimitState{Remaining: 0, ResetAt: now.Add(ra), LastUpdate: now}
			s.UpdateHealth()
			return s, true, nil
		}
	}

	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil, false, nil
	}
	remain, err := strconv.Atoi(strings.TrimSpace(remainStr))
	if err != nil {
		return nil, false, fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetAt := now.Add(time.Minute)
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		reset, err := strconv.ParseInt(strings.TrimSpace(resetStr), 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		if reset >= epochCutoff {
			resetAt = time.Unix(reset, 0)
		} else {
			resetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}

	s := &RateLimitState{Remaining: remain, ResetAt: resetAt, LastUpdate: now}
	s.UpdateHealth()
	return s, true, nil
}

// ParseRetryAfter parses a Retry-After header given either as delay seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func redisKey(provider, field string) string {
	return RedisKeyPrefix + ":" + provider + ":" + field
}
