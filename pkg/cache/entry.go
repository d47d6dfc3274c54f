package cache

import (
	"net/http"
	"time"
)

// CacheEntry is a cached provider response.
type CacheEntry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag"`

	// Expires is when the entry is dropped from the cache
	Expires time.Time `json:"expires"`

	// LastModified from the Last-Modified header (If-Modified-Since)
	LastModified time.Time `json:"last_modified"`

	// StatusCode of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// CachedAt is when the body was fetched
	CachedAt time.Time `json:"cached_at"`

	// RevalidatedAt is the time of the last 304 for this entry
	RevalidatedAt time.Time `json:"revalidated_at,omitempty"`

	// Revalidations counts 304 responses served from this entry
	Revalidations int `json:"revalidations,omitempty"`
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// Refresh applies the headers of a 304 Not Modified response: a new ETag
// or Last-Modified replaces the stored validator and the expiry restarts.
// The body is kept.
func (e *CacheEntry) Refresh(headers http.Header, now time.Time) {
	if etag := headers.Get("ETag"); etag != "" {
		e.ETag = etag
	}
	if lm := headers.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			e.LastModified = t
		}
	}
	e.Expires = expiresAt(headers, now)
	e.RevalidatedAt = now
	e.Revalidations++
}

// Age returns how long ago the body was fetched.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
