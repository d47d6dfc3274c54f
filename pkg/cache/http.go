package cache

import (
	"net/http"
	"time"
)

// DefaultTTL is how long a response is kept when the provider sends no
// Expires header. Extraction jobs typically run daily.
const DefaultTTL = 7 * 24 * time.Hour

// NewEntry builds a cache entry from a response's status, headers and an
// already-read body.
func NewEntry(statusCode int, headers http.Header, body []byte) *CacheEntry {
	entry := &CacheEntry{
		Data:       body,
		ETag:       headers.Get("ETag"),
		StatusCode: statusCode,
		Headers:    headers.Clone(),
		CachedAt:   time.Now(),
		Expires:    expiresAt(headers, time.Now()),
	}

	if lastModStr := headers.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry
}

// expiresAt returns the Expires header time, or now + DefaultTTL when the
// header is absent, unparsable or earlier than that. Provider Expires
// headers are short-lived browser hints; the conditional request decides
// freshness.
func expiresAt(headers http.Header, now time.Time) time.Time {
	fallback := now.Add(DefaultTTL)

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return fallback
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil || expires.Before(fallback) {
		return fallback
	}
	return expires
}

// ShouldMakeConditionalRequest reports whether entry carries a validator.
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match (preferred) or
// If-Modified-Since to req from entry.
func AddConditionalHeaders(req *http.Request, entry *CacheEntry) {
	if entry == nil || req == nil {
		return
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.Format(http.TimeFormat))
	}
}
