// Package cache provides a Redis-backed response cache for provider APIs
// with ETag and Last-Modified support for conditional requests.
//
// Repository APIs charge list and detail requests against the same rate
// budget. Replaying a stored ETag lets a provider answer 304 Not Modified
// for unchanged pages and datasets, and the cached body is reused in place
// of a fresh download.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Provider: "dryad",
//		Path:     "/api/v2/datasets/doi%3A10.5061%2Fdryad.abc",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from the provider
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
//	// after a 200 response:
//	_ = manager.Set(ctx, key, cache.NewEntry(resp.StatusCode, resp.Header, body))
//
// # Metrics
//
//   - extract_cache_hits_total{provider}
//   - extract_cache_misses_total{provider}
//   - extract_cache_not_modified_total{provider}
//   - extract_cache_errors_total{operation}
package cache
