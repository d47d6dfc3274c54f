package cache

import (
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies a cached provider response.
type CacheKey struct {
	// Provider is the provider tag (e.g. "zenodo")
	Provider string

	// Path is the request path relative to the provider base URL
	Path string

	// Query are the request query parameters
	Query url.Values
}

// String generates a deterministic cache key string.
// Format: extract:cache:provider:path:query1=val1:query2=val2
//
// Example:
//
//	extract:cache:dryad:api/v2/search:affiliation=https://ror.org/00f54p054:page=2:per_page=100
func (k CacheKey) String() string {
	parts := []string{"extract", "cache", k.Provider}

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	if len(k.Query) > 0 {
		keys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, key+"="+strings.Join(k.Query[key], ","))
		}
	}

	return strings.Join(parts, ":")
}
