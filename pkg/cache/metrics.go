package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by provider
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extract_cache_hits_total",
			Help: "Total number of provider response cache hits",
		},
		[]string{"provider"},
	)

	// CacheMisses tracks cache misses by provider
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extract_cache_misses_total",
			Help: "Total number of provider response cache misses",
		},
		[]string{"provider"},
	)

	// NotModifiedResponses tracks 304 responses served from cache
	NotModifiedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extract_cache_not_modified_total",
			Help: "Total number of 304 Not Modified responses answered from cache",
		},
		[]string{"provider"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extract_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
