package rib

import (
	"github.com/route-beacon/rib-engine/internal/cache"
)

// CacheConfig sizes the approximate filters and bounded caches.
type CacheConfig struct {
	PathFilterCapacity    uint
	RoutingFilterCapacity uint
	FilterFPRate          float64
	PathCacheSize         int
	RouteCacheSize        int
}

// Caches is the shared cache context handed to the engine and the store.
// Filters answer "maybe seen before" without a store round trip; the LRUs
// hold exact values.
type Caches struct {
	// PathFilter holds encoded path content.
	PathFilter *cache.Filter
	// RoutingFilter holds RouteKey strings ever persisted.
	RoutingFilter *cache.Filter
	Paths         *cache.LRU[PathHash, *PathRecord]
	Routes        *cache.LRU[RouteKey, PathHash]
}

func NewCaches(cfg CacheConfig) (*Caches, error) {
	paths, err := cache.NewLRU[PathHash, *PathRecord]("paths", cfg.PathCacheSize)
	if err != nil {
		return nil, err
	}
	routes, err := cache.NewLRU[RouteKey, PathHash]("routes", cfg.RouteCacheSize)
	if err != nil {
		return nil, err
	}
	return &Caches{
		PathFilter:    cache.NewFilter(cfg.PathFilterCapacity, cfg.FilterFPRate),
		RoutingFilter: cache.NewFilter(cfg.RoutingFilterCapacity, cfg.FilterFPRate),
		Paths:         paths,
		Routes:        routes,
	}, nil
}
