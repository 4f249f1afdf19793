package store

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/route-beacon/rib-engine/internal/metrics"
	"github.com/route-beacon/rib-engine/internal/registry"
	"github.com/route-beacon/rib-engine/internal/rib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const scanCount = 1000

type PopulateStats struct {
	Prefixes       int64
	Paths          int64
	ASes           int64
	Links          int64
	Routes         int64
	InactiveRoutes int64
	MaxPathID      uint64
}

type populateCounters struct {
	prefixes, paths, ases, links, routes, inactive atomic.Int64
	maxPathID                                       atomic.Uint64
}

// Populate rebuilds the trie, the registries and the filters from every
// shard in parallel. It must finish before the dispatcher starts.
func (l *Log) Populate(ctx context.Context, engine *rib.Engine, reg *registry.Registry) (PopulateStats, error) {
	start := time.Now()
	var c populateCounters

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range l.shards {
		g.Go(func() error {
			if err := s.populate(gctx, engine, reg, &c); err != nil {
				return fmt.Errorf("populating shard %d: %w", s.id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PopulateStats{}, err
	}

	engine.ResumePathIDs(c.maxPathID.Load())
	stats := PopulateStats{
		Prefixes:       c.prefixes.Load(),
		Paths:          c.paths.Load(),
		ASes:           c.ases.Load(),
		Links:          c.links.Load(),
		Routes:         c.routes.Load(),
		InactiveRoutes: c.inactive.Load(),
		MaxPathID:      c.maxPathID.Load(),
	}
	metrics.PopulateDuration.Set(time.Since(start).Seconds())
	l.logger.Info("populate complete",
		zap.Int64("prefixes", stats.Prefixes),
		zap.Int64("paths", stats.Paths),
		zap.Int64("ases", stats.ASes),
		zap.Int64("links", stats.Links),
		zap.Int64("routes", stats.Routes),
		zap.Int64("inactive_routes", stats.InactiveRoutes),
		zap.Uint64("max_path_id", stats.MaxPathID),
		zap.Duration("took", time.Since(start)),
	)
	return stats, nil
}

func (s *Shard) populate(ctx context.Context, engine *rib.Engine, reg *registry.Registry, c *populateCounters) error {
	err := s.scanSet(ctx, KeyPrefixes, func(v string) error {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			s.logger.Warn("skipping unparseable prefix", zap.String("prefix", v), zap.Error(err))
			return nil
		}
		if created, _ := engine.Trie.LookupOrCreate(p); created {
			metrics.TriePrefixes.Inc()
		}
		c.prefixes.Add(1)
		return nil
	})
	if err != nil {
		return err
	}

	err = s.scanHash(ctx, KeyASN, func(field, value string) error {
		if reg == nil {
			return nil
		}
		if err := reg.RestoreAS(field, value); err != nil {
			s.logger.Warn("skipping AS record", zap.Error(err))
			return nil
		}
		c.ases.Add(1)
		return nil
	})
	if err != nil {
		return err
	}

	err = s.scanHash(ctx, KeyLinks, func(field, value string) error {
		if reg == nil {
			return nil
		}
		if err := reg.RestoreLink(field, value); err != nil {
			s.logger.Warn("skipping link record", zap.Error(err))
			return nil
		}
		c.links.Add(1)
		return nil
	})
	if err != nil {
		return err
	}

	err = s.scanHash(ctx, KeyPaths, func(field, value string) error {
		p, err := rib.DecodePathRecord(value)
		if err != nil {
			s.logger.Warn("skipping path record", zap.String("hash", field), zap.Error(err))
			return nil
		}
		engine.Caches.PathFilter.Add(p.Encoded())
		c.paths.Add(1)
		for {
			cur := c.maxPathID.Load()
			if p.ID <= cur || c.maxPathID.CompareAndSwap(cur, p.ID) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, set := range []struct {
		key string
		n   *atomic.Int64
	}{
		{KeyRoutingEntries, &c.routes},
		{KeyInactiveEntries, &c.inactive},
	} {
		err := s.scanSet(ctx, set.key, func(v string) error {
			engine.Caches.RoutingFilter.Add(v)
			set.n.Add(1)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Shard) scanSet(ctx context.Context, key string, fn func(string) error) error {
	it := s.client.SScan(ctx, key, 0, "", scanCount).Iterator()
	for it.Next(ctx) {
		if err := fn(it.Val()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scanning %s: %w", key, err)
	}
	return nil
}

// scanHash walks a hash; the iterator yields fields and values alternately.
func (s *Shard) scanHash(ctx context.Context, key string, fn func(field, value string) error) error {
	it := s.client.HScan(ctx, key, 0, "", scanCount).Iterator()
	for it.Next(ctx) {
		field := it.Val()
		if !it.Next(ctx) {
			break
		}
		if err := fn(field, it.Val()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scanning %s: %w", key, err)
	}
	return nil
}

type PathStats struct {
	Paths  int64
	Active int64
}

// PathStats sums the path table and the active path set over all shards.
func (l *Log) PathStats(ctx context.Context) (PathStats, error) {
	var st PathStats
	for _, s := range l.shards {
		pipe := s.client.Pipeline()
		n := pipe.HLen(ctx, KeyPaths)
		a := pipe.SCard(ctx, KeyActivePaths)
		if _, err := pipe.Exec(ctx); err != nil {
			return PathStats{}, fmt.Errorf("path stats on shard %d: %w", s.id, err)
		}
		st.Paths += n.Val()
		st.Active += a.Val()
	}
	return st, nil
}

type RoutingStats struct {
	Active   int64
	Inactive int64
}

func (l *Log) RoutingStats(ctx context.Context) (RoutingStats, error) {
	var st RoutingStats
	for _, s := range l.shards {
		pipe := s.client.Pipeline()
		a := pipe.SCard(ctx, KeyRoutingEntries)
		i := pipe.SCard(ctx, KeyInactiveEntries)
		if _, err := pipe.Exec(ctx); err != nil {
			return RoutingStats{}, fmt.Errorf("routing stats on shard %d: %w", s.id, err)
		}
		st.Active += a.Val()
		st.Inactive += i.Val()
	}
	return st, nil
}
