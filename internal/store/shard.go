package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/route-beacon/rib-engine/internal/event"
	"github.com/route-beacon/rib-engine/internal/metrics"
	"go.uber.org/zap"
)

// Shard is one store instance with its own client, queue and consumer.
type Shard struct {
	id     int
	label  string
	client *redis.Client
	events chan *event.Event
	logger *zap.Logger
}

// consume is the shard's single consumer loop. It batches commands into a
// pipeline and executes it every BatchSize events, on the flush interval
// and on End.
func (s *Shard) consume(l *Log) {
	ctx := context.Background()
	pipe := s.client.Pipeline()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case ev := <-s.events:
			if ev.Kind == event.KindEnd {
				s.flush(ctx, pipe)
				s.logger.Info("shard consumer finished")
				return
			}
			if !l.saving.Load() {
				metrics.EventsDiscardedTotal.Inc()
				continue
			}
			s.queue(ctx, pipe, ev)
			pending++
			if pending >= l.cfg.BatchSize {
				s.flush(ctx, pipe)
				pending = 0
			}
		case <-ticker.C:
			s.flush(ctx, pipe)
			pending = 0
		}
	}
}

// queue translates one event into pipelined commands.
func (s *Shard) queue(ctx context.Context, pipe redis.Pipeliner, ev *event.Event) {
	a := ev.Attrs
	switch ev.Kind {
	case event.KindNewPrefix:
		pipe.SAdd(ctx, KeyPrefixes, a[event.AttrPrefix])
	case event.KindNewPath:
		pipe.HSetNX(ctx, KeyPathIndex, a[event.AttrPath], a[event.AttrPathHash])
		pipe.HSetNX(ctx, KeyPaths, a[event.AttrPathHash], a[event.AttrRecord])
	case event.KindPathActivated:
		pipe.HSet(ctx, KeyPaths, a[event.AttrPathHash], a[event.AttrRecord])
		pipe.SAdd(ctx, KeyActivePaths, a[event.AttrPathHash])
	case event.KindPathDeactivated:
		pipe.HSet(ctx, KeyPaths, a[event.AttrPathHash], a[event.AttrRecord])
		pipe.SRem(ctx, KeyActivePaths, a[event.AttrPathHash])
	case event.KindPathAnnounced:
		route := a[event.AttrRoute]
		pipe.SRem(ctx, KeyInactiveEntries, route)
		pipe.SAdd(ctx, KeyRoutingEntries, route)
		pipe.LPush(ctx, historyPrefix+route, announceEntry(a[event.AttrPathHash], ev.Time))
	case event.KindWithdrawn:
		route := a[event.AttrRoute]
		pipe.LPush(ctx, historyPrefix+route, withdrawEntry(ev.Time))
		pipe.SAdd(ctx, KeyInactiveEntries, route)
		pipe.SRem(ctx, KeyRoutingEntries, route)
	case event.KindAsUpdate:
		pipe.HSet(ctx, KeyASN, a[event.AttrASN], a[event.AttrRecord])
	case event.KindAsPrefixAnnounced:
		pipe.LPush(ctx, asHistoryPrefix+a[event.AttrASN], a[event.AttrPrefix]+":A:"+event.Unix(ev.Time))
	case event.KindAsPrefixWithdrawn:
		pipe.LPush(ctx, asHistoryPrefix+a[event.AttrASN], a[event.AttrPrefix]+":W:"+event.Unix(ev.Time))
	case event.KindLinkUpdate:
		pipe.HSet(ctx, KeyLinks, a[event.AttrLink], a[event.AttrRecord])
	case event.KindTrim:
		last, err := parseIndex(a[event.AttrIndex])
		if err != nil {
			s.logger.Warn("dropping trim with bad index", zap.String("route", a[event.AttrRoute]), zap.Error(err))
			return
		}
		pipe.LTrim(ctx, historyPrefix+a[event.AttrRoute], 0, last)
	default:
		s.logger.Warn("unknown event kind", zap.Stringer("kind", ev.Kind))
	}
}

// flush executes the pending pipeline. Failed commands are logged and
// counted; the consumer carries on with the next batch.
func (s *Shard) flush(ctx context.Context, pipe redis.Pipeliner) {
	metrics.ShardQueueDepth.WithLabelValues(s.label).Set(float64(len(s.events)))
	n := pipe.Len()
	if n == 0 {
		return
	}
	start := time.Now()
	cmds, err := pipe.Exec(ctx)
	metrics.StoreFlushDuration.WithLabelValues(s.label).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	failed := 0
	for _, cmd := range cmds {
		if cerr := cmd.Err(); cerr != nil && !errors.Is(cerr, redis.Nil) {
			failed++
			metrics.StoreErrorsTotal.WithLabelValues(s.label, cmd.Name()).Inc()
		}
	}
	s.logger.Error("pipeline flush failed",
		zap.Int("commands", n),
		zap.Int("failed", failed),
		zap.Error(err),
	)
}
