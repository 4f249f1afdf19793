// Package store is the sharded write-behind event log and the cold-read
// side of the RIB store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/route-beacon/rib-engine/internal/event"
	"github.com/route-beacon/rib-engine/internal/metrics"
	"go.uber.org/zap"
)

// Store keys.
const (
	KeyPrefixes        = "PREFIXES"
	KeyPathIndex       = "PATH2ID"
	KeyPaths           = "PATHS"
	KeyActivePaths     = "APATHS"
	KeyRoutingEntries  = "ROUTINGENTRIES"
	KeyInactiveEntries = "INACTIVEROUTINGENTRIES"
	KeyASN             = "ASN"
	KeyLinks           = "LINKS"
	historyPrefix      = "PRE:"
	asHistoryPrefix    = "ASR:"
)

var ErrClosed = errors.New("store: closed")

type Config struct {
	Addrs         []string
	DB            int
	PoolSize      int
	DialTimeout   time.Duration
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	Saving        bool
}

// Log fans events out to one shard per store instance by the event's
// routing hash. Events with the same routing key always reach the same
// shard and are written in the order they were added.
type Log struct {
	shards    []*Shard
	cfg       Config
	saving    atomic.Bool
	done      chan struct{}
	shut      atomic.Bool
	endOnce   sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
	logger    *zap.Logger
}

// New connects every shard. It fails if any shard cannot be reached.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Log, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("store: no addresses configured")
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 125000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	l := &Log{cfg: cfg, logger: logger, done: make(chan struct{})}
	l.saving.Store(cfg.Saving)
	for i, addr := range cfg.Addrs {
		client := redis.NewClient(&redis.Options{
			Addr:        addr,
			DB:          cfg.DB,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			for _, s := range l.shards {
				s.client.Close()
			}
			return nil, fmt.Errorf("connecting to shard %d (%s): %w", i, addr, err)
		}
		l.shards = append(l.shards, &Shard{
			id:     i,
			label:  strconv.Itoa(i),
			client: client,
			events: make(chan *event.Event, cfg.QueueCapacity),
			logger: logger.With(zap.Int("shard", i), zap.String("addr", addr)),
		})
	}
	logger.Info("store shards connected", zap.Int("shards", len(l.shards)))
	return l, nil
}

func (l *Log) Shards() int { return len(l.shards) }

func (l *Log) shardFor(key string) *Shard {
	return l.shards[event.ShardFor(event.RoutingHash(key), len(l.shards))]
}

// Add hands ev to its shard, blocking while the shard queue is full.
// Events added after End are dropped, including a blocked add that End
// overtakes.
func (l *Log) Add(ev *event.Event) {
	select {
	case <-l.done:
		metrics.EventsDiscardedTotal.Inc()
		return
	default:
	}
	select {
	case l.shards[event.ShardFor(ev.Hash, len(l.shards))].events <- ev:
	case <-l.done:
		metrics.EventsDiscardedTotal.Inc()
	}
}

// SetSaving turns persistence on or off. While off, consumers drain their
// queues without writing.
func (l *Log) SetSaving(on bool) {
	l.saving.Store(on)
	l.logger.Info("saving mode changed", zap.Bool("saving", on))
}

func (l *Log) Saving() bool { return l.saving.Load() }

// Start launches one consumer per shard. Calling it again is a no-op.
func (l *Log) Start() {
	l.startOnce.Do(func() {
		for _, s := range l.shards {
			l.wg.Add(1)
			go func(s *Shard) {
				defer l.wg.Done()
				s.consume(l)
			}(s)
		}
	})
}

// Run starts the consumers and waits until every one of them has
// processed End.
func (l *Log) Run() {
	l.Start()
	l.wg.Wait()
}

// End broadcasts the termination marker to every shard once.
func (l *Log) End() {
	l.endOnce.Do(func() {
		close(l.done)
		ev := event.End(time.Now())
		for _, s := range l.shards {
			s.events <- ev
		}
	})
}

// Close ends the log, waits for the consumers and closes the clients.
func (l *Log) Close() error {
	l.End()
	l.Run()
	if l.shut.Swap(true) {
		return nil
	}
	var errs []error
	for _, s := range l.shards {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks every shard.
func (l *Log) Ping(ctx context.Context) error {
	for _, s := range l.shards {
		if err := s.client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("shard %d: %w", s.id, err)
		}
	}
	return nil
}
