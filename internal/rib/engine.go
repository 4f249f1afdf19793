package rib

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/route-beacon/rib-engine/internal/event"
	"github.com/route-beacon/rib-engine/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrEmptyPath = errors.New("rib: announcement without AS path")

// EventSink accepts audit events. Add may block for backpressure.
type EventSink interface {
	Add(ev *event.Event)
}

// ColdStore answers the confirmatory reads issued after a filter hit.
type ColdStore interface {
	// RoutingEntry returns the path hash of the newest history entry for key
	// when that entry is an announcement; ok is false otherwise.
	RoutingEntry(ctx context.Context, key RouteKey) (h PathHash, ok bool, err error)
	// Path returns nil, nil when the hash is unknown.
	Path(ctx context.Context, h PathHash) (*PathRecord, error)
}

// ASTracker follows prefix ownership per origin AS.
type ASTracker interface {
	PrefixAnnounced(asn uint32, p netip.Prefix, t time.Time)
	PrefixWithdrawn(asn uint32, p netip.Prefix, t time.Time)
	ObservePath(asPath []uint32, t time.Time)
}

type Options struct {
	// HistoryMaxLen bounds a (prefix,peer) history list when trimmed.
	HistoryMaxLen int
	// HistoryTrimEvery emits a trim after this many writes on one key;
	// zero disables trimming.
	HistoryTrimEvery int
}

// Engine is the context shared by the trie, every PathState and the
// dispatcher. It is built once at startup.
type Engine struct {
	Trie   *Trie
	Caches *Caches

	store  ColdStore
	events EventSink
	ases   ASTracker
	opts   Options
	logger *zap.Logger

	pathIDs atomic.Uint64
	resolve singleflight.Group
}

// NewEngine wires the engine. store and ases may be nil.
func NewEngine(caches *Caches, store ColdStore, events EventSink, ases ASTracker, opts Options, logger *zap.Logger) *Engine {
	if ases == nil {
		ases = nopTracker{}
	}
	e := &Engine{
		Caches: caches,
		store:  store,
		events: events,
		ases:   ases,
		opts:   opts,
		logger: logger,
	}
	e.Trie = NewTrie(func(p netip.Prefix) *PathState { return newPathState(p, e) })
	return e
}

// ResumePathIDs makes the next allocated path ID max+1.
func (e *Engine) ResumePathIDs(max uint64) {
	for {
		cur := e.pathIDs.Load()
		if cur >= max || e.pathIDs.CompareAndSwap(cur, max) {
			return
		}
	}
}

func (e *Engine) LastPathID() uint64 { return e.pathIDs.Load() }

// Apply resolves the PathState for m and applies it, annotating m with the
// outcome.
func (e *Engine) Apply(ctx context.Context, m *Message) {
	created, st := e.Trie.LookupOrCreate(m.Prefix)
	if created {
		m.NewPrefix = true
		metrics.TriePrefixes.Inc()
		e.emit(newPrefixEvent(st.Prefix(), m.Time))
	}

	switch m.Kind {
	case KindRIB, KindAnnouncement:
		path, _, err := e.ResolvePath(ctx, m.ASPath, m.Collector, m.Time)
		if err != nil {
			m.Classification = Invalid
			e.logger.Debug("rejecting announcement",
				zap.String("prefix", m.Prefix.String()),
				zap.Uint32("peer", uint32(m.Peer)),
				zap.Error(err),
			)
			break
		}
		m.Path = path
		m.Classification = st.AddPath(ctx, path, m.Peer, m.Collector, m.Time)
	case KindWithdrawal:
		m.GlobalOutage, m.Classification = st.ErasePath(ctx, m.Collector, m.Peer, m.Time)
	default:
		m.Classification = Invalid
	}

	metrics.MessagesTotal.WithLabelValues(m.Kind.String(), m.Classification.String()).Inc()
}

type resolved struct {
	path    *PathRecord
	created bool
}

// ResolvePath returns the shared record for asPath. A record is created,
// and a NewPath event emitted, only when neither the cache nor the store
// knows the content.
func (e *Engine) ResolvePath(ctx context.Context, asPath []uint32, collector CollectorID, t time.Time) (*PathRecord, bool, error) {
	if len(asPath) == 0 {
		return nil, false, ErrEmptyPath
	}
	enc := EncodePath(asPath)
	h := HashPath(enc)
	if p, ok := e.Caches.Paths.Get(h); ok && p.Encoded() == enc {
		return p, false, nil
	}

	v, _, _ := e.resolve.Do(enc, func() (any, error) {
		if p, ok := e.Caches.Paths.Peek(h); ok && p.Encoded() == enc {
			return resolved{path: p}, nil
		}
		if e.store != nil && e.Caches.PathFilter.MightContain(enc) {
			p, err := e.store.Path(ctx, h)
			switch {
			case err != nil:
				metrics.ColdLookupsTotal.WithLabelValues("path", "error").Inc()
				e.logger.Warn("cold path read failed", zap.String("hash", FormatHash(h)), zap.Error(err))
			case p == nil:
				metrics.ColdLookupsTotal.WithLabelValues("path", "miss").Inc()
			case p.Encoded() != enc:
				metrics.ColdLookupsTotal.WithLabelValues("path", "collision").Inc()
				e.logger.Warn("path hash collision",
					zap.String("hash", FormatHash(h)),
					zap.String("stored", p.Encoded()),
					zap.String("incoming", enc),
				)
			default:
				metrics.ColdLookupsTotal.WithLabelValues("path", "hit").Inc()
				e.Caches.Paths.Add(h, p)
				return resolved{path: p}, nil
			}
		}

		p := NewPathRecord(e.pathIDs.Add(1), asPath, collector)
		e.Caches.Paths.Add(h, p)
		e.Caches.PathFilter.Add(enc)
		e.emit(newPathEvent(event.KindNewPath, p, t))
		e.ases.ObservePath(p.ASPath, t)
		return resolved{path: p, created: true}, nil
	})
	r := v.(resolved)
	return r.path, r.created, nil
}

// pathByHash fetches a record for a binding, going to the store on a
// cache miss. It returns nil when the record cannot be found.
func (e *Engine) pathByHash(ctx context.Context, h PathHash) *PathRecord {
	if p, ok := e.Caches.Paths.Get(h); ok {
		return p
	}
	if e.store == nil {
		return nil
	}
	p, err := e.store.Path(ctx, h)
	if err != nil {
		metrics.ColdLookupsTotal.WithLabelValues("path", "error").Inc()
		e.logger.Warn("cold path read failed", zap.String("hash", FormatHash(h)), zap.Error(err))
		return nil
	}
	if p == nil {
		metrics.ColdLookupsTotal.WithLabelValues("path", "miss").Inc()
		return nil
	}
	metrics.ColdLookupsTotal.WithLabelValues("path", "hit").Inc()
	e.Caches.Paths.Add(h, p)
	return p
}

// lookupRoute resolves a binding that is not in memory: the routes cache
// first, then the routing filter and a confirmatory store read. ok is false
// when nothing is known about key.
func (e *Engine) lookupRoute(ctx context.Context, key RouteKey) (PathHash, bool) {
	if h, ok := e.Caches.Routes.Get(key); ok {
		return h, true
	}
	if e.store == nil || !e.Caches.RoutingFilter.MightContain(key.String()) {
		return 0, false
	}
	h, ok, err := e.store.RoutingEntry(ctx, key)
	if err != nil {
		metrics.ColdLookupsTotal.WithLabelValues("route", "error").Inc()
		e.logger.Warn("cold routing entry read failed", zap.String("key", key.String()), zap.Error(err))
		return 0, false
	}
	if !ok {
		metrics.ColdLookupsTotal.WithLabelValues("route", "miss").Inc()
		return 0, false
	}
	metrics.ColdLookupsTotal.WithLabelValues("route", "hit").Inc()
	e.Caches.Routes.Add(key, h)
	return h, true
}

func (e *Engine) emit(ev *event.Event) {
	metrics.EventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	e.events.Add(ev)
}

type nopTracker struct{}

func (nopTracker) PrefixAnnounced(uint32, netip.Prefix, time.Time) {}
func (nopTracker) PrefixWithdrawn(uint32, netip.Prefix, time.Time) {}
func (nopTracker) ObservePath([]uint32, time.Time)                 {}
