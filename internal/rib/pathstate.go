package rib

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/route-beacon/rib-engine/internal/event"
	"github.com/route-beacon/rib-engine/internal/metrics"
)

// peerSlot is the binding of one peer for one prefix. hash 0 means
// withdrawn; a slot is never removed once created, so a withdrawal can not
// decay back into "unknown".
type peerSlot struct {
	mu     sync.Mutex
	loaded bool
	hash   PathHash
	writes int
}

// PathState is the per-prefix state machine. Bindings are guarded per peer
// so updates for different peers of the same prefix run in parallel; the
// collector bookkeeping has its own small lock, always taken after a slot
// lock.
type PathState struct {
	prefix netip.Prefix
	env    *Engine

	slots *xsync.MapOf[PeerID, *peerSlot]
	ases  *xsync.MapOf[uint32, struct{}]

	mu sync.Mutex
	// seen holds, per collector, the peers that collector announced and
	// has not withdrawn.
	seen    map[CollectorID]map[PeerID]struct{}
	outaged map[CollectorID]struct{}
	// notified are the origin ASes told about the prefix since the last
	// outage.
	notified map[uint32]struct{}

	visiblePeers atomic.Int64
	lastUpdate   atomic.Int64
}

func newPathState(p netip.Prefix, env *Engine) *PathState {
	return &PathState{
		prefix:   p,
		env:      env,
		slots:    xsync.NewMapOf[PeerID, *peerSlot](),
		ases:     xsync.NewMapOf[uint32, struct{}](),
		seen:     make(map[CollectorID]map[PeerID]struct{}),
		outaged:  make(map[CollectorID]struct{}),
		notified: make(map[uint32]struct{}),
	}
}

func (s *PathState) Prefix() netip.Prefix { return s.prefix }

// AddPath applies an announcement (or RIB entry) of path by peer as seen
// from collector.
func (s *PathState) AddPath(ctx context.Context, path *PathRecord, peer PeerID, collector CollectorID, t time.Time) Classification {
	s.touch(t)
	s.ases.Store(path.Dest, struct{}{})

	key := RouteKey{Prefix: s.prefix, Peer: peer}
	slot := s.slot(peer)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	s.load(ctx, slot, key, collector, peer, t)
	defer s.announce(collector, peer, path.Dest, t)

	if slot.hash == 0 {
		s.visiblePeers.Add(1)
		s.install(slot, key, path, nil, t)
		return New
	}

	previous := s.env.pathByHash(ctx, slot.hash)
	same := slot.hash == path.Hash
	if previous != nil {
		same = previous.Equal(path)
	}
	if same {
		path.Duplicates.Add(1)
		return Duplicate
	}

	// Implicit withdraw of the previous path, then the add.
	if previous != nil {
		previous.Replaced.Add(1)
	}
	s.env.emit(withdrawnEvent(key, t))
	s.wrote(slot, key, t)
	s.install(slot, key, path, previous, t)
	return Changed
}

// ErasePath applies a withdrawal by peer reported by collector. outage is
// true only for the call that leaves the prefix visible from no collector.
// A withdrawal of an already withdrawn binding still counts for the
// reporting collector, so it may raise the outage.
func (s *PathState) ErasePath(ctx context.Context, collector CollectorID, peer PeerID, t time.Time) (outage bool, c Classification) {
	key := RouteKey{Prefix: s.prefix, Peer: peer}
	slot := s.slot(peer)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	s.load(ctx, slot, key, collector, peer, t)

	if slot.hash == 0 {
		return s.withdraw(collector, peer, t), DuplicateWithdraw
	}

	s.touch(t)
	if previous := s.env.pathByHash(ctx, slot.hash); previous != nil {
		s.deactivate(previous, t)
	}
	slot.hash = 0
	s.visiblePeers.Add(-1)
	s.env.Caches.Routes.Add(key, 0)
	s.env.emit(withdrawnEvent(key, t))
	s.wrote(slot, key, t)

	return s.withdraw(collector, peer, t), Withdrawn
}

// GlobalOutage reports whether no collector currently sees the prefix.
func (s *PathState) GlobalOutage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen) == 0
}

func (s *PathState) VisiblePeers() int { return int(s.visiblePeers.Load()) }

func (s *PathState) VisibleCollectors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// KnownCollectors lists the collectors currently seeing the prefix.
func (s *PathState) KnownCollectors() []CollectorID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CollectorID, 0, len(s.seen))
	for c := range s.seen {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (s *PathState) OutagedCollectors() []CollectorID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CollectorID, 0, len(s.outaged))
	for c := range s.outaged {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (s *PathState) KnownASes() []uint32 {
	var out []uint32
	s.ases.Range(func(asn uint32, _ struct{}) bool {
		out = append(out, asn)
		return true
	})
	slices.Sort(out)
	return out
}

// ActivePath reads the in-memory binding for peer without a cold lookup.
func (s *PathState) ActivePath(peer PeerID) (PathHash, bool) {
	slot, ok := s.slots.Load(peer)
	if !ok {
		return 0, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.loaded {
		return 0, false
	}
	return slot.hash, true
}

func (s *PathState) LastUpdate() time.Time {
	ns := s.lastUpdate.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *PathState) touch(t time.Time) {
	s.lastUpdate.Store(t.UnixNano())
}

func (s *PathState) slot(peer PeerID) *peerSlot {
	slot, _ := s.slots.LoadOrCompute(peer, func() *peerSlot { return &peerSlot{} })
	return slot
}

// load fills a slot seen for the first time. A binding that is active in
// the store is adopted: it counts as a visible peer of the reporting
// collector and as a user of its path. Called with slot.mu held.
func (s *PathState) load(ctx context.Context, slot *peerSlot, key RouteKey, collector CollectorID, peer PeerID, t time.Time) {
	if slot.loaded {
		return
	}
	slot.loaded = true
	h, ok := s.env.lookupRoute(ctx, key)
	if !ok || h == 0 {
		return
	}
	slot.hash = h
	s.visiblePeers.Add(1)

	rec := s.env.pathByHash(ctx, h)
	if rec != nil && rec.Active.Add(1) == 1 {
		s.env.emit(newPathEvent(event.KindPathActivated, rec, t))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.see(collector, peer)
	if rec != nil {
		// The origin was counted before the restart.
		s.ases.Store(rec.Dest, struct{}{})
		s.notified[rec.Dest] = struct{}{}
	}
}

// install binds path to the slot. Called with slot.mu held.
func (s *PathState) install(slot *peerSlot, key RouteKey, path, previous *PathRecord, t time.Time) {
	if previous != nil {
		s.deactivate(previous, t)
	}
	slot.hash = path.Hash
	path.Announcements.Add(1)
	if path.Active.Add(1) == 1 {
		s.env.emit(newPathEvent(event.KindPathActivated, path, t))
	}
	s.env.Caches.Routes.Add(key, path.Hash)
	s.env.Caches.RoutingFilter.Add(key.String())
	s.env.emit(announcedEvent(key, path.Hash, t))
	s.wrote(slot, key, t)
}

func (s *PathState) deactivate(p *PathRecord, t time.Time) {
	if p.Active.Add(-1) == 0 {
		s.env.emit(newPathEvent(event.KindPathDeactivated, p, t))
	}
}

// wrote counts a history write and emits a trim when due.
func (s *PathState) wrote(slot *peerSlot, key RouteKey, t time.Time) {
	slot.writes++
	every := s.env.opts.HistoryTrimEvery
	if every > 0 && s.env.opts.HistoryMaxLen > 0 && slot.writes%every == 0 {
		s.env.emit(trimEvent(key, s.env.opts.HistoryMaxLen-1, t))
	}
}

// announce records that collector sees the prefix through peer, and tells
// the registry about origin the first time it appears since the last
// outage.
func (s *PathState) announce(collector CollectorID, peer PeerID, origin uint32, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.see(collector, peer)
	if _, ok := s.notified[origin]; !ok {
		s.notified[origin] = struct{}{}
		s.env.ases.PrefixAnnounced(origin, s.prefix, t)
	}
}

// see is called with s.mu held.
func (s *PathState) see(collector CollectorID, peer PeerID) {
	delete(s.outaged, collector)
	peers, ok := s.seen[collector]
	if !ok {
		peers = make(map[PeerID]struct{})
		s.seen[collector] = peers
	}
	peers[peer] = struct{}{}
}

// withdraw removes peer from collector's view and reports whether this
// left the prefix visible from no collector. The outage notifications are
// sent before it returns.
func (s *PathState) withdraw(collector CollectorID, peer PeerID, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.seen)
	if peers, ok := s.seen[collector]; ok {
		delete(peers, peer)
		if len(peers) > 0 {
			return false
		}
		delete(s.seen, collector)
	}
	s.outaged[collector] = struct{}{}
	if before == 0 || len(s.seen) > 0 {
		return false
	}

	metrics.GlobalOutagesTotal.Inc()
	origins := make([]uint32, 0, len(s.notified))
	for asn := range s.notified {
		origins = append(origins, asn)
	}
	slices.Sort(origins)
	for _, asn := range origins {
		s.env.ases.PrefixWithdrawn(asn, s.prefix, t)
	}
	clear(s.notified)
	return true
}
