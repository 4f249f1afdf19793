package rib

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/route-beacon/rib-engine/internal/event"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *recordingSink) Add(ev *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []event.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Kind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func (s *recordingSink) count(k event.Kind) int {
	n := 0
	for _, got := range s.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type fakeStore struct {
	mu         sync.Mutex
	routes     map[RouteKey]PathHash
	paths      map[PathHash]*PathRecord
	routeReads int
	err        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		routes: make(map[RouteKey]PathHash),
		paths:  make(map[PathHash]*PathRecord),
	}
}

func (f *fakeStore) RoutingEntry(_ context.Context, key RouteKey) (PathHash, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routeReads++
	if f.err != nil {
		return 0, false, f.err
	}
	h, ok := f.routes[key]
	return h, ok, nil
}

func (f *fakeStore) Path(_ context.Context, h PathHash) (*PathRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.paths[h], nil
}

type asNote struct {
	asn       uint32
	prefix    netip.Prefix
	withdrawn bool
}

type fakeTracker struct {
	mu    sync.Mutex
	notes []asNote
	paths int
}

func (f *fakeTracker) PrefixAnnounced(asn uint32, p netip.Prefix, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, asNote{asn: asn, prefix: p})
}

func (f *fakeTracker) PrefixWithdrawn(asn uint32, p netip.Prefix, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, asNote{asn: asn, prefix: p, withdrawn: true})
}

func (f *fakeTracker) ObservePath([]uint32, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths++
}

func (f *fakeTracker) withdrawals() map[uint32]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[uint32]int{}
	for _, n := range f.notes {
		if n.withdrawn {
			out[n.asn]++
		}
	}
	return out
}

func testCaches(t *testing.T) *Caches {
	t.Helper()
	c, err := NewCaches(CacheConfig{
		PathFilterCapacity:    1000,
		RoutingFilterCapacity: 1000,
		FilterFPRate:          0.01,
		PathCacheSize:         128,
		RouteCacheSize:        128,
	})
	if err != nil {
		t.Fatalf("NewCaches: %v", err)
	}
	return c
}

type testEnv struct {
	engine  *Engine
	sink    *recordingSink
	store   *fakeStore
	tracker *fakeTracker
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		sink:    &recordingSink{},
		store:   newFakeStore(),
		tracker: &fakeTracker{},
	}
	env.engine = NewEngine(testCaches(t), env.store, env.sink, env.tracker, opts, zap.NewNop())
	return env
}

func ts(sec int64) time.Time { return time.Unix(sec, 0) }

func msg(kind Kind, prefix string, peer PeerID, collector CollectorID, sec int64, path ...uint32) *Message {
	return &Message{
		Kind:      kind,
		Prefix:    netip.MustParsePrefix(prefix),
		Peer:      peer,
		Collector: collector,
		Time:      ts(sec),
		ASPath:    path,
	}
}
