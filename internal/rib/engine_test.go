package rib

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/route-beacon/rib-engine/internal/event"
)

func TestEngine_PrefixLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	steps := []struct {
		m      *Message
		want   Classification
		outage bool
	}{
		{msg(KindRIB, "10.0.0.0/24", 64500, "A", 100, 64500, 64501), New, false},
		{msg(KindRIB, "10.0.0.0/24", 64500, "A", 101, 64500, 64501), Duplicate, false},
		{msg(KindAnnouncement, "10.0.0.0/24", 64500, "A", 200, 64500, 64502), Changed, false},
		{msg(KindWithdrawal, "10.0.0.0/24", 64500, "A", 300), Withdrawn, true},
	}
	for i, s := range steps {
		env.engine.Apply(ctx, s.m)
		if s.m.Classification != s.want {
			t.Fatalf("step %d: classification = %s, want %s", i, s.m.Classification, s.want)
		}
		if s.m.GlobalOutage != s.outage {
			t.Fatalf("step %d: global outage = %v, want %v", i, s.m.GlobalOutage, s.outage)
		}
	}
	if !steps[0].m.NewPrefix || steps[1].m.NewPrefix {
		t.Error("only the first message should create the prefix")
	}

	first := steps[0].m.Path
	if got := first.Replaced.Load(); got != 1 {
		t.Errorf("replaced counter = %d, want 1", got)
	}
	if got := first.Duplicates.Load(); got != 1 {
		t.Errorf("duplicate counter = %d, want 1", got)
	}
	if got := first.Active.Load(); got != 0 {
		t.Errorf("first path active = %d, want 0", got)
	}
	if got := steps[2].m.Path.Active.Load(); got != 0 {
		t.Errorf("second path active after withdraw = %d, want 0", got)
	}

	st, ok := env.engine.Trie.Lookup(netip.MustParsePrefix("10.0.0.0/24"))
	if !ok {
		t.Fatal("prefix missing from trie")
	}
	if st.VisiblePeers() != 0 || st.VisibleCollectors() != 0 || !st.GlobalOutage() {
		t.Errorf("state after withdraw: peers=%d collectors=%d outage=%v",
			st.VisiblePeers(), st.VisibleCollectors(), st.GlobalOutage())
	}
	if diff := cmp.Diff([]CollectorID{"A"}, st.OutagedCollectors()); diff != "" {
		t.Errorf("outaged collectors (-want +got):\n%s", diff)
	}

	want := []event.Kind{
		event.KindNewPrefix,
		event.KindNewPath, event.KindPathActivated, event.KindPathAnnounced,
		event.KindNewPath, event.KindWithdrawn, event.KindPathDeactivated, event.KindPathActivated, event.KindPathAnnounced,
		event.KindPathDeactivated, event.KindWithdrawn,
	}
	if diff := cmp.Diff(want, env.sink.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if got := env.tracker.withdrawals(); got[64501] != 1 || got[64502] != 1 {
		t.Errorf("AS withdrawals = %v, want one each for 64501 and 64502", got)
	}
}

func TestEngine_ColdStartDuplicate(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	stored := NewPathRecord(7, []uint32{64500, 64501}, "A")
	key := RouteKey{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Peer: 64500}
	env.store.routes[key] = stored.Hash
	env.store.paths[stored.Hash] = stored
	env.engine.Caches.RoutingFilter.Add(key.String())
	env.engine.Caches.PathFilter.Add(stored.Encoded())
	env.engine.ResumePathIDs(7)

	m := msg(KindRIB, "10.0.0.0/24", 64500, "A", 100, 64500, 64501)
	env.engine.Apply(ctx, m)
	if m.Classification != Duplicate {
		t.Fatalf("classification = %s, want duplicate", m.Classification)
	}
	if m.Path.ID != 7 {
		t.Errorf("path resolved to id %d, want stored id 7", m.Path.ID)
	}
	if env.store.routeReads != 1 {
		t.Errorf("routing entry reads = %d, want 1", env.store.routeReads)
	}
	if env.sink.count(event.KindNewPath) != 0 || env.sink.count(event.KindPathAnnounced) != 0 {
		t.Errorf("unexpected events %v", env.sink.kinds())
	}

	st, _ := env.engine.Trie.Lookup(m.Prefix)
	if st.VisiblePeers() != 1 || st.VisibleCollectors() != 1 {
		t.Errorf("adopted binding: peers=%d collectors=%d", st.VisiblePeers(), st.VisibleCollectors())
	}

	w := msg(KindWithdrawal, "10.0.0.0/24", 64500, "A", 200)
	env.engine.Apply(ctx, w)
	if w.Classification != Withdrawn || !w.GlobalOutage {
		t.Errorf("withdraw after adoption = %s outage=%v", w.Classification, w.GlobalOutage)
	}
	if got := stored.Active.Load(); got != 0 {
		t.Errorf("stored path active = %d, want 0", got)
	}
}

func TestEngine_AdoptedBindingsShareActiveCount(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	stored := NewPathRecord(3, []uint32{64510, 64511}, "A")
	env.store.paths[stored.Hash] = stored
	env.engine.Caches.PathFilter.Add(stored.Encoded())
	for _, peer := range []PeerID{1, 2} {
		key := RouteKey{Prefix: netip.MustParsePrefix("10.20.0.0/16"), Peer: peer}
		env.store.routes[key] = stored.Hash
		env.engine.Caches.RoutingFilter.Add(key.String())
	}
	env.engine.ResumePathIDs(3)

	for _, peer := range []PeerID{1, 2} {
		m := msg(KindRIB, "10.20.0.0/16", peer, "A", 10, 64510, 64511)
		env.engine.Apply(ctx, m)
		if m.Classification != Duplicate {
			t.Fatalf("peer %d: classification = %s, want duplicate", peer, m.Classification)
		}
	}
	if got := stored.Active.Load(); got != 2 {
		t.Fatalf("active after adopting two peers = %d, want 2", got)
	}
	if got := env.sink.count(event.KindPathActivated); got != 1 {
		t.Errorf("activations = %d, want 1", got)
	}

	env.engine.Apply(ctx, msg(KindWithdrawal, "10.20.0.0/16", 1, "A", 20))
	if got := env.sink.count(event.KindPathDeactivated); got != 0 {
		t.Fatalf("path deactivated while peer 2 still uses it (active=%d)", stored.Active.Load())
	}
	env.engine.Apply(ctx, msg(KindWithdrawal, "10.20.0.0/16", 2, "A", 30))
	if got := env.sink.count(event.KindPathDeactivated); got != 1 || stored.Active.Load() != 0 {
		t.Fatalf("after both withdrawals: deactivations=%d active=%d", got, stored.Active.Load())
	}

	env.sink.reset()
	env.engine.Apply(ctx, msg(KindAnnouncement, "10.20.0.0/16", 1, "A", 40, 64510, 64511))
	if got := env.sink.count(event.KindPathActivated); got != 1 || stored.Active.Load() != 1 {
		t.Errorf("re-announce: activations=%d active=%d", got, stored.Active.Load())
	}
}

func TestEngine_ColdMissWithoutFilterSkipsStore(t *testing.T) {
	env := newTestEnv(t, Options{})
	m := msg(KindAnnouncement, "192.0.2.0/24", 1, "A", 10, 1, 2)
	env.engine.Apply(context.Background(), m)
	if m.Classification != New {
		t.Fatalf("classification = %s, want new", m.Classification)
	}
	if env.store.routeReads != 0 {
		t.Errorf("store consulted %d times without a filter hit", env.store.routeReads)
	}
}

func TestEngine_ColdReadErrorIsMiss(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.store.err = errors.New("connection refused")
	key := RouteKey{Prefix: netip.MustParsePrefix("192.0.2.0/24"), Peer: 1}
	env.engine.Caches.RoutingFilter.Add(key.String())

	m := msg(KindAnnouncement, "192.0.2.0/24", 1, "A", 10, 1, 2)
	env.engine.Apply(context.Background(), m)
	if m.Classification != New {
		t.Errorf("classification = %s, want new", m.Classification)
	}
}

func TestEngine_EmptyPathInvalid(t *testing.T) {
	env := newTestEnv(t, Options{})
	m := msg(KindAnnouncement, "192.0.2.0/24", 1, "A", 10)
	env.engine.Apply(context.Background(), m)
	if m.Classification != Invalid {
		t.Errorf("classification = %s, want invalid", m.Classification)
	}
}

func TestEngine_ResolvePathSharesRecords(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*PathRecord, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := env.engine.ResolvePath(ctx, []uint32{1, 2, 3}, "A", ts(1))
			if err != nil {
				t.Errorf("ResolvePath: %v", err)
			}
			results[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range results {
		if p != results[0] {
			t.Fatal("concurrent resolution produced distinct records")
		}
	}
	if n := env.sink.count(event.KindNewPath); n != 1 {
		t.Errorf("NewPath events = %d, want 1", n)
	}
	if env.engine.LastPathID() != 1 {
		t.Errorf("last path id = %d, want 1", env.engine.LastPathID())
	}
}

func TestEngine_ResumePathIDs(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.engine.ResumePathIDs(41)
	env.engine.ResumePathIDs(12)
	p, created, err := env.engine.ResolvePath(context.Background(), []uint32{9}, "A", ts(1))
	if err != nil || !created {
		t.Fatalf("ResolvePath: created=%v err=%v", created, err)
	}
	if p.ID != 42 {
		t.Errorf("id = %d, want 42", p.ID)
	}
}

func TestEngine_TrimEvents(t *testing.T) {
	env := newTestEnv(t, Options{HistoryMaxLen: 10, HistoryTrimEvery: 2})
	ctx := context.Background()
	env.engine.Apply(ctx, msg(KindAnnouncement, "192.0.2.0/24", 1, "A", 1, 1, 2))
	env.engine.Apply(ctx, msg(KindWithdrawal, "192.0.2.0/24", 1, "A", 2))
	if n := env.sink.count(event.KindTrim); n != 1 {
		t.Fatalf("trim events = %d, want 1", n)
	}
	for _, ev := range env.sink.events {
		if ev.Kind == event.KindTrim && ev.Attrs[event.AttrIndex] != "9" {
			t.Errorf("trim index = %s, want 9", ev.Attrs[event.AttrIndex])
		}
	}
}
