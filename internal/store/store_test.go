package store

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/route-beacon/rib-engine/internal/event"
	"github.com/route-beacon/rib-engine/internal/registry"
	"github.com/route-beacon/rib-engine/internal/rib"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newTestLog(t *testing.T, shards int, saving bool) (*Log, []*miniredis.Miniredis) {
	t.Helper()
	var servers []*miniredis.Miniredis
	var addrs []string
	for i := 0; i < shards; i++ {
		mr := miniredis.RunT(t)
		servers = append(servers, mr)
		addrs = append(addrs, mr.Addr())
	}
	l, err := New(context.Background(), Config{
		Addrs:         addrs,
		QueueCapacity: 64,
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
		Saving:        saving,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, servers
}

func client(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	return c
}

func newEngine(t *testing.T, log *Log, reg *registry.Registry) *rib.Engine {
	t.Helper()
	caches, err := rib.NewCaches(rib.CacheConfig{
		PathFilterCapacity:    1000,
		RoutingFilterCapacity: 1000,
		FilterFPRate:          0.01,
		PathCacheSize:         64,
		RouteCacheSize:        64,
	})
	if err != nil {
		t.Fatal(err)
	}
	var tracker rib.ASTracker
	if reg != nil {
		tracker = reg
	}
	return rib.NewEngine(caches, log, log, tracker, rib.Options{HistoryMaxLen: 100, HistoryTrimEvery: 1000}, zap.NewNop())
}

func apply(e *rib.Engine, kind rib.Kind, prefix string, peer rib.PeerID, sec int64, path ...uint32) *rib.Message {
	m := &rib.Message{
		Kind:      kind,
		Prefix:    netip.MustParsePrefix(prefix),
		Peer:      peer,
		Collector: "A",
		Time:      time.Unix(sec, 0),
		ASPath:    path,
	}
	e.Apply(context.Background(), m)
	return m
}

func TestLog_CommandTranslation(t *testing.T) {
	l, servers := newTestLog(t, 1, true)
	ignore := goleak.IgnoreCurrent()
	ctx := context.Background()
	c := client(t, servers[0])

	l.Start()
	reg := registry.New(l)
	e := newEngine(t, l, reg)
	first := apply(e, rib.KindAnnouncement, "10.0.0.0/24", 64500, 100, 64500, 64501)
	second := apply(e, rib.KindAnnouncement, "10.0.0.0/24", 64500, 200, 64500, 64502)
	apply(e, rib.KindWithdrawal, "10.0.0.0/24", 64500, 300)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	goleak.VerifyNone(t, ignore)

	h1, h2 := rib.FormatHash(first.Path.Hash), rib.FormatHash(second.Path.Hash)
	if ok, _ := c.SIsMember(ctx, KeyPrefixes, "10.0.0.0/24").Result(); !ok {
		t.Error("prefix not in PREFIXES")
	}
	if got, _ := c.HGet(ctx, KeyPathIndex, "64500 64501").Result(); got != h1 {
		t.Errorf("PATH2ID = %q, want %q", got, h1)
	}
	rec, err := c.HGet(ctx, KeyPaths, h2).Result()
	if err != nil {
		t.Fatal(err)
	}
	p, err := rib.DecodePathRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	if p.Active.Load() != 0 || p.Announcements.Load() != 1 {
		t.Errorf("stored record counters: active=%d ann=%d", p.Active.Load(), p.Announcements.Load())
	}
	if n, _ := c.SCard(ctx, KeyActivePaths).Result(); n != 0 {
		t.Errorf("APATHS has %d members, want 0", n)
	}

	route := "10.0.0.0/24|64500"
	hist, _ := c.LRange(ctx, historyPrefix+route, 0, -1).Result()
	want := []string{":W:300", h2 + ":A:200", ":W:200", h1 + ":A:100"}
	if len(hist) != len(want) {
		t.Fatalf("history = %v, want %v", hist, want)
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Fatalf("history = %v, want %v", hist, want)
		}
	}
	if ok, _ := c.SIsMember(ctx, KeyInactiveEntries, route).Result(); !ok {
		t.Error("route not inactive after withdraw")
	}
	if ok, _ := c.SIsMember(ctx, KeyRoutingEntries, route).Result(); ok {
		t.Error("route still active after withdraw")
	}

	if n, _ := c.HLen(ctx, KeyASN).Result(); n != 3 {
		t.Errorf("ASN has %d records, want 3", n)
	}
	if n, _ := c.HLen(ctx, KeyLinks).Result(); n != 2 {
		t.Errorf("LINKS has %d records, want 2", n)
	}
	asHist, _ := c.LRange(ctx, asHistoryPrefix+"64501", 0, -1).Result()
	if len(asHist) != 2 || asHist[0] != "10.0.0.0/24:W:300" || asHist[1] != "10.0.0.0/24:A:100" {
		t.Errorf("AS history = %v", asHist)
	}
}

func TestLog_SavingOffDiscards(t *testing.T) {
	l, servers := newTestLog(t, 1, false)
	l.Start()
	l.Add(event.New(event.KindNewPrefix, time.Unix(1, 0), "10.0.0.0/8", map[string]string{event.AttrPrefix: "10.0.0.0/8"}))
	l.End()
	l.Run()

	if servers[0].Exists(KeyPrefixes) {
		t.Error("event written with saving off")
	}
	if l.Saving() {
		t.Error("Saving() = true")
	}
	l.SetSaving(true)
	if !l.Saving() {
		t.Error("SetSaving(true) did not take")
	}
	l.Close()
}

func TestLog_AddRacingEndNeverBlocks(t *testing.T) {
	l, _ := newTestLog(t, 2, false)
	l.Start()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				key := strconv.Itoa(i*1000 + j)
				l.Add(event.New(event.KindNewPrefix, time.Unix(int64(j), 0), key, map[string]string{event.AttrPrefix: key}))
			}
		}(i)
	}
	time.Sleep(time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producers still blocked after the consumers exited")
	}

	finished := make(chan struct{})
	go func() {
		for j := 0; j < 200; j++ {
			l.Add(event.New(event.KindNewPrefix, time.Unix(1, 0), "10.0.0.0/8", nil))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Add after End blocked")
	}
}

func TestLog_TrimBoundsHistory(t *testing.T) {
	l, servers := newTestLog(t, 1, true)
	c := client(t, servers[0])
	l.Start()

	route := "192.0.2.0/24|1"
	for i := 0; i < 5; i++ {
		l.Add(event.New(event.KindWithdrawn, time.Unix(int64(i), 0), route, map[string]string{event.AttrRoute: route}))
	}
	l.Add(event.New(event.KindTrim, time.Unix(9, 0), route, map[string]string{event.AttrRoute: route, event.AttrIndex: "1"}))
	l.Close()

	hist, _ := c.LRange(context.Background(), historyPrefix+route, 0, -1).Result()
	if len(hist) != 2 || hist[0] != ":W:4" {
		t.Errorf("history after trim = %v", hist)
	}
}

func TestLog_ShardAffinityAndColdReads(t *testing.T) {
	l, _ := newTestLog(t, 3, true)
	ctx := context.Background()
	l.Start()
	e := newEngine(t, l, nil)

	var keys []rib.RouteKey
	var paths []*rib.PathRecord
	for i := 0; i < 12; i++ {
		prefix := netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i), 0, 0}), 16)
		m := apply(e, rib.KindAnnouncement, prefix.String(), rib.PeerID(100+i), int64(10+i), 100+uint32(i), 200+uint32(i))
		keys = append(keys, rib.RouteKey{Prefix: prefix, Peer: m.Peer})
		paths = append(paths, m.Path)
	}
	apply(e, rib.KindWithdrawal, keys[0].Prefix.String(), keys[0].Peer, 99)
	l.End()
	l.Run()

	for i, key := range keys {
		h, ok, err := l.RoutingEntry(ctx, key)
		if err != nil {
			t.Fatalf("RoutingEntry(%s): %v", key, err)
		}
		if i == 0 {
			if ok {
				t.Errorf("withdrawn key %s reported active", key)
			}
			continue
		}
		if !ok || h != paths[i].Hash {
			t.Errorf("RoutingEntry(%s) = %v, %v; want %v", key, h, ok, paths[i].Hash)
		}
		p, err := l.Path(ctx, paths[i].Hash)
		if err != nil || p == nil || !p.Equal(paths[i]) {
			t.Errorf("Path(%s) = %v, %v", rib.FormatHash(paths[i].Hash), p, err)
		}
	}

	if _, ok, err := l.RoutingEntry(ctx, rib.RouteKey{Prefix: netip.MustParsePrefix("203.0.113.0/24"), Peer: 1}); ok || err != nil {
		t.Errorf("absent key: ok=%v err=%v", ok, err)
	}
	if p, err := l.Path(ctx, 12345); p != nil || err != nil {
		t.Errorf("absent path: %v, %v", p, err)
	}

	hist, err := l.History(ctx, keys[0], 10)
	if err != nil || len(hist) != 2 || hist[0].Announced || !hist[1].Announced {
		t.Errorf("History = %+v, %v", hist, err)
	}

	ps, err := l.PathStats(ctx)
	if err != nil || ps.Paths != 12 || ps.Active != 11 {
		t.Errorf("PathStats = %+v, %v", ps, err)
	}
	rs, err := l.RoutingStats(ctx)
	if err != nil || rs.Active != 11 || rs.Inactive != 1 {
		t.Errorf("RoutingStats = %+v, %v", rs, err)
	}

	l.Close()
	if _, _, err := l.RoutingEntry(ctx, keys[1]); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close = %v, want ErrClosed", err)
	}
}

func TestPopulate_ColdStartDuplicate(t *testing.T) {
	l, _ := newTestLog(t, 2, true)
	ctx := context.Background()
	l.Start()

	reg := registry.New(l)
	warm := newEngine(t, l, reg)
	first := apply(warm, rib.KindRIB, "10.0.0.0/24", 64500, 100, 64500, 64501)
	apply(warm, rib.KindRIB, "10.0.1.0/24", 64500, 100, 64500, 64502)
	apply(warm, rib.KindWithdrawal, "10.0.1.0/24", 64500, 150)
	l.End()
	l.Run()

	// A fresh process reading the same store.
	l2, err := New(ctx, Config{Addrs: addrsOf(l), Saving: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	reg2 := registry.New(l2)
	cold := newEngine(t, l2, reg2)
	stats, err := l2.Populate(ctx, cold, reg2)
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if stats.Prefixes != 2 || stats.Paths != 2 || stats.Routes != 1 || stats.InactiveRoutes != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.MaxPathID != 2 || cold.LastPathID() != 2 {
		t.Errorf("max path id = %d, engine resumes at %d", stats.MaxPathID, cold.LastPathID())
	}
	if cold.Trie.Count() != 2 {
		t.Errorf("trie count = %d, want 2", cold.Trie.Count())
	}
	if _, ok := reg2.AS(64501); !ok || reg2.LinkCount() != 2 {
		t.Errorf("registry not restored: links=%d", reg2.LinkCount())
	}

	l2.Start()
	m := apply(cold, rib.KindRIB, "10.0.0.0/24", 64500, 400, 64500, 64501)
	if m.Classification != rib.Duplicate {
		t.Errorf("cold-start classification = %s, want duplicate", m.Classification)
	}
	if m.NewPrefix {
		t.Error("populated prefix was created again")
	}
	if m.Path.ID != first.Path.ID {
		t.Errorf("path id = %d, want persisted %d", m.Path.ID, first.Path.ID)
	}
	m = apply(cold, rib.KindRIB, "10.0.1.0/24", 64500, 400, 64500, 64502)
	if m.Classification != rib.New {
		t.Errorf("re-announce of withdrawn route = %s, want new", m.Classification)
	}
	l2.Close()
	l.Close()
}

func TestNew_FailsWhenShardUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := New(context.Background(), Config{
		Addrs:       []string{mr.Addr(), "127.0.0.1:1"},
		DialTimeout: 100 * time.Millisecond,
	}, zap.NewNop())
	if err == nil {
		t.Fatal("New succeeded with an unreachable shard")
	}
	if _, err := New(context.Background(), Config{}, zap.NewNop()); err == nil {
		t.Error("New succeeded without addresses")
	}
}

func TestParseHistoryEntry(t *testing.T) {
	cases := []struct {
		in      string
		ann     bool
		wantErr bool
	}{
		{"abc:A:100", true, false},
		{":W:100", false, false},
		{"abc:X:100", false, true},
		{"abc:A", false, true},
		{"abc:A:notanumber", false, true},
		{"!!:A:1", false, true},
	}
	for _, tc := range cases {
		e, err := ParseHistoryEntry(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("%q: err = %v", tc.in, err)
			continue
		}
		if err == nil && e.Announced != tc.ann {
			t.Errorf("%q: announced = %v", tc.in, e.Announced)
		}
	}
}

func addrsOf(l *Log) []string {
	out := make([]string, len(l.shards))
	for i, s := range l.shards {
		out[i] = s.client.Options().Addr
	}
	return out
}
