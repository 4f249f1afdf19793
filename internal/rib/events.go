package rib

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/route-beacon/rib-engine/internal/event"
)

func newPrefixEvent(p netip.Prefix, t time.Time) *event.Event {
	s := p.String()
	return event.New(event.KindNewPrefix, t, s, map[string]string{
		event.AttrPrefix: s,
	})
}

// Path events are routed by hash so that the shard holding a path is the
// one later asked for it on a cold read.
func newPathEvent(kind event.Kind, p *PathRecord, t time.Time) *event.Event {
	h := FormatHash(p.Hash)
	return event.New(kind, t, h, map[string]string{
		event.AttrPathHash: h,
		event.AttrPath:     p.Encoded(),
		event.AttrRecord:   p.Encode(),
	})
}

func announcedEvent(key RouteKey, h PathHash, t time.Time) *event.Event {
	k := key.String()
	return event.New(event.KindPathAnnounced, t, k, map[string]string{
		event.AttrRoute:    k,
		event.AttrPrefix:   key.Prefix.String(),
		event.AttrPeer:     strconv.FormatUint(uint64(key.Peer), 10),
		event.AttrPathHash: FormatHash(h),
	})
}

func withdrawnEvent(key RouteKey, t time.Time) *event.Event {
	k := key.String()
	return event.New(event.KindWithdrawn, t, k, map[string]string{
		event.AttrRoute:  k,
		event.AttrPrefix: key.Prefix.String(),
		event.AttrPeer:   strconv.FormatUint(uint64(key.Peer), 10),
	})
}

func trimEvent(key RouteKey, last int, t time.Time) *event.Event {
	k := key.String()
	return event.New(event.KindTrim, t, k, map[string]string{
		event.AttrRoute: k,
		event.AttrIndex: strconv.Itoa(last),
	})
}
