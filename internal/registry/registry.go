// Package registry keeps the per-AS and per-link records derived from the
// paths and prefixes the engine sees.
package registry

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/route-beacon/rib-engine/internal/event"
)

// EventSink receives the registry's persistence events.
type EventSink interface {
	Add(ev *event.Event)
}

// ASRecord tracks one autonomous system as a prefix origin.
type ASRecord struct {
	mu        sync.Mutex
	asn       uint32
	announced int64
	withdrawn int64
	prefixes  int64
	firstSeen time.Time
	lastSeen  time.Time
}

type asJSON struct {
	ASN       uint32 `json:"asn"`
	Announced int64  `json:"ann"`
	Withdrawn int64  `json:"wd"`
	Prefixes  int64  `json:"pfx"`
	FirstSeen int64  `json:"first"`
	LastSeen  int64  `json:"last"`
}

// ASInfo is a point-in-time copy of an ASRecord.
type ASInfo struct {
	ASN       uint32
	Announced int64
	Withdrawn int64
	Prefixes  int64
	FirstSeen time.Time
	LastSeen  time.Time
}

func (r *ASRecord) info() ASInfo {
	return ASInfo{
		ASN:       r.asn,
		Announced: r.announced,
		Withdrawn: r.withdrawn,
		Prefixes:  r.prefixes,
		FirstSeen: r.firstSeen,
		LastSeen:  r.lastSeen,
	}
}

// encode is called with r.mu held.
func (r *ASRecord) encode() string {
	b, _ := json.Marshal(asJSON{
		ASN:       r.asn,
		Announced: r.announced,
		Withdrawn: r.withdrawn,
		Prefixes:  r.prefixes,
		FirstSeen: r.firstSeen.Unix(),
		LastSeen:  r.lastSeen.Unix(),
	})
	return string(b)
}

// Link is an adjacency between two consecutive ASes of a path, directed
// towards the origin.
type Link struct {
	mu        sync.Mutex
	from, to  uint32
	paths     int64
	firstSeen time.Time
	lastSeen  time.Time
}

type linkJSON struct {
	From      uint32 `json:"from"`
	To        uint32 `json:"to"`
	Paths     int64  `json:"paths"`
	FirstSeen int64  `json:"first"`
	LastSeen  int64  `json:"last"`
}

type LinkInfo struct {
	From, To  uint32
	Paths     int64
	FirstSeen time.Time
	LastSeen  time.Time
}

// LinkID is the store key of the link from a to b.
func LinkID(from, to uint32) string {
	return strconv.FormatUint(uint64(from), 10) + "-" + strconv.FormatUint(uint64(to), 10)
}

func (l *Link) encode() string {
	b, _ := json.Marshal(linkJSON{
		From:      l.from,
		To:        l.to,
		Paths:     l.paths,
		FirstSeen: l.firstSeen.Unix(),
		LastSeen:  l.lastSeen.Unix(),
	})
	return string(b)
}

// Registry is safe for concurrent use by the dispatcher workers. A record's
// snapshot is emitted under its lock, so snapshots of one record reach the
// sink in the order they were taken.
type Registry struct {
	ases   *xsync.MapOf[uint32, *ASRecord]
	links  *xsync.MapOf[string, *Link]
	events EventSink
}

func New(events EventSink) *Registry {
	return &Registry{
		ases:   xsync.NewMapOf[uint32, *ASRecord](),
		links:  xsync.NewMapOf[string, *Link](),
		events: events,
	}
}

func (r *Registry) as(asn uint32, t time.Time) *ASRecord {
	rec, _ := r.ases.LoadOrCompute(asn, func() *ASRecord {
		return &ASRecord{asn: asn, firstSeen: t}
	})
	return rec
}

// PrefixAnnounced records that asn started originating p.
func (r *Registry) PrefixAnnounced(asn uint32, p netip.Prefix, t time.Time) {
	rec := r.as(asn, t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.announced++
	rec.prefixes++
	rec.lastSeen = t

	r.emitPrefix(event.KindAsPrefixAnnounced, asn, p, t)
	r.emitAS(asn, rec.encode(), t)
}

// PrefixWithdrawn records that p is no longer reachable through asn.
func (r *Registry) PrefixWithdrawn(asn uint32, p netip.Prefix, t time.Time) {
	rec := r.as(asn, t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.withdrawn++
	if rec.prefixes > 0 {
		rec.prefixes--
	}
	rec.lastSeen = t

	r.emitPrefix(event.KindAsPrefixWithdrawn, asn, p, t)
	r.emitAS(asn, rec.encode(), t)
}

// ObservePath records the links of a newly seen path. Prepended hops are
// collapsed.
func (r *Registry) ObservePath(asPath []uint32, t time.Time) {
	for _, asn := range asPath {
		created := false
		rec, _ := r.ases.LoadOrCompute(asn, func() *ASRecord {
			created = true
			return &ASRecord{asn: asn, firstSeen: t, lastSeen: t}
		})
		if created {
			rec.mu.Lock()
			r.emitAS(asn, rec.encode(), t)
			rec.mu.Unlock()
		}
	}

	for i := 1; i < len(asPath); i++ {
		from, to := asPath[i-1], asPath[i]
		if from == to {
			continue
		}
		id := LinkID(from, to)
		l, _ := r.links.LoadOrCompute(id, func() *Link {
			return &Link{from: from, to: to, firstSeen: t}
		})
		l.mu.Lock()
		l.paths++
		l.lastSeen = t
		if r.events != nil {
			r.events.Add(event.New(event.KindLinkUpdate, t, id, map[string]string{
				event.AttrLink:   id,
				event.AttrRecord: l.encode(),
			}))
		}
		l.mu.Unlock()
	}
}

func (r *Registry) emitAS(asn uint32, enc string, t time.Time) {
	if r.events == nil {
		return
	}
	a := strconv.FormatUint(uint64(asn), 10)
	r.events.Add(event.New(event.KindAsUpdate, t, a, map[string]string{
		event.AttrASN:    a,
		event.AttrRecord: enc,
	}))
}

func (r *Registry) emitPrefix(kind event.Kind, asn uint32, p netip.Prefix, t time.Time) {
	if r.events == nil {
		return
	}
	a := strconv.FormatUint(uint64(asn), 10)
	r.events.Add(event.New(kind, t, a, map[string]string{
		event.AttrASN:    a,
		event.AttrPrefix: p.String(),
	}))
}

// RestoreAS loads a persisted AS record without emitting events.
func (r *Registry) RestoreAS(field, value string) error {
	var aj asJSON
	if err := json.Unmarshal([]byte(value), &aj); err != nil {
		return fmt.Errorf("restore as %s: %w", field, err)
	}
	if aj.ASN == 0 {
		v, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return fmt.Errorf("restore as %s: %w", field, err)
		}
		aj.ASN = uint32(v)
	}
	r.ases.Store(aj.ASN, &ASRecord{
		asn:       aj.ASN,
		announced: aj.Announced,
		withdrawn: aj.Withdrawn,
		prefixes:  aj.Prefixes,
		firstSeen: time.Unix(aj.FirstSeen, 0),
		lastSeen:  time.Unix(aj.LastSeen, 0),
	})
	return nil
}

// RestoreLink loads a persisted link without emitting events.
func (r *Registry) RestoreLink(id, value string) error {
	var lj linkJSON
	if err := json.Unmarshal([]byte(value), &lj); err != nil {
		return fmt.Errorf("restore link %s: %w", id, err)
	}
	if lj.From == 0 && lj.To == 0 {
		from, to, ok := strings.Cut(id, "-")
		if !ok {
			return fmt.Errorf("restore link %s: malformed id", id)
		}
		f, err := strconv.ParseUint(from, 10, 32)
		if err != nil {
			return fmt.Errorf("restore link %s: %w", id, err)
		}
		t, err := strconv.ParseUint(to, 10, 32)
		if err != nil {
			return fmt.Errorf("restore link %s: %w", id, err)
		}
		lj.From, lj.To = uint32(f), uint32(t)
	}
	r.links.Store(LinkID(lj.From, lj.To), &Link{
		from:      lj.From,
		to:        lj.To,
		paths:     lj.Paths,
		firstSeen: time.Unix(lj.FirstSeen, 0),
		lastSeen:  time.Unix(lj.LastSeen, 0),
	})
	return nil
}

func (r *Registry) AS(asn uint32) (ASInfo, bool) {
	rec, ok := r.ases.Load(asn)
	if !ok {
		return ASInfo{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.info(), true
}

func (r *Registry) Link(from, to uint32) (LinkInfo, bool) {
	l, ok := r.links.Load(LinkID(from, to))
	if !ok {
		return LinkInfo{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{From: l.from, To: l.to, Paths: l.paths, FirstSeen: l.firstSeen, LastSeen: l.lastSeen}, true
}

func (r *Registry) ASCount() int   { return r.ases.Size() }
func (r *Registry) LinkCount() int { return r.links.Size() }
