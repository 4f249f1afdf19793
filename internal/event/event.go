package event

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies what an Event records and therefore which store commands
// a shard consumer issues for it.
type Kind int

const (
	KindNewPrefix Kind = iota + 1
	KindNewPath
	KindPathActivated
	KindPathDeactivated
	KindPathAnnounced
	KindWithdrawn
	KindAsUpdate
	KindAsPrefixAnnounced
	KindAsPrefixWithdrawn
	KindLinkUpdate
	KindTrim
	KindEnd
)

var kindNames = map[Kind]string{
	KindNewPrefix:         "new_prefix",
	KindNewPath:           "new_path",
	KindPathActivated:     "path_activated",
	KindPathDeactivated:   "path_deactivated",
	KindPathAnnounced:     "path_announced",
	KindWithdrawn:         "withdrawn",
	KindAsUpdate:          "as_update",
	KindAsPrefixAnnounced: "as_prefix_announced",
	KindAsPrefixWithdrawn: "as_prefix_withdrawn",
	KindLinkUpdate:        "link_update",
	KindTrim:              "trim",
	KindEnd:               "end",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Attribute keys.
const (
	AttrPrefix   = "pfx"
	AttrPeer     = "peer"
	AttrRoute    = "route"
	AttrPathHash = "hash"
	AttrPath     = "path"
	AttrRecord   = "rec"
	AttrASN      = "asn"
	AttrLink     = "link"
	AttrIndex    = "index"
)

// Event is an immutable audit record. It is owned by the producer until it
// is handed to the log, and by the shard consumer afterwards.
type Event struct {
	Kind       Kind
	Attrs      map[string]string
	Time       time.Time
	RoutingKey string
	// Hash is the xxhash64 of RoutingKey and selects the shard.
	Hash uint64
}

// New builds an event routed by key. Events with equal keys always land on
// the same shard.
func New(kind Kind, t time.Time, key string, attrs map[string]string) *Event {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Event{
		Kind:       kind,
		Attrs:      attrs,
		Time:       t,
		RoutingKey: key,
		Hash:       RoutingHash(key),
	}
}

// End returns the termination marker broadcast to every shard.
func End(t time.Time) *Event {
	return &Event{Kind: KindEnd, Attrs: map[string]string{}, Time: t}
}

func RoutingHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// ShardFor maps a routing hash onto [0, shards).
func ShardFor(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(hash % uint64(shards))
}

// Unix renders a timestamp the way history entries store it.
func Unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
